package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	domain "github.com/herbcart/api/internal/domain"
	"github.com/herbcart/api/internal/repositories"
)

type stubCommissionRepo struct {
	records   map[string]domain.CommissionRecord
	sums      map[domain.CommissionStatus]int64
	sumsErr   error
	insertErr error
	inserted  []domain.CommissionRecord
}

func (r *stubCommissionRepo) Insert(_ context.Context, record domain.CommissionRecord) error {
	if r.insertErr != nil {
		return r.insertErr
	}
	if r.records == nil {
		r.records = make(map[string]domain.CommissionRecord)
	}
	r.records[record.ID] = record
	r.inserted = append(r.inserted, record)
	return nil
}

func (r *stubCommissionRepo) FindByID(_ context.Context, recordID string) (domain.CommissionRecord, error) {
	if record, ok := r.records[recordID]; ok {
		return record, nil
	}
	return domain.CommissionRecord{}, repositories.NewLedgerError(repositories.LedgerErrorRecordNotFound, "missing", nil)
}

func (r *stubCommissionRepo) FindByOrderID(_ context.Context, orderID string) (domain.CommissionRecord, error) {
	for _, record := range r.records {
		if record.OrderID != nil && *record.OrderID == orderID {
			return record, nil
		}
	}
	return domain.CommissionRecord{}, repositories.NewLedgerError(repositories.LedgerErrorRecordNotFound, "missing", nil)
}

func (r *stubCommissionRepo) UpdateStatus(_ context.Context, recordID string, from, to domain.CommissionStatus, now time.Time) (domain.CommissionRecord, error) {
	record, ok := r.records[recordID]
	if !ok {
		return domain.CommissionRecord{}, repositories.NewLedgerError(repositories.LedgerErrorRecordNotFound, "missing", nil)
	}
	if record.Status != from {
		return domain.CommissionRecord{}, repositories.NewLedgerError(repositories.LedgerErrorInvalidTransition, "status mismatch", nil)
	}
	record.Status = to
	record.UpdatedAt = now
	r.records[recordID] = record
	return record, nil
}

func (r *stubCommissionRepo) SumByStatus(_ context.Context, _ string) (map[domain.CommissionStatus]int64, error) {
	if r.sumsErr != nil {
		return nil, r.sumsErr
	}
	return r.sums, nil
}

func (r *stubCommissionRepo) ListByReferrer(_ context.Context, referrerID string, _ repositories.CommissionListFilter) (domain.CursorPage[domain.CommissionRecord], error) {
	var items []domain.CommissionRecord
	for _, record := range r.records {
		if record.ReferrerID == referrerID {
			items = append(items, record)
		}
	}
	return domain.CursorPage[domain.CommissionRecord]{Items: items}, nil
}

func (r *stubCommissionRepo) ListByReferrerAndStatus(_ context.Context, referrerID string, status domain.CommissionStatus) ([]domain.CommissionRecord, error) {
	var items []domain.CommissionRecord
	for _, record := range r.records {
		if record.ReferrerID == referrerID && record.Status == status {
			items = append(items, record)
		}
	}
	return items, nil
}

func newTestCommissionService(t *testing.T, repo *stubCommissionRepo) CommissionService {
	t.Helper()
	seq := 0
	svc, err := NewCommissionService(CommissionServiceDeps{
		Commissions: repo,
		IDGen: func() string {
			seq++
			return fmt.Sprintf("com_%d", seq)
		},
		Clock: func() time.Time { return time.Date(2026, 3, 6, 9, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("NewCommissionService error: %v", err)
	}
	return svc
}

func TestCommissionService_RecordSignupStartsPending(t *testing.T) {
	repo := &stubCommissionRepo{}
	svc := newTestCommissionService(t, repo)

	record, err := svc.RecordSignup(context.Background(), RecordSignupCommand{
		ReferrerID:     "owner_1",
		ReferredUserID: "user_2",
		ReferredEmail:  "user2@example.com",
		ReferralCodeID: "code_1",
	})
	if err != nil {
		t.Fatalf("RecordSignup error: %v", err)
	}
	if record.Status != domain.CommissionStatusPending {
		t.Fatalf("expected pending status, got %s", record.Status)
	}
	if record.CommissionAmount != 0 {
		t.Fatalf("signup records carry no amount, got %d", record.CommissionAmount)
	}
}

func TestCommissionService_ConfirmSignupTransition(t *testing.T) {
	repo := &stubCommissionRepo{records: map[string]domain.CommissionRecord{
		"com_1": {ID: "com_1", ReferrerID: "owner_1", Status: domain.CommissionStatusPending},
	}}
	svc := newTestCommissionService(t, repo)

	record, err := svc.ConfirmSignup(context.Background(), "com_1")
	if err != nil {
		t.Fatalf("ConfirmSignup error: %v", err)
	}
	if record.Status != domain.CommissionStatusSignedUp {
		t.Fatalf("expected signed_up, got %s", record.Status)
	}

	if _, err := svc.ConfirmSignup(context.Background(), "com_1"); !errors.Is(err, ErrCommissionInvalidTransition) {
		t.Fatalf("repeat confirm should fail the status guard, got %v", err)
	}
	if _, err := svc.ConfirmSignup(context.Background(), "missing"); !errors.Is(err, ErrCommissionNotFound) {
		t.Fatalf("expected ErrCommissionNotFound, got %v", err)
	}
}

func TestCommissionService_BalanceSums(t *testing.T) {
	repo := &stubCommissionRepo{sums: map[domain.CommissionStatus]int64{
		domain.CommissionStatusPending:             0,
		domain.CommissionStatusPurchased:           150,
		domain.CommissionStatusWithdrawalRequested: 40,
		domain.CommissionStatusWithdrawn:           60,
	}}
	svc := newTestCommissionService(t, repo)

	balance, err := svc.Balance(context.Background(), "owner_1")
	if err != nil {
		t.Fatalf("Balance error: %v", err)
	}
	if balance.Available != 150 {
		t.Fatalf("available must equal the purchased sum: want 150, got %d", balance.Available)
	}
	if balance.PendingClearance != 40 {
		t.Fatalf("pending clearance mismatch: want 40, got %d", balance.PendingClearance)
	}
	if balance.Withdrawn != 60 {
		t.Fatalf("withdrawn mismatch: want 60, got %d", balance.Withdrawn)
	}
	if balance.Earned != 250 {
		t.Fatalf("earned mismatch: want 250, got %d", balance.Earned)
	}
}

func TestCommissionService_BalanceFailsLoudlyOnNegativeSum(t *testing.T) {
	repo := &stubCommissionRepo{sums: map[domain.CommissionStatus]int64{
		domain.CommissionStatusPurchased: -10,
	}}
	svc := newTestCommissionService(t, repo)

	_, err := svc.Balance(context.Background(), "owner_1")
	if !errors.Is(err, ErrLedgerCorrupt) {
		t.Fatalf("negative sums must fail, not clamp: got %v", err)
	}
}

func TestCommissionService_HistoryRequiresReferrer(t *testing.T) {
	svc := newTestCommissionService(t, &stubCommissionRepo{})
	if _, err := svc.History(context.Background(), CommissionHistoryCommand{}); !errors.Is(err, ErrCommissionInvalidInput) {
		t.Fatalf("expected ErrCommissionInvalidInput, got %v", err)
	}
}

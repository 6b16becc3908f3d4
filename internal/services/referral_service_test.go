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

type stubRepoError struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *stubRepoError) Error() string       { return "stub repository error" }
func (e *stubRepoError) IsNotFound() bool    { return e.notFound }
func (e *stubRepoError) IsConflict() bool    { return e.conflict }
func (e *stubRepoError) IsUnavailable() bool { return e.unavailable }

type stubReferralCodeRepo struct {
	codes       map[string]domain.ReferralCode
	insertErr   error
	inserted    []domain.ReferralCode
	consumed    []repositories.ConsumeReferralRequest
	consumeErr  error
	replayed    bool
	deactivated []string
}

func (r *stubReferralCodeRepo) Insert(_ context.Context, code domain.ReferralCode) error {
	if r.insertErr != nil {
		return r.insertErr
	}
	r.inserted = append(r.inserted, code)
	if r.codes == nil {
		r.codes = make(map[string]domain.ReferralCode)
	}
	r.codes[code.Code] = code
	return nil
}

func (r *stubReferralCodeRepo) FindByCode(_ context.Context, code string) (domain.ReferralCode, error) {
	if record, ok := r.codes[code]; ok {
		return record, nil
	}
	return domain.ReferralCode{}, &stubRepoError{notFound: true}
}

func (r *stubReferralCodeRepo) FindByID(_ context.Context, codeID string) (domain.ReferralCode, error) {
	for _, record := range r.codes {
		if record.ID == codeID {
			return record, nil
		}
	}
	return domain.ReferralCode{}, &stubRepoError{notFound: true}
}

func (r *stubReferralCodeRepo) Deactivate(_ context.Context, codeID string, _ time.Time) error {
	for key, record := range r.codes {
		if record.ID == codeID {
			record.IsActive = false
			r.codes[key] = record
			r.deactivated = append(r.deactivated, codeID)
			return nil
		}
	}
	return &stubRepoError{notFound: true}
}

func (r *stubReferralCodeRepo) ListByOwner(_ context.Context, ownerID string, _ domain.Pagination) (domain.CursorPage[domain.ReferralCode], error) {
	var items []domain.ReferralCode
	for _, record := range r.codes {
		if record.OwnerID == ownerID {
			items = append(items, record)
		}
	}
	return domain.CursorPage[domain.ReferralCode]{Items: items}, nil
}

func (r *stubReferralCodeRepo) Consume(_ context.Context, req repositories.ConsumeReferralRequest) (repositories.ConsumeReferralResult, error) {
	if r.consumeErr != nil {
		return repositories.ConsumeReferralResult{}, r.consumeErr
	}
	r.consumed = append(r.consumed, req)
	for key, record := range r.codes {
		if record.ID == req.CodeID {
			if !r.replayed {
				record.CurrentUses++
				r.codes[key] = record
			}
			return repositories.ConsumeReferralResult{
				Code:       record,
				Commission: req.Commission,
				Replayed:   r.replayed,
			}, nil
		}
	}
	return repositories.ConsumeReferralResult{}, repositories.NewLedgerError(repositories.LedgerErrorCodeNotFound, "code missing", nil)
}

func newTestReferralService(t *testing.T, repo *stubReferralCodeRepo, allowSelf bool) ReferralService {
	t.Helper()
	seq := 0
	svc, err := NewReferralService(ReferralServiceDeps{
		Codes: repo,
		Defaults: ReferralDefaults{
			DiscountAmount: 50,
			CommissionRate: 10,
			MaxUses:        10,
		},
		AllowSelfReferral: allowSelf,
		IDGen: func() string {
			seq++
			return fmt.Sprintf("id_%d", seq)
		},
		Clock: func() time.Time { return time.Date(2026, 3, 6, 9, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("NewReferralService error: %v", err)
	}
	return svc
}

func activeCode(code, ownerID string) domain.ReferralCode {
	return domain.ReferralCode{
		ID:             "code_" + code,
		Code:           code,
		OwnerID:        ownerID,
		DiscountAmount: 50,
		CommissionRate: 10,
		MaxUses:        10,
		IsActive:       true,
	}
}

func TestReferralService_ValidateCaseInsensitive(t *testing.T) {
	repo := &stubReferralCodeRepo{codes: map[string]domain.ReferralCode{"REFAB": activeCode("REFAB", "owner_1")}}
	svc := newTestReferralService(t, repo, false)

	result, err := svc.ValidateCode(context.Background(), ValidateReferralCommand{
		Code:   "  refab ",
		UserID: "user_1",
		Items:  []CartItem{{ProductID: "p1", Category: domain.CategoryTech, Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("ValidateCode error: %v", err)
	}
	if !result.IsValid || result.DiscountAmount != 50 {
		t.Fatalf("expected valid code with discount 50, got %+v", result)
	}
}

func TestReferralService_ValidateRejectReasons(t *testing.T) {
	expired := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	inactive := activeCode("INACTIVE", "owner_1")
	inactive.IsActive = false
	expiredCode := activeCode("EXPIRED", "owner_1")
	expiredCode.ExpiryDate = &expired
	exhausted := activeCode("USEDUP", "owner_1")
	exhausted.CurrentUses = exhausted.MaxUses

	repo := &stubReferralCodeRepo{codes: map[string]domain.ReferralCode{
		"INACTIVE": inactive,
		"EXPIRED":  expiredCode,
		"USEDUP":   exhausted,
		"MINE":     activeCode("MINE", "user_1"),
	}}
	svc := newTestReferralService(t, repo, false)

	cases := []struct {
		code   string
		reason domain.ReferralRejectReason
	}{
		{"NOPE", domain.ReferralReasonNotFound},
		{"INACTIVE", domain.ReferralReasonInactive},
		{"EXPIRED", domain.ReferralReasonExpired},
		{"USEDUP", domain.ReferralReasonExhausted},
		{"MINE", domain.ReferralReasonSelfReferral},
	}
	for _, tc := range cases {
		t.Run(string(tc.reason), func(t *testing.T) {
			result, err := svc.ValidateCode(context.Background(), ValidateReferralCommand{Code: tc.code, UserID: "user_1"})
			if err != nil {
				t.Fatalf("ValidateCode error: %v", err)
			}
			if result.IsValid {
				t.Fatalf("expected invalid result for %s", tc.code)
			}
			if result.Reason != tc.reason {
				t.Fatalf("reason mismatch: want %s, got %s", tc.reason, result.Reason)
			}
		})
	}
}

func TestReferralService_ValidateSelfReferralAllowedByFlag(t *testing.T) {
	repo := &stubReferralCodeRepo{codes: map[string]domain.ReferralCode{"MINE": activeCode("MINE", "user_1")}}
	svc := newTestReferralService(t, repo, true)

	result, err := svc.ValidateCode(context.Background(), ValidateReferralCommand{Code: "MINE", UserID: "user_1"})
	if err != nil {
		t.Fatalf("ValidateCode error: %v", err)
	}
	if !result.IsValid {
		t.Fatalf("expected self referral to pass with flag enabled, got %+v", result)
	}
}

func TestReferralService_ValidateNoEligibleItemsSoftSuccess(t *testing.T) {
	code := activeCode("REFAB", "owner_1")
	code.ExcludedCategories = []domain.ProductCategory{domain.CategoryAyurvedic}
	repo := &stubReferralCodeRepo{codes: map[string]domain.ReferralCode{"REFAB": code}}
	svc := newTestReferralService(t, repo, false)

	result, err := svc.ValidateCode(context.Background(), ValidateReferralCommand{
		Code:   "REFAB",
		UserID: "user_1",
		Items:  []CartItem{{ProductID: "p1", Category: domain.CategoryAyurvedic, Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("ValidateCode error: %v", err)
	}
	if !result.IsValid {
		t.Fatalf("expected soft success, got %+v", result)
	}
	if result.DiscountAmount != 0 {
		t.Fatalf("expected zero discount, got %d", result.DiscountAmount)
	}
	if result.Reason != domain.ReferralReasonNoEligibleItems {
		t.Fatalf("expected no_eligible_items reason, got %s", result.Reason)
	}
}

func TestReferralService_ConsumeCreatesPurchasedCommission(t *testing.T) {
	repo := &stubReferralCodeRepo{codes: map[string]domain.ReferralCode{"REFAB": activeCode("REFAB", "owner_1")}}
	svc := newTestReferralService(t, repo, false)

	result, err := svc.ConsumeCode(context.Background(), ConsumeReferralCommand{
		Code:        "refab",
		UserID:      "user_1",
		UserEmail:   "user@example.com",
		OrderID:     "order_1",
		OrderAmount: 653,
	})
	if err != nil {
		t.Fatalf("ConsumeCode error: %v", err)
	}
	if result.Replayed {
		t.Fatalf("first consume should not be a replay")
	}
	if len(repo.consumed) != 1 {
		t.Fatalf("expected exactly one consume call, got %d", len(repo.consumed))
	}

	commission := result.Commission
	if commission.Status != domain.CommissionStatusPurchased {
		t.Fatalf("expected purchased status, got %s", commission.Status)
	}
	if commission.CommissionAmount != 65 {
		t.Fatalf("commission amount mismatch: want 65, got %d", commission.CommissionAmount)
	}
	if commission.ReferrerID != "owner_1" || commission.ReferredUserID != "user_1" {
		t.Fatalf("attribution mismatch: %+v", commission)
	}
	if commission.OrderID == nil || *commission.OrderID != "order_1" {
		t.Fatalf("expected order id on commission record")
	}
	if repo.codes["REFAB"].CurrentUses != 1 {
		t.Fatalf("expected usage counter to move by one, got %d", repo.codes["REFAB"].CurrentUses)
	}
}

func TestReferralService_ConsumeReplayReturnsStoredRecord(t *testing.T) {
	repo := &stubReferralCodeRepo{
		codes:    map[string]domain.ReferralCode{"REFAB": activeCode("REFAB", "owner_1")},
		replayed: true,
	}
	svc := newTestReferralService(t, repo, false)

	result, err := svc.ConsumeCode(context.Background(), ConsumeReferralCommand{
		Code:        "REFAB",
		UserID:      "user_1",
		OrderID:     "order_1",
		OrderAmount: 653,
	})
	if err != nil {
		t.Fatalf("ConsumeCode error: %v", err)
	}
	if !result.Replayed {
		t.Fatalf("expected replay flag")
	}
	if repo.codes["REFAB"].CurrentUses != 0 {
		t.Fatalf("replay must not move the usage counter, got %d", repo.codes["REFAB"].CurrentUses)
	}
}

func TestReferralService_ConsumeRejectsExhaustedCode(t *testing.T) {
	exhausted := activeCode("USEDUP", "owner_1")
	exhausted.CurrentUses = exhausted.MaxUses
	repo := &stubReferralCodeRepo{codes: map[string]domain.ReferralCode{"USEDUP": exhausted}}
	svc := newTestReferralService(t, repo, false)

	_, err := svc.ConsumeCode(context.Background(), ConsumeReferralCommand{
		Code:        "USEDUP",
		UserID:      "user_1",
		OrderID:     "order_1",
		OrderAmount: 100,
	})
	if !errors.Is(err, ErrReferralCodeRejected) {
		t.Fatalf("expected ErrReferralCodeRejected, got %v", err)
	}
	if len(repo.consumed) != 0 {
		t.Fatalf("exhausted code must not reach the repository")
	}
}

func TestReferralService_ConsumeMapsLedgerConflicts(t *testing.T) {
	repo := &stubReferralCodeRepo{
		codes:      map[string]domain.ReferralCode{"REFAB": activeCode("REFAB", "owner_1")},
		consumeErr: repositories.NewLedgerError(repositories.LedgerErrorCodeExhausted, "cap reached", nil),
	}
	svc := newTestReferralService(t, repo, false)

	_, err := svc.ConsumeCode(context.Background(), ConsumeReferralCommand{
		Code:        "REFAB",
		UserID:      "user_1",
		OrderID:     "order_1",
		OrderAmount: 100,
	})
	if !errors.Is(err, ErrReferralCodeRejected) {
		t.Fatalf("expected ErrReferralCodeRejected for transactional exhaustion, got %v", err)
	}
}

func TestReferralService_CreateCodeAppliesDefaults(t *testing.T) {
	repo := &stubReferralCodeRepo{}
	svc := newTestReferralService(t, repo, false)

	code, err := svc.CreateCode(context.Background(), CreateReferralCodeCommand{
		OwnerID: "owner_1",
		Code:    " refnew ",
	})
	if err != nil {
		t.Fatalf("CreateCode error: %v", err)
	}
	if code.Code != "REFNEW" {
		t.Fatalf("expected upper-cased code, got %q", code.Code)
	}
	if code.DiscountAmount != 50 || code.CommissionRate != 10 || code.MaxUses != 10 {
		t.Fatalf("defaults not applied: %+v", code)
	}
	if !code.IsActive || code.CurrentUses != 0 {
		t.Fatalf("new codes must start active with zero uses: %+v", code)
	}
}

func TestReferralService_CreateCodeConflict(t *testing.T) {
	repo := &stubReferralCodeRepo{insertErr: &stubRepoError{conflict: true}}
	svc := newTestReferralService(t, repo, false)

	_, err := svc.CreateCode(context.Background(), CreateReferralCodeCommand{OwnerID: "owner_1", Code: "REFAB"})
	if !errors.Is(err, ErrReferralCodeExists) {
		t.Fatalf("expected ErrReferralCodeExists, got %v", err)
	}
}

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

// ledgerCommission mirrors the persisted commission record: the amount is the
// referrer's withdrawable balance while status is purchased.
type ledgerCommission struct {
	id           string
	amount       int64
	status       domain.CommissionStatus
	withdrawalID string
}

// ledgerModel is an in-memory WithdrawalRepository with the same earmarking
// rules as the Firestore implementation: oldest purchased records first, the
// last record split when it exceeds the remainder, rejections restoring the
// earmarked records to purchased.
type ledgerModel struct {
	commissions []*ledgerCommission
	withdrawals map[string]domain.WithdrawalRequest
	nextID      int
}

func newLedgerModel() *ledgerModel {
	return &ledgerModel{withdrawals: make(map[string]domain.WithdrawalRequest)}
}

func (m *ledgerModel) credit(amount int64) {
	m.nextID++
	m.commissions = append(m.commissions, &ledgerCommission{
		id:     fmt.Sprintf("comm_%d", m.nextID),
		amount: amount,
		status: domain.CommissionStatusPurchased,
	})
}

func (m *ledgerModel) available() int64 {
	var sum int64
	for _, c := range m.commissions {
		if c.status == domain.CommissionStatusPurchased {
			sum += c.amount
		}
	}
	return sum
}

func (m *ledgerModel) Request(_ context.Context, req repositories.WithdrawalCreateRequest) (domain.WithdrawalRequest, error) {
	withdrawal := req.Withdrawal

	var (
		earmarked int64
		marks     []*ledgerCommission
		split     *ledgerCommission
		splitTake int64
	)
	for _, c := range m.commissions {
		if c.status != domain.CommissionStatusPurchased || c.amount <= 0 {
			continue
		}
		remaining := withdrawal.Amount - earmarked
		if c.amount <= remaining {
			marks = append(marks, c)
			earmarked += c.amount
		} else {
			split = c
			splitTake = remaining
			earmarked += remaining
		}
		if earmarked >= withdrawal.Amount {
			break
		}
	}
	if earmarked < withdrawal.Amount {
		return domain.WithdrawalRequest{}, repositories.NewLedgerError(repositories.LedgerErrorInsufficientBalance, "balance too low", nil)
	}

	recordIDs := make([]string, 0, len(marks)+1)
	for _, c := range marks {
		c.status = domain.CommissionStatusWithdrawalRequested
		c.withdrawalID = withdrawal.ID
		recordIDs = append(recordIDs, c.id)
	}
	if split != nil {
		child := &ledgerCommission{
			id:           req.SplitIDGen(),
			amount:       splitTake,
			status:       domain.CommissionStatusWithdrawalRequested,
			withdrawalID: withdrawal.ID,
		}
		split.amount -= splitTake
		m.commissions = append(m.commissions, child)
		recordIDs = append(recordIDs, child.id)
	}

	withdrawal.Status = domain.WithdrawalStatusRequested
	withdrawal.CommissionRecordIDs = recordIDs
	m.withdrawals[withdrawal.ID] = withdrawal
	return withdrawal, nil
}

func (m *ledgerModel) Process(_ context.Context, req repositories.WithdrawalProcessRequest) (domain.WithdrawalRequest, error) {
	withdrawal, ok := m.withdrawals[req.WithdrawalID]
	if !ok {
		return domain.WithdrawalRequest{}, repositories.NewLedgerError(repositories.LedgerErrorRecordNotFound, "missing", nil)
	}
	if withdrawal.Status != domain.WithdrawalStatusRequested {
		return domain.WithdrawalRequest{}, repositories.NewLedgerError(repositories.LedgerErrorAlreadyProcessed, "already decided", nil)
	}

	for _, c := range m.commissions {
		if c.withdrawalID != req.WithdrawalID || c.status != domain.CommissionStatusWithdrawalRequested {
			continue
		}
		if req.Approve {
			c.status = domain.CommissionStatusWithdrawn
		} else {
			c.status = domain.CommissionStatusPurchased
			c.withdrawalID = ""
		}
	}

	if req.Approve {
		withdrawal.Status = domain.WithdrawalStatusApproved
	} else {
		withdrawal.Status = domain.WithdrawalStatusRejected
		withdrawal.RejectionNote = req.Note
	}
	withdrawal.ProcessedBy = &req.AdminID
	withdrawal.ProcessedAt = &req.Now
	m.withdrawals[req.WithdrawalID] = withdrawal
	return withdrawal, nil
}

func (m *ledgerModel) FindByID(_ context.Context, withdrawalID string) (domain.WithdrawalRequest, error) {
	if withdrawal, ok := m.withdrawals[withdrawalID]; ok {
		return withdrawal, nil
	}
	return domain.WithdrawalRequest{}, repositories.NewLedgerError(repositories.LedgerErrorRecordNotFound, "missing", nil)
}

func (m *ledgerModel) List(_ context.Context, _ repositories.WithdrawalListFilter) (domain.CursorPage[domain.WithdrawalRequest], error) {
	return domain.CursorPage[domain.WithdrawalRequest]{}, nil
}

var _ repositories.WithdrawalRepository = (*ledgerModel)(nil)

// checkLedgerInvariants asserts that no sequence of credits, withdrawal
// requests and decisions can drive the balance negative or leak money: every
// record amount stays non-negative and the three statuses always sum to the
// total ever credited.
func checkLedgerInvariants(t *testing.T, m *ledgerModel, credited int64) {
	t.Helper()

	var purchased, requested, withdrawn int64
	for _, c := range m.commissions {
		if c.amount < 0 {
			t.Fatalf("commission %s has negative amount %d", c.id, c.amount)
		}
		switch c.status {
		case domain.CommissionStatusPurchased:
			purchased += c.amount
		case domain.CommissionStatusWithdrawalRequested:
			requested += c.amount
		case domain.CommissionStatusWithdrawn:
			withdrawn += c.amount
		default:
			t.Fatalf("commission %s in unexpected status %s", c.id, c.status)
		}
	}
	if purchased < 0 {
		t.Fatalf("available balance went negative: %d", purchased)
	}
	if purchased+requested+withdrawn != credited {
		t.Fatalf("ledger leaked money: purchased %d + requested %d + withdrawn %d != credited %d",
			purchased, requested, withdrawn, credited)
	}

	for id, withdrawal := range m.withdrawals {
		if withdrawal.Status != domain.WithdrawalStatusRequested {
			continue
		}
		var earmarked int64
		for _, c := range m.commissions {
			if c.withdrawalID == id && c.status == domain.CommissionStatusWithdrawalRequested {
				earmarked += c.amount
			}
		}
		if earmarked != withdrawal.Amount {
			t.Fatalf("withdrawal %s earmarked %d, wants %d", id, earmarked, withdrawal.Amount)
		}
	}
}

// FuzzWithdrawalLedgerBalances drives random operation sequences through the
// withdrawal service against the in-memory ledger. Each byte selects one
// operation: credit a purchased commission, request a withdrawal, or decide a
// pending one. The ledger invariants must hold after every step.
func FuzzWithdrawalLedgerBalances(f *testing.F) {
	f.Add([]byte{0x0c, 0x19, 0x31, 0x4d, 0x32})
	f.Add([]byte{0x24, 0x24, 0x85, 0x85, 0x0e, 0x9b, 0x47})
	f.Add([]byte{0xff, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07})

	f.Fuzz(func(t *testing.T, ops []byte) {
		model := newLedgerModel()
		seq := 0
		svc, err := NewWithdrawalService(WithdrawalServiceDeps{
			Withdrawals: model,
			IDGen: func() string {
				seq++
				return fmt.Sprintf("id_%d", seq)
			},
			Clock: func() time.Time { return time.Date(2026, 3, 6, 9, 0, 0, 0, time.UTC) },
		})
		if err != nil {
			t.Fatalf("NewWithdrawalService error: %v", err)
		}

		ctx := context.Background()
		var credited int64
		var withdrawalIDs []string

		for _, op := range ops {
			arg := int64(op >> 2)
			switch op % 3 {
			case 0:
				amount := arg + 1
				model.credit(amount)
				credited += amount
			case 1:
				created, err := svc.RequestWithdrawal(ctx, RequestWithdrawalCommand{
					UserID: "owner_1",
					UPIID:  "owner@upi",
					Amount: arg*3 + 1,
				})
				switch {
				case err == nil:
					withdrawalIDs = append(withdrawalIDs, created.ID)
				case errors.Is(err, ErrWithdrawalInsufficientBalance):
				default:
					t.Fatalf("RequestWithdrawal error: %v", err)
				}
			case 2:
				if len(withdrawalIDs) == 0 {
					continue
				}
				id := withdrawalIDs[int(arg)%len(withdrawalIDs)]
				_, err := svc.ProcessWithdrawal(ctx, ProcessWithdrawalCommand{
					WithdrawalID: id,
					Approve:      op&0x02 == 0,
					AdminID:      "admin_1",
				})
				if err != nil && !errors.Is(err, ErrWithdrawalAlreadyProcessed) {
					t.Fatalf("ProcessWithdrawal error: %v", err)
				}
			}
			checkLedgerInvariants(t, model, credited)
		}
	})
}

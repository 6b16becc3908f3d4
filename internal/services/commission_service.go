package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/herbcart/api/internal/domain"
	"github.com/herbcart/api/internal/repositories"
)

var (
	// ErrCommissionInvalidInput indicates the caller supplied invalid input parameters.
	ErrCommissionInvalidInput = errors.New("commission: invalid input")
	// ErrCommissionUnavailable indicates commission dependencies are currently unavailable.
	ErrCommissionUnavailable = errors.New("commission: unavailable")
	// ErrCommissionNotFound indicates the commission record does not exist.
	ErrCommissionNotFound = errors.New("commission: record not found")
	// ErrCommissionInvalidTransition indicates the stored status forbids the transition.
	ErrCommissionInvalidTransition = errors.New("commission: invalid transition")
	// ErrLedgerCorrupt indicates the stored ledger sums violate the non-negativity
	// invariant. Callers must surface this, never mask it.
	ErrLedgerCorrupt = errors.New("commission: ledger corrupt")
)

// CommissionServiceDeps wires the dependencies required by the commission service.
type CommissionServiceDeps struct {
	Commissions repositories.CommissionRepository
	Events      LedgerEventPublisher
	IDGen       func() string
	Clock       func() time.Time
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type commissionService struct {
	commissions repositories.CommissionRepository
	events      LedgerEventPublisher
	idGen       func() string
	now         func() time.Time
	logger      func(ctx context.Context, event string, fields map[string]any)
}

// NewCommissionService constructs a CommissionService validating required dependencies.
func NewCommissionService(deps CommissionServiceDeps) (CommissionService, error) {
	if deps.Commissions == nil {
		return nil, errors.New("commission service: commission repository is required")
	}
	if deps.IDGen == nil {
		return nil, errors.New("commission service: id generator is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &commissionService{
		commissions: deps.Commissions,
		events:      deps.Events,
		idGen:       deps.IDGen,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// RecordSignup writes a pending commission record for a referred signup. The
// monetary amount stays zero until a qualifying purchase freezes it.
func (s *commissionService) RecordSignup(ctx context.Context, cmd RecordSignupCommand) (CommissionRecord, error) {
	referrerID := strings.TrimSpace(cmd.ReferrerID)
	referredID := strings.TrimSpace(cmd.ReferredUserID)
	if referrerID == "" || referredID == "" {
		return CommissionRecord{}, ErrCommissionInvalidInput
	}

	now := s.now()
	record := CommissionRecord{
		ID:             s.idGen(),
		ReferrerID:     referrerID,
		ReferredUserID: referredID,
		ReferredEmail:  strings.TrimSpace(cmd.ReferredEmail),
		ReferralCodeID: strings.TrimSpace(cmd.ReferralCodeID),
		Status:         domain.CommissionStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.commissions.Insert(ctx, record); err != nil {
		return CommissionRecord{}, s.translateError(ctx, "commission.recordSignup", err)
	}
	return record, nil
}

// ConfirmSignup moves a pending record to signed_up.
func (s *commissionService) ConfirmSignup(ctx context.Context, recordID string) (CommissionRecord, error) {
	recordID = strings.TrimSpace(recordID)
	if recordID == "" {
		return CommissionRecord{}, ErrCommissionInvalidInput
	}
	record, err := s.commissions.UpdateStatus(ctx, recordID, domain.CommissionStatusPending, domain.CommissionStatusSignedUp, s.now())
	if err != nil {
		if repositories.LedgerErrorHasCode(err, repositories.LedgerErrorRecordNotFound) {
			return CommissionRecord{}, ErrCommissionNotFound
		}
		if repositories.LedgerErrorHasCode(err, repositories.LedgerErrorInvalidTransition) {
			return CommissionRecord{}, ErrCommissionInvalidTransition
		}
		return CommissionRecord{}, s.translateError(ctx, "commission.confirmSignup", err)
	}
	return record, nil
}

// Balance derives the referrer's ledger position from status sums. Available
// balance is the purchased sum alone; a negative sum means stored data is
// corrupt and the read fails loudly instead of clamping.
func (s *commissionService) Balance(ctx context.Context, referrerID string) (ReferralBalance, error) {
	referrerID = strings.TrimSpace(referrerID)
	if referrerID == "" {
		return ReferralBalance{}, ErrCommissionInvalidInput
	}

	sums, err := s.commissions.SumByStatus(ctx, referrerID)
	if err != nil {
		return ReferralBalance{}, s.translateError(ctx, "commission.balance", err)
	}

	available := sums[domain.CommissionStatusPurchased]
	earmarked := sums[domain.CommissionStatusWithdrawalRequested]
	withdrawn := sums[domain.CommissionStatusWithdrawn]
	for status, sum := range sums {
		if sum < 0 {
			s.logger(ctx, "commission.negative_balance", map[string]any{
				"referrerId": referrerID,
				"status":     string(status),
				"sum":        sum,
			})
			return ReferralBalance{}, fmt.Errorf("%w: %s sum for %s is %d", ErrLedgerCorrupt, status, referrerID, sum)
		}
	}

	return ReferralBalance{
		ReferrerID:       referrerID,
		Earned:           available + earmarked + withdrawn,
		PendingClearance: earmarked,
		Withdrawn:        withdrawn,
		Available:        available,
	}, nil
}

// History lists the referrer's commission records, newest first.
func (s *commissionService) History(ctx context.Context, cmd CommissionHistoryCommand) (domain.CursorPage[CommissionRecord], error) {
	referrerID := strings.TrimSpace(cmd.ReferrerID)
	if referrerID == "" {
		return domain.CursorPage[CommissionRecord]{}, ErrCommissionInvalidInput
	}
	page, err := s.commissions.ListByReferrer(ctx, referrerID, repositories.CommissionListFilter{
		Status:     cmd.Status,
		DateRange:  cmd.DateRange,
		Pagination: cmd.Pagination,
	})
	if err != nil {
		return domain.CursorPage[CommissionRecord]{}, s.translateError(ctx, "commission.history", err)
	}
	return page, nil
}

func (s *commissionService) translateError(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	s.logger(ctx, op+"_failed", map[string]any{"error": err.Error()})
	return fmt.Errorf("%w: %s", ErrCommissionUnavailable, op)
}

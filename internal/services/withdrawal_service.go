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
	// ErrWithdrawalInvalidInput indicates the caller supplied invalid input parameters.
	ErrWithdrawalInvalidInput = errors.New("withdrawal: invalid input")
	// ErrWithdrawalUnavailable indicates withdrawal dependencies are currently unavailable.
	ErrWithdrawalUnavailable = errors.New("withdrawal: unavailable")
	// ErrWithdrawalNotFound indicates the withdrawal request does not exist.
	ErrWithdrawalNotFound = errors.New("withdrawal: not found")
	// ErrWithdrawalInsufficientBalance indicates the available commission balance
	// does not cover the requested amount.
	ErrWithdrawalInsufficientBalance = errors.New("withdrawal: insufficient balance")
	// ErrWithdrawalAlreadyProcessed indicates an admin decision was already recorded.
	ErrWithdrawalAlreadyProcessed = errors.New("withdrawal: already processed")
)

// WithdrawalServiceDeps wires the dependencies required by the withdrawal service.
type WithdrawalServiceDeps struct {
	Withdrawals repositories.WithdrawalRepository
	Events      LedgerEventPublisher
	IDGen       func() string
	Clock       func() time.Time
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type withdrawalService struct {
	withdrawals repositories.WithdrawalRepository
	events      LedgerEventPublisher
	idGen       func() string
	now         func() time.Time
	logger      func(ctx context.Context, event string, fields map[string]any)
}

// NewWithdrawalService constructs a WithdrawalService validating required dependencies.
func NewWithdrawalService(deps WithdrawalServiceDeps) (WithdrawalService, error) {
	if deps.Withdrawals == nil {
		return nil, errors.New("withdrawal service: withdrawal repository is required")
	}
	if deps.IDGen == nil {
		return nil, errors.New("withdrawal service: id generator is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &withdrawalService{
		withdrawals: deps.Withdrawals,
		events:      deps.Events,
		idGen:       deps.IDGen,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// RequestWithdrawal earmarks purchased commission records for payout. The
// repository fails the earmark atomically when the available balance does not
// cover the amount.
func (s *withdrawalService) RequestWithdrawal(ctx context.Context, cmd RequestWithdrawalCommand) (WithdrawalRequest, error) {
	userID := strings.TrimSpace(cmd.UserID)
	upiID := strings.TrimSpace(cmd.UPIID)
	if userID == "" || upiID == "" {
		return WithdrawalRequest{}, ErrWithdrawalInvalidInput
	}
	if cmd.Amount <= 0 {
		return WithdrawalRequest{}, fmt.Errorf("%w: amount must be positive", ErrWithdrawalInvalidInput)
	}

	now := s.now()
	withdrawal := WithdrawalRequest{
		ID:        s.idGen(),
		UserID:    userID,
		UPIID:     upiID,
		Amount:    cmd.Amount,
		Status:    domain.WithdrawalStatusRequested,
		CreatedAt: now,
		UpdatedAt: now,
	}

	created, err := s.withdrawals.Request(ctx, repositories.WithdrawalCreateRequest{
		Withdrawal: withdrawal,
		SplitIDGen: s.idGen,
		Now:        now,
	})
	if err != nil {
		if repositories.LedgerErrorHasCode(err, repositories.LedgerErrorInsufficientBalance) {
			return WithdrawalRequest{}, ErrWithdrawalInsufficientBalance
		}
		return WithdrawalRequest{}, s.translateError(ctx, "withdrawal.request", err)
	}

	s.logger(ctx, "withdrawal.requested", map[string]any{
		"withdrawalId": created.ID,
		"userId":       userID,
		"amount":       cmd.Amount,
	})
	return created, nil
}

// ProcessWithdrawal records an admin approve or reject decision exactly once.
// Replays against an already decided request fail with AlreadyProcessed.
func (s *withdrawalService) ProcessWithdrawal(ctx context.Context, cmd ProcessWithdrawalCommand) (WithdrawalRequest, error) {
	withdrawalID := strings.TrimSpace(cmd.WithdrawalID)
	adminID := strings.TrimSpace(cmd.AdminID)
	if withdrawalID == "" || adminID == "" {
		return WithdrawalRequest{}, ErrWithdrawalInvalidInput
	}

	processed, err := s.withdrawals.Process(ctx, repositories.WithdrawalProcessRequest{
		WithdrawalID: withdrawalID,
		Approve:      cmd.Approve,
		AdminID:      adminID,
		Note:         strings.TrimSpace(cmd.Note),
		Now:          s.now(),
	})
	if err != nil {
		if repositories.LedgerErrorHasCode(err, repositories.LedgerErrorRecordNotFound) {
			return WithdrawalRequest{}, ErrWithdrawalNotFound
		}
		if repositories.LedgerErrorHasCode(err, repositories.LedgerErrorAlreadyProcessed) {
			return WithdrawalRequest{}, ErrWithdrawalAlreadyProcessed
		}
		return WithdrawalRequest{}, s.translateError(ctx, "withdrawal.process", err)
	}

	s.publishProcessed(ctx, processed)
	return processed, nil
}

func (s *withdrawalService) GetWithdrawal(ctx context.Context, withdrawalID string) (WithdrawalRequest, error) {
	withdrawalID = strings.TrimSpace(withdrawalID)
	if withdrawalID == "" {
		return WithdrawalRequest{}, ErrWithdrawalInvalidInput
	}
	withdrawal, err := s.withdrawals.FindByID(ctx, withdrawalID)
	if err != nil {
		if repositories.LedgerErrorHasCode(err, repositories.LedgerErrorRecordNotFound) {
			return WithdrawalRequest{}, ErrWithdrawalNotFound
		}
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return WithdrawalRequest{}, ErrWithdrawalNotFound
		}
		return WithdrawalRequest{}, s.translateError(ctx, "withdrawal.get", err)
	}
	return withdrawal, nil
}

func (s *withdrawalService) ListWithdrawals(ctx context.Context, filter WithdrawalListFilter) (domain.CursorPage[WithdrawalRequest], error) {
	page, err := s.withdrawals.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[WithdrawalRequest]{}, s.translateError(ctx, "withdrawal.list", err)
	}
	return page, nil
}

// publishProcessed emits the ledger event without blocking the decision flow.
func (s *withdrawalService) publishProcessed(ctx context.Context, withdrawal WithdrawalRequest) {
	if s.events == nil {
		return
	}
	_, err := s.events.PublishLedgerEvent(ctx, LedgerEventMessage{
		Type:         LedgerEventWithdrawalProcessed,
		UserID:       withdrawal.UserID,
		WithdrawalID: withdrawal.ID,
		Amount:       withdrawal.Amount,
		OccurredAt:   s.now(),
	})
	if err != nil {
		s.logger(ctx, "withdrawal.event_publish_failed", map[string]any{
			"withdrawalId": withdrawal.ID,
			"error":        err.Error(),
		})
	}
}

func (s *withdrawalService) translateError(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	s.logger(ctx, op+"_failed", map[string]any{"error": err.Error()})
	return fmt.Errorf("%w: %s", ErrWithdrawalUnavailable, op)
}

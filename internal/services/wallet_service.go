package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/herbcart/api/internal/repositories"
)

var (
	// ErrWalletInvalidInput indicates the caller supplied invalid input parameters.
	ErrWalletInvalidInput = errors.New("wallet: invalid input")
	// ErrWalletUnavailable indicates wallet dependencies are currently unavailable.
	ErrWalletUnavailable = errors.New("wallet: unavailable")
)

// WalletServiceDeps wires the dependencies required by the wallet service.
type WalletServiceDeps struct {
	Wallets repositories.CoinWalletRepository
	Clock   func() time.Time
	Logger  func(ctx context.Context, event string, fields map[string]any)
}

type walletService struct {
	wallets repositories.CoinWalletRepository
	now     func() time.Time
	logger  func(ctx context.Context, event string, fields map[string]any)
}

// NewWalletService constructs a WalletService validating required dependencies.
func NewWalletService(deps WalletServiceDeps) (WalletService, error) {
	if deps.Wallets == nil {
		return nil, errors.New("wallet service: wallet repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &walletService{
		wallets: deps.Wallets,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Balance returns the user's coin wallet. Users without a wallet document yet
// read as a zero balance.
func (s *walletService) Balance(ctx context.Context, userID string) (CoinWallet, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return CoinWallet{}, ErrWalletInvalidInput
	}
	wallet, err := s.wallets.Get(ctx, userID)
	if err != nil {
		if walletNotFound(err) {
			return CoinWallet{UserID: userID}, nil
		}
		s.logger(ctx, "wallet.balance_failed", map[string]any{"error": err.Error()})
		return CoinWallet{}, fmt.Errorf("%w: balance", ErrWalletUnavailable)
	}
	return wallet, nil
}

// Credit adds coins to the user's wallet.
func (s *walletService) Credit(ctx context.Context, cmd CreditCoinsCommand) (CoinWallet, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return CoinWallet{}, ErrWalletInvalidInput
	}
	if cmd.Amount <= 0 {
		return CoinWallet{}, fmt.Errorf("%w: credit amount must be positive", ErrWalletInvalidInput)
	}
	wallet, err := s.wallets.Credit(ctx, userID, cmd.Amount, s.now())
	if err != nil {
		s.logger(ctx, "wallet.credit_failed", map[string]any{"error": err.Error()})
		return CoinWallet{}, fmt.Errorf("%w: credit", ErrWalletUnavailable)
	}
	s.logger(ctx, "wallet.credited", map[string]any{
		"userId": userID,
		"amount": cmd.Amount,
		"reason": cmd.Reason,
	})
	return wallet, nil
}

func walletNotFound(err error) bool {
	if repositories.LedgerErrorHasCode(err, repositories.LedgerErrorWalletNotFound) {
		return true
	}
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

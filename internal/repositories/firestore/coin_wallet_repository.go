package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/herbcart/api/internal/domain"
	pfirestore "github.com/herbcart/api/internal/platform/firestore"
	"github.com/herbcart/api/internal/repositories"
)

const coinWalletCollection = "coinWallets"

// CoinWalletRepository stores per-user coin balances. Debit checks the stored
// balance inside the transaction so the invariant balance >= 0 holds under
// concurrent redemptions.
type CoinWalletRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[coinWalletDocument]
}

// NewCoinWalletRepository constructs a Firestore-backed coin wallet repository.
func NewCoinWalletRepository(provider *pfirestore.Provider) (*CoinWalletRepository, error) {
	if provider == nil {
		return nil, errors.New("coin wallet repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[coinWalletDocument](provider, coinWalletCollection, nil, nil)
	return &CoinWalletRepository{provider: provider, base: base}, nil
}

// Get loads the wallet for a user.
func (r *CoinWalletRepository) Get(ctx context.Context, userID string) (domain.CoinWallet, error) {
	if r == nil || r.base == nil {
		return domain.CoinWallet{}, errors.New("coin wallet repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.CoinWallet{}, errors.New("coin wallet repository: user id is required")
	}

	doc, err := r.base.Get(ctx, uid)
	if err != nil {
		if isFirestoreNotFound(err) {
			return domain.CoinWallet{}, repositories.NewLedgerError(repositories.LedgerErrorWalletNotFound, fmt.Sprintf("coin wallet %s not found", uid), err)
		}
		return domain.CoinWallet{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// Credit increments the balance, creating the wallet on first use.
func (r *CoinWalletRepository) Credit(ctx context.Context, userID string, amount int64, now time.Time) (domain.CoinWallet, error) {
	if r == nil || r.provider == nil {
		return domain.CoinWallet{}, errors.New("coin wallet repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.CoinWallet{}, errors.New("coin wallet repository: user id is required")
	}
	if amount <= 0 {
		return domain.CoinWallet{}, errors.New("coin wallet repository: credit amount must be > 0")
	}

	var wallet domain.CoinWallet
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, uid)
		if err != nil {
			return err
		}
		var doc coinWalletDocument
		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("decode coin wallet %s: %w", uid, err)
			}
		case status.Code(err) == codes.NotFound:
			doc = coinWalletDocument{}
		default:
			return err
		}

		doc.Balance += amount
		doc.UpdatedAt = now.UTC()
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		wallet = doc.toDomain(uid)
		return nil
	})
	if err != nil {
		return domain.CoinWallet{}, wrapLedgerError("coinWallets.credit", err)
	}
	return wallet, nil
}

// Debit decrements the balance only when it still covers amount at mutation
// time. A balance that no longer covers the amount reports insufficient
// balance rather than clamping.
func (r *CoinWalletRepository) Debit(ctx context.Context, userID string, amount int64, now time.Time) (domain.CoinWallet, error) {
	if r == nil || r.provider == nil {
		return domain.CoinWallet{}, errors.New("coin wallet repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.CoinWallet{}, errors.New("coin wallet repository: user id is required")
	}
	if amount <= 0 {
		return domain.CoinWallet{}, errors.New("coin wallet repository: debit amount must be > 0")
	}

	var wallet domain.CoinWallet
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, uid)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return repositories.NewLedgerError(repositories.LedgerErrorWalletNotFound, fmt.Sprintf("coin wallet %s not found", uid), err)
			}
			return err
		}
		var doc coinWalletDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode coin wallet %s: %w", uid, err)
		}
		if doc.Balance < amount {
			return repositories.NewLedgerError(repositories.LedgerErrorInsufficientBalance, fmt.Sprintf("coin balance %d below debit %d", doc.Balance, amount), nil)
		}

		doc.Balance -= amount
		doc.UpdatedAt = now.UTC()
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		wallet = doc.toDomain(uid)
		return nil
	})
	if err != nil {
		return domain.CoinWallet{}, wrapLedgerError("coinWallets.debit", err)
	}
	return wallet, nil
}

type coinWalletDocument struct {
	Balance   int64     `firestore:"balance"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func (d coinWalletDocument) toDomain(userID string) domain.CoinWallet {
	return domain.CoinWallet{
		UserID:    userID,
		Balance:   d.Balance,
		UpdatedAt: d.UpdatedAt,
	}
}

var _ repositories.CoinWalletRepository = (*CoinWalletRepository)(nil)

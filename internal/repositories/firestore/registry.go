package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	pfirestore "github.com/herbcart/api/internal/platform/firestore"
	"github.com/herbcart/api/internal/repositories"
)

// Registry wires all Firestore-backed repositories behind the typed accessor
// interface used by dependency injection.
type Registry struct {
	provider *pfirestore.Provider

	products         *ProductRepository
	carts            *CartRepository
	referralCodes    *ReferralCodeRepository
	commissions      *CommissionRepository
	withdrawals      *WithdrawalRepository
	coinWallets      *CoinWalletRepository
	orders           *OrderRepository
	checkoutSessions *CheckoutSessionRepository
	reconciliations  *ReconciliationRepository
	auditLogs        *AuditLogRepository
	health           repositories.HealthRepository
}

// RegistryOption customises registry construction.
type RegistryOption func(*registryConfig)

type registryConfig struct {
	extraChecks []repositories.DependencyCheck
}

// WithHealthChecks appends dependency checks beyond the built-in Firestore ping.
func WithHealthChecks(checks ...repositories.DependencyCheck) RegistryOption {
	return func(cfg *registryConfig) {
		cfg.extraChecks = append(cfg.extraChecks, checks...)
	}
}

// NewRegistry builds every repository on the shared provider.
func NewRegistry(provider *pfirestore.Provider, opts ...RegistryOption) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}

	cfg := registryConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	products, err := NewProductRepository(provider)
	if err != nil {
		return nil, err
	}
	carts, err := NewCartRepository(provider)
	if err != nil {
		return nil, err
	}
	referralCodes, err := NewReferralCodeRepository(provider)
	if err != nil {
		return nil, err
	}
	commissions, err := NewCommissionRepository(provider)
	if err != nil {
		return nil, err
	}
	withdrawals, err := NewWithdrawalRepository(provider)
	if err != nil {
		return nil, err
	}
	coinWallets, err := NewCoinWalletRepository(provider)
	if err != nil {
		return nil, err
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	checkoutSessions, err := NewCheckoutSessionRepository(provider)
	if err != nil {
		return nil, err
	}
	reconciliations, err := NewReconciliationRepository(provider)
	if err != nil {
		return nil, err
	}
	auditLogs, err := NewAuditLogRepository(provider)
	if err != nil {
		return nil, err
	}

	checks := append([]repositories.DependencyCheck{
		{Name: "firestore", Check: pingProvider(provider)},
	}, cfg.extraChecks...)
	health, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, err
	}

	return &Registry{
		provider:         provider,
		products:         products,
		carts:            carts,
		referralCodes:    referralCodes,
		commissions:      commissions,
		withdrawals:      withdrawals,
		coinWallets:      coinWallets,
		orders:           orders,
		checkoutSessions: checkoutSessions,
		reconciliations:  reconciliations,
		auditLogs:        auditLogs,
		health:           health,
	}, nil
}

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

// RunInTx executes fn inside a Firestore transaction boundary.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if r == nil || r.provider == nil {
		return errors.New("registry not initialised")
	}
	if fn == nil {
		return errors.New("registry: transaction function is nil")
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		return fn(ctx)
	})
}

func (r *Registry) Products() repositories.ProductRepository                 { return r.products }
func (r *Registry) Carts() repositories.CartRepository                       { return r.carts }
func (r *Registry) ReferralCodes() repositories.ReferralCodeRepository       { return r.referralCodes }
func (r *Registry) Commissions() repositories.CommissionRepository           { return r.commissions }
func (r *Registry) Withdrawals() repositories.WithdrawalRepository           { return r.withdrawals }
func (r *Registry) CoinWallets() repositories.CoinWalletRepository           { return r.coinWallets }
func (r *Registry) Orders() repositories.OrderRepository                     { return r.orders }
func (r *Registry) CheckoutSessions() repositories.CheckoutSessionRepository { return r.checkoutSessions }
func (r *Registry) Reconciliations() repositories.ReconciliationRepository   { return r.reconciliations }
func (r *Registry) AuditLogs() repositories.AuditLogRepository               { return r.auditLogs }
func (r *Registry) Health() repositories.HealthRepository                    { return r.health }

func pingProvider(provider *pfirestore.Provider) func(context.Context) error {
	return func(ctx context.Context) error {
		client, err := provider.Client(ctx)
		if err != nil {
			return err
		}
		iter := client.Collections(ctx)
		if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
			return err
		}
		return nil
	}
}

var _ repositories.Registry = (*Registry)(nil)

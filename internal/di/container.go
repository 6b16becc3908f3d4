package di

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/herbcart/api/internal/payments"
	"github.com/herbcart/api/internal/platform/config"
	"github.com/herbcart/api/internal/repositories"
	"github.com/herbcart/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Pricing     services.PricingEngine
	Referrals   services.ReferralService
	Commissions services.CommissionService
	Withdrawals services.WithdrawalService
	Wallets     services.WalletService
	Checkout    services.CheckoutService
	Orders      services.OrderService
	Audit       services.AuditLogService
	System      services.SystemService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

type containerConfig struct {
	gateway *payments.Manager
	events  services.LedgerEventPublisher
	logger  *zap.Logger
	build   services.BuildInfo
	idGen   func() string
	clock   func() time.Time
}

// Option customises container construction.
type Option func(*containerConfig)

// WithPaymentGateway injects the payment gateway used by checkout flows.
func WithPaymentGateway(manager *payments.Manager) Option {
	return func(cc *containerConfig) {
		cc.gateway = manager
	}
}

// WithLedgerEvents injects the publisher for commission and withdrawal ledger events.
func WithLedgerEvents(publisher services.LedgerEventPublisher) Option {
	return func(cc *containerConfig) {
		cc.events = publisher
	}
}

// WithLogger sets the base logger used to derive per-service loggers.
func WithLogger(logger *zap.Logger) Option {
	return func(cc *containerConfig) {
		if logger != nil {
			cc.logger = logger
		}
	}
}

// WithBuildInfo records build metadata surfaced by the system service.
func WithBuildInfo(build services.BuildInfo) Option {
	return func(cc *containerConfig) {
		cc.build = build
	}
}

// WithIDGenerator overrides the identifier generator (primarily for tests).
func WithIDGenerator(idGen func() string) Option {
	return func(cc *containerConfig) {
		if idGen != nil {
			cc.idGen = idGen
		}
	}
}

// WithClock overrides the clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(cc *containerConfig) {
		if clock != nil {
			cc.clock = clock
		}
	}
}

// NewContainer constructs the runtime dependencies. Production wiring provides the
// Firestore-backed registry; tests can supply in-memory registries.
func NewContainer(cfg config.Config, reg repositories.Registry, opts ...Option) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	cc := containerConfig{
		logger: zap.NewNop(),
		idGen: func() string {
			return ulid.Make().String()
		},
		clock: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cc)
		}
	}
	if cc.build.StartedAt.IsZero() {
		cc.build.StartedAt = cc.clock().UTC()
	}
	if strings.TrimSpace(cc.build.Environment) == "" {
		cc.build.Environment = cfg.Security.Environment
	}

	svc, err := buildServices(cfg, reg, cc)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients, background workers, or caches.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(cfg config.Config, reg repositories.Registry, cc containerConfig) (Services, error) {
	var svc Services

	auditSvc, err := services.NewAuditLogService(services.AuditLogServiceDeps{
		Repository: reg.AuditLogs(),
		IDGen:      cc.idGen,
		Clock:      cc.clock,
		Logger:     cc.logger.Named("audit").Sugar(),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build audit log service: %w", err)
	}
	svc.Audit = auditSvc

	pricing, err := services.NewCartPricingEngine(services.CartPricingEngineDeps{
		Rules: services.ShippingRules{
			RestrictedCategories: productCategories(cfg.Shipping.RestrictedCategories),
			RestrictedFee:        cfg.Shipping.RestrictedFee,
			BaseFee:              cfg.Shipping.BaseFee,
			BaseUnits:            cfg.Shipping.BaseUnits,
			PerUnitExtra:         cfg.Shipping.PerUnitExtra,
			PlatformFeePercent:   cfg.Shipping.PlatformFeePercent,
		},
		Logger: serviceLogger(cc.logger.Named("pricing")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build pricing engine: %w", err)
	}
	svc.Pricing = pricing

	referralSvc, err := services.NewReferralService(services.ReferralServiceDeps{
		Codes: reg.ReferralCodes(),
		Defaults: services.ReferralDefaults{
			DiscountAmount:     cfg.Referral.DefaultDiscountAmount,
			CommissionRate:     cfg.Referral.DefaultCommissionRate,
			MaxUses:            cfg.Referral.DefaultMaxUses,
			ExcludedCategories: productCategories(cfg.Referral.ExcludedCategories),
		},
		AllowSelfReferral: cfg.Referral.AllowSelfReferral,
		IDGen:             cc.idGen,
		Clock:             cc.clock,
		Logger:            serviceLogger(cc.logger.Named("referral")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build referral service: %w", err)
	}
	svc.Referrals = referralSvc

	commissionSvc, err := services.NewCommissionService(services.CommissionServiceDeps{
		Commissions: reg.Commissions(),
		Events:      cc.events,
		IDGen:       cc.idGen,
		Clock:       cc.clock,
		Logger:      serviceLogger(cc.logger.Named("commission")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build commission service: %w", err)
	}
	svc.Commissions = commissionSvc

	withdrawalSvc, err := services.NewWithdrawalService(services.WithdrawalServiceDeps{
		Withdrawals: reg.Withdrawals(),
		Events:      cc.events,
		IDGen:       cc.idGen,
		Clock:       cc.clock,
		Logger:      serviceLogger(cc.logger.Named("withdrawal")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build withdrawal service: %w", err)
	}
	svc.Withdrawals = withdrawalSvc

	walletSvc, err := services.NewWalletService(services.WalletServiceDeps{
		Wallets: reg.CoinWallets(),
		Clock:   cc.clock,
		Logger:  serviceLogger(cc.logger.Named("wallet")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build wallet service: %w", err)
	}
	svc.Wallets = walletSvc

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders: reg.Orders(),
		Audit:  svc.Audit,
		Clock:  cc.clock,
		Logger: serviceLogger(cc.logger.Named("orders")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	if cc.gateway != nil {
		checkoutSvc, err := services.NewCheckoutService(services.CheckoutServiceDeps{
			Carts:           reg.Carts(),
			Products:        reg.Products(),
			Sessions:        reg.CheckoutSessions(),
			Orders:          reg.Orders(),
			Reconciliations: reg.Reconciliations(),
			Wallets:         reg.CoinWallets(),
			Pricing:         svc.Pricing,
			Referrals:       svc.Referrals,
			Gateway:         cc.gateway,
			Events:          cc.events,
			Currency:        cfg.Razorpay.Currency,
			SessionTTL:      cfg.Razorpay.SessionTTL,
			IDGen:           cc.idGen,
			Clock:           cc.clock,
			Logger:          serviceLogger(cc.logger.Named("checkout")),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build checkout service: %w", err)
		}
		svc.Checkout = checkoutSvc
	}

	systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: reg.Health(),
		Reconciliations:  reg.Reconciliations(),
		Clock:            cc.clock,
		Build:            cc.build,
		Audit:            svc.Audit,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build system service: %w", err)
	}
	svc.System = systemSvc

	return svc, nil
}

func productCategories(values []string) []services.ProductCategory {
	out := make([]services.ProductCategory, 0, len(values))
	for _, value := range values {
		trimmed := strings.ToLower(strings.TrimSpace(value))
		if trimmed == "" {
			continue
		}
		out = append(out, services.ProductCategory(trimmed))
	}
	return out
}

func serviceLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	if logger == nil {
		return nil
	}
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		for key, value := range fields {
			zFields = append(zFields, zap.Any(key, value))
		}
		logger.Debug("service event", zFields...)
	}
}

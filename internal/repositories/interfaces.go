package repositories

import (
	"context"
	"time"

	domain "github.com/herbcart/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Products() ProductRepository
	Carts() CartRepository
	ReferralCodes() ReferralCodeRepository
	Commissions() CommissionRepository
	Withdrawals() WithdrawalRepository
	CoinWallets() CoinWalletRepository
	Orders() OrderRepository
	CheckoutSessions() CheckoutSessionRepository
	Reconciliations() ReconciliationRepository
	AuditLogs() AuditLogRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ProductRepository provides read-only catalog lookups for pricing and eligibility.
type ProductRepository interface {
	FindByID(ctx context.Context, productID string) (domain.Product, error)
	FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error)
	Upsert(ctx context.Context, product domain.Product) (domain.Product, error)
}

// CartRepository owns cart header + items persistence.
type CartRepository interface {
	UpsertCart(ctx context.Context, cart domain.Cart) (domain.Cart, error)
	GetCart(ctx context.Context, userID string) (domain.Cart, error)
	ClearCart(ctx context.Context, userID string, now time.Time) error
}

// ReferralCodeRepository maintains referral codes and their one-way usage counter.
// Consume is the only mutating path for CurrentUses and must be transactional.
type ReferralCodeRepository interface {
	Insert(ctx context.Context, code domain.ReferralCode) error
	FindByCode(ctx context.Context, code string) (domain.ReferralCode, error)
	FindByID(ctx context.Context, codeID string) (domain.ReferralCode, error)
	Deactivate(ctx context.Context, codeID string, now time.Time) error
	ListByOwner(ctx context.Context, ownerID string, pager domain.Pagination) (domain.CursorPage[domain.ReferralCode], error)
	Consume(ctx context.Context, req ConsumeReferralRequest) (ConsumeReferralResult, error)
}

// ConsumeReferralRequest carries a single-use redemption keyed by order id.
type ConsumeReferralRequest struct {
	CodeID      string
	UsedBy      string
	UsedByEmail string
	OrderID     string
	Commission  domain.CommissionRecord
	Now         time.Time
}

// ConsumeReferralResult reports the redemption outcome. Replayed indicates the
// order id had already consumed the code and the existing record was returned.
type ConsumeReferralResult struct {
	Code       domain.ReferralCode
	Commission domain.CommissionRecord
	Replayed   bool
}

// CommissionRepository stores commission records and supports ledger queries.
type CommissionRepository interface {
	Insert(ctx context.Context, record domain.CommissionRecord) error
	FindByID(ctx context.Context, recordID string) (domain.CommissionRecord, error)
	FindByOrderID(ctx context.Context, orderID string) (domain.CommissionRecord, error)
	UpdateStatus(ctx context.Context, recordID string, from, to domain.CommissionStatus, now time.Time) (domain.CommissionRecord, error)
	SumByStatus(ctx context.Context, referrerID string) (map[domain.CommissionStatus]int64, error)
	ListByReferrer(ctx context.Context, referrerID string, filter CommissionListFilter) (domain.CursorPage[domain.CommissionRecord], error)
	ListByReferrerAndStatus(ctx context.Context, referrerID string, status domain.CommissionStatus) ([]domain.CommissionRecord, error)
}

// WithdrawalRepository owns withdrawal requests and the transactional earmark
// and decision flows over commission records.
type WithdrawalRepository interface {
	Request(ctx context.Context, req WithdrawalCreateRequest) (domain.WithdrawalRequest, error)
	Process(ctx context.Context, req WithdrawalProcessRequest) (domain.WithdrawalRequest, error)
	FindByID(ctx context.Context, withdrawalID string) (domain.WithdrawalRequest, error)
	List(ctx context.Context, filter WithdrawalListFilter) (domain.CursorPage[domain.WithdrawalRequest], error)
}

// WithdrawalCreateRequest earmarks purchased commissions oldest-first. When the
// final earmarked record overshoots Amount, the repository splits it so the
// earmarked sum equals Amount exactly.
type WithdrawalCreateRequest struct {
	Withdrawal domain.WithdrawalRequest
	SplitIDGen func() string
	Now        time.Time
}

// WithdrawalProcessRequest finalises or rejects a request. The status check
// and transition execute atomically against the current stored status.
type WithdrawalProcessRequest struct {
	WithdrawalID string
	Approve      bool
	AdminID      string
	Note         string
	Now          time.Time
}

// CoinWalletRepository stores per-user coin balances with conditional mutation.
type CoinWalletRepository interface {
	Get(ctx context.Context, userID string) (domain.CoinWallet, error)
	Credit(ctx context.Context, userID string, amount int64, now time.Time) (domain.CoinWallet, error)
	// Debit decrements only when the stored balance still covers amount at
	// mutation time, returning a conflict error otherwise.
	Debit(ctx context.Context, userID string, amount int64, now time.Time) (domain.CoinWallet, error)
}

// OrderRepository persists order headers and provides query helpers for users
// and admins. Insert enforces at most one order per gateway order id and
// returns a conflict error when another writer already committed one.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByGatewayOrderID(ctx context.Context, gatewayOrderID string) (domain.Order, error)
	UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus, now time.Time) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// CheckoutSessionRepository stores pending gateway orders awaiting confirmation.
type CheckoutSessionRepository interface {
	Insert(ctx context.Context, session domain.CheckoutSession) error
	FindByGatewayOrderID(ctx context.Context, gatewayOrderID string) (domain.CheckoutSession, error)
	UpdateStatus(ctx context.Context, sessionID string, status string, now time.Time) error
}

// ReconciliationRepository durably records paid-but-unrecorded conditions.
type ReconciliationRepository interface {
	Insert(ctx context.Context, record domain.ReconciliationRecord) error
	FindByID(ctx context.Context, recordID string) (domain.ReconciliationRecord, error)
	List(ctx context.Context, filter ReconciliationListFilter) (domain.CursorPage[domain.ReconciliationRecord], error)
	Resolve(ctx context.Context, recordID string, resolvedBy string, now time.Time) (domain.ReconciliationRecord, error)
}

// AuditLogRepository persists immutable audit trail entries.
type AuditLogRepository interface {
	Append(ctx context.Context, entry domain.AuditLogEntry) error
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

type CommissionListFilter struct {
	Status     []domain.CommissionStatus
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

type WithdrawalListFilter struct {
	UserID     string
	Status     []domain.WithdrawalStatus
	Pagination domain.Pagination
}

type OrderListFilter struct {
	UserID     string
	Status     []domain.OrderStatus
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

type ReconciliationListFilter struct {
	Status     []domain.ReconciliationStatus
	Pagination domain.Pagination
}

type AuditLogFilter struct {
	TargetRef  string
	Actor      string
	ActorType  string
	Action     string
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

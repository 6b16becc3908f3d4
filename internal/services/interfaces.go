package services

import (
	"context"
	"time"

	domain "github.com/herbcart/api/internal/domain"
	"github.com/herbcart/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination           = domain.Pagination
	SortOrder            = domain.SortOrder
	Product              = domain.Product
	ProductCategory      = domain.ProductCategory
	Cart                 = domain.Cart
	CartItem             = domain.CartItem
	PricingBreakdown     = domain.PricingBreakdown
	ItemPricingBreakdown = domain.ItemPricingBreakdown
	ShippingBreakdown    = domain.ShippingBreakdown
	ReferralCode         = domain.ReferralCode
	ReferralValidation   = domain.ReferralValidation
	ReferralRejectReason = domain.ReferralRejectReason
	ReferralBalance      = domain.ReferralBalance
	CommissionRecord     = domain.CommissionRecord
	CommissionStatus     = domain.CommissionStatus
	WithdrawalRequest    = domain.WithdrawalRequest
	WithdrawalStatus     = domain.WithdrawalStatus
	CoinWallet           = domain.CoinWallet
	Order                = domain.Order
	OrderLineItem        = domain.OrderLineItem
	OrderStatus          = domain.OrderStatus
	CheckoutSession      = domain.CheckoutSession
	ReconciliationRecord = domain.ReconciliationRecord
	Address              = domain.Address
	SystemHealthReport   = domain.SystemHealthReport
	AuditLogEntry        = domain.AuditLogEntry
)

// PricingEngine computes authoritative order totals from catalog prices.
// Implementations must be deterministic and side-effect free.
type PricingEngine interface {
	Quote(ctx context.Context, cmd QuoteCartCommand) (PricingBreakdown, error)
}

// ReferralService manages referral code lifecycle, validation against carts,
// and atomic single-use consumption during order finalization.
type ReferralService interface {
	CreateCode(ctx context.Context, cmd CreateReferralCodeCommand) (ReferralCode, error)
	ValidateCode(ctx context.Context, cmd ValidateReferralCommand) (ReferralValidation, error)
	ConsumeCode(ctx context.Context, cmd ConsumeReferralCommand) (ReferralConsumeResult, error)
	ListCodes(ctx context.Context, ownerID string, pager Pagination) (domain.CursorPage[ReferralCode], error)
	DeactivateCode(ctx context.Context, cmd DeactivateReferralCodeCommand) error
}

// CommissionService maintains the referral commission ledger and exposes
// balance and history reads for referrers.
type CommissionService interface {
	RecordSignup(ctx context.Context, cmd RecordSignupCommand) (CommissionRecord, error)
	ConfirmSignup(ctx context.Context, recordID string) (CommissionRecord, error)
	Balance(ctx context.Context, referrerID string) (ReferralBalance, error)
	History(ctx context.Context, cmd CommissionHistoryCommand) (domain.CursorPage[CommissionRecord], error)
}

// WithdrawalService coordinates payout requests over purchased commissions
// and the admin approve/reject decision flow.
type WithdrawalService interface {
	RequestWithdrawal(ctx context.Context, cmd RequestWithdrawalCommand) (WithdrawalRequest, error)
	ProcessWithdrawal(ctx context.Context, cmd ProcessWithdrawalCommand) (WithdrawalRequest, error)
	GetWithdrawal(ctx context.Context, withdrawalID string) (WithdrawalRequest, error)
	ListWithdrawals(ctx context.Context, filter WithdrawalListFilter) (domain.CursorPage[WithdrawalRequest], error)
}

// WalletService exposes coin balances and credit operations. Redemption
// debits happen inside checkout confirmation only.
type WalletService interface {
	Balance(ctx context.Context, userID string) (CoinWallet, error)
	Credit(ctx context.Context, cmd CreditCoinsCommand) (CoinWallet, error)
}

// CheckoutService owns the two-step payment flow: creating a gateway order
// from a server-side quote, then finalizing the order once payment is verified.
type CheckoutService interface {
	CreateCheckoutSession(ctx context.Context, cmd CreateCheckoutSessionCommand) (CheckoutSession, error)
	ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (Order, error)
}

// OrderService provides order reads and admin status transitions.
type OrderService interface {
	GetOrder(ctx context.Context, cmd GetOrderCommand) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error)
}

// SystemService aggregates utility endpoints (health checks, audit logs,
// reconciliation triage).
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
	ListAuditLogs(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditLogEntry], error)
	ListReconciliations(ctx context.Context, filter ReconciliationListFilter) (domain.CursorPage[ReconciliationRecord], error)
	ResolveReconciliation(ctx context.Context, cmd ResolveReconciliationCommand) (ReconciliationRecord, error)
}

// AuditLogService centralizes immutable audit log persistence and retrieval.
type AuditLogService interface {
	Record(ctx context.Context, record AuditLogRecord)
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditLogEntry], error)
}

// LedgerEventPublisher accepts ledger change notifications for downstream processing.
type LedgerEventPublisher interface {
	PublishLedgerEvent(ctx context.Context, event LedgerEventMessage) (string, error)
}

// LedgerEventType identifies the kind of ledger change carried by a message.
type LedgerEventType string

const (
	// LedgerEventCommissionRecorded signals a purchased commission was written.
	LedgerEventCommissionRecorded LedgerEventType = "commission_recorded"
	// LedgerEventWithdrawalProcessed signals an admin decided a withdrawal request.
	LedgerEventWithdrawalProcessed LedgerEventType = "withdrawal_processed"
	// LedgerEventReconciliationNeeded signals a payment succeeded while order
	// recording failed and requires operator attention.
	LedgerEventReconciliationNeeded LedgerEventType = "reconciliation_needed"
)

// LedgerEventMessage is the wire payload published for ledger changes.
type LedgerEventMessage struct {
	Type             LedgerEventType `json:"type"`
	UserID           string          `json:"userId,omitempty"`
	OrderID          string          `json:"orderId,omitempty"`
	WithdrawalID     string          `json:"withdrawalId,omitempty"`
	ReconciliationID string          `json:"reconciliationId,omitempty"`
	Amount           int64           `json:"amount"`
	OccurredAt       time.Time       `json:"occurredAt"`
}

// Command and DTO definitions ------------------------------------------------

// QuoteCartCommand prices a cart snapshot. ReferralDiscount and CoinsApplied
// are subtracted after shipping and platform fees are derived.
type QuoteCartCommand struct {
	Items            []CartItem
	ReferralDiscount int64
	CoinsApplied     int64
}

type CreateReferralCodeCommand struct {
	OwnerID            string
	Code               string
	DiscountAmount     *int64
	CommissionRate     *float64
	MaxUses            *int
	ExpiryDate         *time.Time
	ExcludedCategories []ProductCategory
}

type ValidateReferralCommand struct {
	Code   string
	UserID string
	Items  []CartItem
}

// ConsumeReferralCommand redeems a code for a finalized order. OrderID is the
// replay guard: repeated consumption for the same order is a no-op.
type ConsumeReferralCommand struct {
	Code        string
	UserID      string
	UserEmail   string
	OrderID     string
	OrderAmount int64
	ProductID   *string
}

// ReferralConsumeResult reports the redemption outcome. Replayed indicates the
// order had already consumed the code and the stored record was returned.
type ReferralConsumeResult struct {
	Code       ReferralCode
	Commission CommissionRecord
	Replayed   bool
}

type DeactivateReferralCodeCommand struct {
	CodeID  string
	ActorID string
}

type RecordSignupCommand struct {
	ReferrerID     string
	ReferredUserID string
	ReferredEmail  string
	ReferralCodeID string
}

type CommissionHistoryCommand struct {
	ReferrerID string
	Status     []CommissionStatus
	DateRange  domain.RangeQuery[time.Time]
	Pagination Pagination
}

type RequestWithdrawalCommand struct {
	UserID string
	UPIID  string
	Amount int64
}

type ProcessWithdrawalCommand struct {
	WithdrawalID string
	Approve      bool
	AdminID      string
	Note         string
}

type WithdrawalListFilter = repositories.WithdrawalListFilter

type CreditCoinsCommand struct {
	UserID string
	Amount int64
	Reason string
}

type CreateCheckoutSessionCommand struct {
	UserID         string
	ReferralCode   *string
	CoinsRequested int64
	Notes          map[string]string
}

// ConfirmPaymentCommand carries the gateway callback values the client posts
// after completing payment.
type ConfirmPaymentCommand struct {
	UserID           string
	GatewayOrderID   string
	GatewayPaymentID string
	Signature        string
	PaymentMethod    string
	ShippingAddress  *Address
}

type GetOrderCommand struct {
	OrderID string
	UserID  string
	IsAdmin bool
}

type OrderListFilter = repositories.OrderListFilter

type ReconciliationListFilter = repositories.ReconciliationListFilter

// ResolveReconciliationCommand closes an open reconciliation record after an
// operator completed the manual recovery.
type ResolveReconciliationCommand struct {
	RecordID string
	AdminID  string
	Note     string
}

type OrderStatusTransitionCommand struct {
	OrderID      string
	TargetStatus OrderStatus
	ActorID      string
	Reason       string
}

// AuditLogRecord defines the payload accepted by the audit writer service.
type AuditLogRecord struct {
	Actor      string
	ActorType  string
	Action     string
	TargetRef  string
	Severity   string
	RequestID  string
	OccurredAt time.Time
	Metadata   map[string]any
}

type AuditLogFilter struct {
	TargetRef  string
	Actor      string
	ActorType  string
	Action     string
	DateRange  domain.RangeQuery[time.Time]
	Pagination Pagination
}

package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// ProductCategory classifies catalog products for shipping and referral eligibility.
type ProductCategory string

const (
	// CategoryTech covers electronics and gadget products.
	CategoryTech ProductCategory = "tech"
	// CategoryHome covers home and kitchen products.
	CategoryHome ProductCategory = "home"
	// CategoryAyurvedic covers ayurvedic wellness products requiring special handling.
	CategoryAyurvedic ProductCategory = "ayurvedic"
	// CategoryFashion covers apparel and accessories.
	CategoryFashion ProductCategory = "fashion"
)

// Product is the read-side catalog projection used for pricing lookups.
type Product struct {
	ID                string
	SKU               string
	Name              string
	Category          ProductCategory
	OriginalPrice     int64
	EffectivePrice    int64
	QuantityAvailable int
	IsActive          bool
	CommissionRate    float64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Cart aggregates the mutable shopping cart state for a user.
type Cart struct {
	ID        string
	UserID    string
	Items     []CartItem
	Metadata  map[string]any
	UpdatedAt time.Time
}

// CartItem stores a single product entry within a cart. Prices are snapshots
// in whole rupees; EffectivePrice may already reflect a product-level discount.
type CartItem struct {
	ProductID      string
	SKU            string
	Name           string
	Category       ProductCategory
	Quantity       int
	OriginalPrice  int64
	EffectivePrice int64
	AddedAt        time.Time
}

// ReferralCode is a shareable token granting the buyer a discount and the
// owner a commission on qualifying purchases. Codes are deactivated, never
// deleted; CurrentUses only ever increments.
type ReferralCode struct {
	ID                 string
	Code               string
	OwnerID            string
	DiscountAmount     int64
	CommissionRate     float64
	MaxUses            int
	CurrentUses        int
	IsActive           bool
	ExpiryDate         *time.Time
	ExcludedCategories []ProductCategory
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ReferralRejectReason enumerates why a referral code failed validation.
type ReferralRejectReason string

const (
	// ReferralReasonNotFound indicates no code matched the lookup.
	ReferralReasonNotFound ReferralRejectReason = "not_found"
	// ReferralReasonInactive indicates the code has been deactivated.
	ReferralReasonInactive ReferralRejectReason = "inactive"
	// ReferralReasonExpired indicates the code's expiry date has passed.
	ReferralReasonExpired ReferralRejectReason = "expired"
	// ReferralReasonExhausted indicates the usage cap has been reached.
	ReferralReasonExhausted ReferralRejectReason = "exhausted"
	// ReferralReasonSelfReferral indicates the owner attempted to use their own code.
	ReferralReasonSelfReferral ReferralRejectReason = "self_referral"
	// ReferralReasonNoEligibleItems is a soft state: the code is valid but no
	// cart item falls outside its category exclusion list.
	ReferralReasonNoEligibleItems ReferralRejectReason = "no_eligible_items"
)

// ReferralValidation reports the outcome of evaluating a code against a cart.
type ReferralValidation struct {
	Code           string
	IsValid        bool
	DiscountAmount int64
	Reason         ReferralRejectReason
}

// CommissionStatus describes lifecycle states for commission records.
type CommissionStatus string

const (
	// CommissionStatusPending indicates a referred signup not yet confirmed.
	CommissionStatusPending CommissionStatus = "pending"
	// CommissionStatusSignedUp indicates the referred user completed signup.
	CommissionStatusSignedUp CommissionStatus = "signed_up"
	// CommissionStatusPurchased indicates a qualifying purchase; the amount is
	// frozen and counts toward the referrer's available balance.
	CommissionStatusPurchased CommissionStatus = "purchased"
	// CommissionStatusWithdrawalRequested indicates the amount is earmarked by
	// a pending withdrawal request.
	CommissionStatusWithdrawalRequested CommissionStatus = "withdrawal_requested"
	// CommissionStatusWithdrawn indicates the payout completed. Terminal.
	CommissionStatusWithdrawn CommissionStatus = "withdrawn"
)

// CommissionRecord tracks referral→purchase attribution through its lifecycle.
// CommissionAmount is computed at purchase time and immutable afterwards.
type CommissionRecord struct {
	ID               string
	ReferrerID       string
	ReferredUserID   string
	ReferredEmail    string
	ReferralCodeID   string
	ProductID        *string
	OrderID          *string
	WithdrawalID     *string
	ParentRecordID   *string
	Status           CommissionStatus
	CommissionAmount int64
	OrderAmount      int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ReferralBalance summarizes a referrer's ledger position.
type ReferralBalance struct {
	ReferrerID       string
	Earned           int64
	PendingClearance int64
	Withdrawn        int64
	Available        int64
}

// WithdrawalStatus enumerates withdrawal request lifecycle states.
type WithdrawalStatus string

const (
	// WithdrawalStatusRequested indicates the request awaits an admin decision.
	WithdrawalStatusRequested WithdrawalStatus = "requested"
	// WithdrawalStatusApproved indicates payout was finalized. Terminal.
	WithdrawalStatusApproved WithdrawalStatus = "approved"
	// WithdrawalStatusRejected indicates the amount returned to the available pool. Terminal.
	WithdrawalStatusRejected WithdrawalStatus = "rejected"
)

// WithdrawalRequest earmarks purchased commission for an external payout.
type WithdrawalRequest struct {
	ID                  string
	UserID              string
	UPIID               string
	Amount              int64
	Status              WithdrawalStatus
	CommissionRecordIDs []string
	ProcessedBy         *string
	ProcessedAt         *time.Time
	RejectionNote       string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// CoinWallet holds a user's redeemable coin balance. 1 coin = ₹1.
type CoinWallet struct {
	UserID    string
	Balance   int64
	UpdatedAt time.Time
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates a newly finalized order awaiting handling.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusProcessing indicates the order is being prepared.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped indicates the order has been handed to the carrier.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the order reached the customer.
	OrderStatusDelivered OrderStatus = "delivered"
)

// Order captures a finalized purchase. Monetary fields are frozen at
// creation; only Status is admin-mutable afterwards.
type Order struct {
	ID               string
	UserID           string
	Items            []OrderLineItem
	Subtotal         int64
	DiscountAmount   int64
	ReferralCode     *string
	ReferralDiscount int64
	CoinsUsed        int64
	ShippingFee      int64
	PlatformFee      int64
	Total            int64
	PaymentMethod    string
	GatewayOrderID   string
	GatewayPaymentID string
	Status           OrderStatus
	ShippingAddress  *Address
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// OrderLineItem mirrors cart items at the time of checkout.
type OrderLineItem struct {
	ProductID      string
	SKU            string
	Name           string
	Category       ProductCategory
	Quantity       int
	OriginalPrice  int64
	EffectivePrice int64
	Total          int64
}

// CheckoutSession stores the pending gateway order created before payment.
// Monetary amounts mirror the authoritative server-side quote.
type CheckoutSession struct {
	ID               string
	UserID           string
	CartID           string
	Items            []OrderLineItem
	GatewayOrderID   string
	AmountMinorUnits int64
	Currency         string
	Breakdown        PricingBreakdown
	ReferralCode     *string
	ReferralDiscount int64
	CoinsRequested   int64
	CoinsApplied     int64
	FinalTotal       int64
	Status           string
	ExpiresAt        time.Time
	CreatedAt        time.Time
}

// ReconciliationStatus enumerates reconciliation record states.
type ReconciliationStatus string

const (
	// ReconciliationStatusOpen indicates the paid-but-unrecorded condition awaits resolution.
	ReconciliationStatusOpen ReconciliationStatus = "open"
	// ReconciliationStatusResolved indicates an operator completed manual reconciliation.
	ReconciliationStatusResolved ReconciliationStatus = "resolved"
)

// ReconciliationRecord durably captures a payment that succeeded while order
// recording failed, keeping enough gateway detail for manual recovery.
type ReconciliationRecord struct {
	ID               string
	UserID           string
	GatewayOrderID   string
	GatewayPaymentID string
	AmountMinorUnits int64
	FailedStep       string
	Detail           string
	Payload          map[string]any
	Status           ReconciliationStatus
	ResolvedBy       *string
	ResolvedAt       *time.Time
	CreatedAt        time.Time
}

// Address represents postal address structures shared by user and order layers.
type Address struct {
	Recipient  string
	Line1      string
	Line2      *string
	City       string
	State      *string
	PostalCode string
	Country    string
	Phone      *string
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// AuditLogEntry stores normalized audit information for admin actions.
type AuditLogEntry struct {
	ID        string
	Actor     string
	ActorType string
	Action    string
	TargetRef string
	Metadata  map[string]any
	Severity  string
	RequestID string
	CreatedAt time.Time
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/herbcart/api/internal/domain"
	"github.com/herbcart/api/internal/payments"
	"github.com/herbcart/api/internal/repositories"
)

var (
	// ErrCheckoutInvalidInput indicates the caller supplied invalid input parameters.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutUnavailable indicates checkout dependencies are currently unavailable.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")
	// ErrCheckoutCartNotReady indicates the cart is empty or contains items that
	// can no longer be purchased.
	ErrCheckoutCartNotReady = errors.New("checkout: cart not ready")
	// ErrCheckoutInsufficientStock indicates a cart item exceeds available stock.
	ErrCheckoutInsufficientStock = errors.New("checkout: insufficient stock")
	// ErrCheckoutReferralRejected indicates the supplied referral code failed validation.
	ErrCheckoutReferralRejected = errors.New("checkout: referral code rejected")
	// ErrCheckoutPaymentFailed indicates the gateway callback could not be verified.
	ErrCheckoutPaymentFailed = errors.New("checkout: payment verification failed")
	// ErrCheckoutSessionNotFound indicates no pending session matches the gateway order.
	ErrCheckoutSessionNotFound = errors.New("checkout: session not found")
	// ErrCheckoutSessionExpired indicates the session's payment window elapsed.
	ErrCheckoutSessionExpired = errors.New("checkout: session expired")
	// ErrCheckoutReconciliationNeeded indicates the payment was captured but the
	// order could not be recorded; a reconciliation record was written instead.
	ErrCheckoutReconciliationNeeded = errors.New("checkout: payment captured, manual reconciliation needed")
)

const (
	checkoutSessionStatusCreated   = "created"
	checkoutSessionStatusConfirmed = "confirmed"

	defaultCheckoutCurrency   = "INR"
	defaultCheckoutSessionTTL = 30 * time.Minute
)

// checkoutGateway is the slice of the payment manager the checkout flow uses.
type checkoutGateway interface {
	CreateOrder(ctx context.Context, paymentCtx payments.PaymentContext, req payments.OrderRequest) (payments.GatewayOrder, error)
	VerifyPaymentSignature(ctx context.Context, paymentCtx payments.PaymentContext, req payments.VerifyRequest) error
}

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Carts           repositories.CartRepository
	Products        repositories.ProductRepository
	Sessions        repositories.CheckoutSessionRepository
	Orders          repositories.OrderRepository
	Reconciliations repositories.ReconciliationRepository
	Wallets         repositories.CoinWalletRepository
	Pricing         PricingEngine
	Referrals       ReferralService
	Gateway         checkoutGateway
	Events          LedgerEventPublisher
	Currency        string
	SessionTTL      time.Duration
	IDGen           func() string
	Clock           func() time.Time
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	carts           repositories.CartRepository
	products        repositories.ProductRepository
	sessions        repositories.CheckoutSessionRepository
	orders          repositories.OrderRepository
	reconciliations repositories.ReconciliationRepository
	wallets         repositories.CoinWalletRepository
	pricing         PricingEngine
	referrals       ReferralService
	gateway         checkoutGateway
	events          LedgerEventPublisher
	currency        string
	sessionTTL      time.Duration
	idGen           func() string
	now             func() time.Time
	logger          func(ctx context.Context, event string, fields map[string]any)
}

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	switch {
	case deps.Carts == nil:
		return nil, errors.New("checkout service: cart repository is required")
	case deps.Products == nil:
		return nil, errors.New("checkout service: product repository is required")
	case deps.Sessions == nil:
		return nil, errors.New("checkout service: checkout session repository is required")
	case deps.Orders == nil:
		return nil, errors.New("checkout service: order repository is required")
	case deps.Reconciliations == nil:
		return nil, errors.New("checkout service: reconciliation repository is required")
	case deps.Wallets == nil:
		return nil, errors.New("checkout service: coin wallet repository is required")
	case deps.Pricing == nil:
		return nil, errors.New("checkout service: pricing engine is required")
	case deps.Referrals == nil:
		return nil, errors.New("checkout service: referral service is required")
	case deps.Gateway == nil:
		return nil, errors.New("checkout service: payment gateway is required")
	case deps.IDGen == nil:
		return nil, errors.New("checkout service: id generator is required")
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = defaultCheckoutCurrency
	}
	sessionTTL := deps.SessionTTL
	if sessionTTL <= 0 {
		sessionTTL = defaultCheckoutSessionTTL
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &checkoutService{
		carts:           deps.Carts,
		products:        deps.Products,
		sessions:        deps.Sessions,
		orders:          deps.Orders,
		reconciliations: deps.Reconciliations,
		wallets:         deps.Wallets,
		pricing:         deps.Pricing,
		referrals:       deps.Referrals,
		gateway:         deps.Gateway,
		events:          deps.Events,
		currency:        currency,
		sessionTTL:      sessionTTL,
		idGen:           deps.IDGen,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateCheckoutSession recomputes the cart server-side, applies referral and
// coin adjustments, registers a gateway order for the payable amount and
// persists the frozen quote until payment confirmation.
func (s *checkoutService) CreateCheckoutSession(ctx context.Context, cmd CreateCheckoutSessionCommand) (CheckoutSession, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return CheckoutSession{}, ErrCheckoutInvalidInput
	}
	if cmd.CoinsRequested < 0 {
		return CheckoutSession{}, fmt.Errorf("%w: coins requested must not be negative", ErrCheckoutInvalidInput)
	}

	cart, err := s.carts.GetCart(ctx, userID)
	if err != nil {
		if isNotFound(err) {
			return CheckoutSession{}, ErrCheckoutCartNotReady
		}
		return CheckoutSession{}, s.translateError(ctx, "checkout.cart_load", err)
	}
	if len(cart.Items) == 0 {
		return CheckoutSession{}, ErrCheckoutCartNotReady
	}

	items, err := s.refreshCartItems(ctx, cart.Items)
	if err != nil {
		return CheckoutSession{}, err
	}

	referralDiscount := int64(0)
	var referralCode *string
	if cmd.ReferralCode != nil && strings.TrimSpace(*cmd.ReferralCode) != "" {
		code := strings.TrimSpace(*cmd.ReferralCode)
		validation, err := s.referrals.ValidateCode(ctx, ValidateReferralCommand{
			Code:   code,
			UserID: userID,
			Items:  items,
		})
		if err != nil {
			return CheckoutSession{}, s.translateError(ctx, "checkout.referral_validate", err)
		}
		if !validation.IsValid {
			return CheckoutSession{}, fmt.Errorf("%w: %s", ErrCheckoutReferralRejected, validation.Reason)
		}
		referralDiscount = validation.DiscountAmount
		referralCode = &code
	}

	baseQuote, err := s.pricing.Quote(ctx, QuoteCartCommand{
		Items:            items,
		ReferralDiscount: referralDiscount,
	})
	if err != nil {
		if errors.Is(err, ErrPricingInvalidInput) {
			return CheckoutSession{}, fmt.Errorf("%w: %s", ErrCheckoutInvalidInput, err)
		}
		return CheckoutSession{}, s.translateError(ctx, "checkout.quote", err)
	}

	coinsApplied, err := s.clampCoins(ctx, userID, cmd.CoinsRequested, baseQuote.Total)
	if err != nil {
		return CheckoutSession{}, err
	}

	quote := baseQuote
	if coinsApplied > 0 {
		quote, err = s.pricing.Quote(ctx, QuoteCartCommand{
			Items:            items,
			ReferralDiscount: referralDiscount,
			CoinsApplied:     coinsApplied,
		})
		if err != nil {
			return CheckoutSession{}, s.translateError(ctx, "checkout.quote", err)
		}
	}

	now := s.now()
	session := CheckoutSession{
		ID:               s.idGen(),
		UserID:           userID,
		CartID:           cart.ID,
		Items:            orderLineItems(items),
		AmountMinorUnits: quote.Total * 100,
		Currency:         s.currency,
		Breakdown:        quote,
		ReferralCode:     referralCode,
		ReferralDiscount: referralDiscount,
		CoinsRequested:   cmd.CoinsRequested,
		CoinsApplied:     coinsApplied,
		FinalTotal:       quote.Total,
		Status:           checkoutSessionStatusCreated,
		ExpiresAt:        now.Add(s.sessionTTL),
		CreatedAt:        now,
	}

	notes := map[string]string{"userId": userID, "sessionId": session.ID}
	for k, v := range cmd.Notes {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		notes[k] = v
	}
	gatewayOrder, err := s.gateway.CreateOrder(ctx, payments.PaymentContext{Currency: s.currency}, payments.OrderRequest{
		AmountMinorUnits: session.AmountMinorUnits,
		Currency:         s.currency,
		Receipt:          session.ID,
		Notes:            notes,
	})
	if err != nil {
		s.logger(ctx, "checkout.gateway_order_failed", map[string]any{
			"userId":    userID,
			"sessionId": session.ID,
			"error":     err.Error(),
		})
		return CheckoutSession{}, ErrCheckoutPaymentFailed
	}
	session.GatewayOrderID = gatewayOrder.ID

	if err := s.sessions.Insert(ctx, session); err != nil {
		return CheckoutSession{}, s.translateError(ctx, "checkout.session_persist", err)
	}

	s.logger(ctx, "checkout.session_created", map[string]any{
		"sessionId":      session.ID,
		"userId":         userID,
		"gatewayOrderId": session.GatewayOrderID,
		"finalTotal":     session.FinalTotal,
		"coinsApplied":   coinsApplied,
	})
	return session, nil
}

// ConfirmPayment verifies the gateway callback before any state changes, then
// freezes the order and runs the post-payment side effects. Failures after the
// payment is captured are recorded as reconciliation work, never silently lost.
func (s *checkoutService) ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (Order, error) {
	userID := strings.TrimSpace(cmd.UserID)
	gatewayOrderID := strings.TrimSpace(cmd.GatewayOrderID)
	gatewayPaymentID := strings.TrimSpace(cmd.GatewayPaymentID)
	signature := strings.TrimSpace(cmd.Signature)
	if userID == "" || gatewayOrderID == "" || gatewayPaymentID == "" || signature == "" {
		return Order{}, ErrCheckoutInvalidInput
	}

	if existing, err := s.orders.FindByGatewayOrderID(ctx, gatewayOrderID); err == nil {
		s.logger(ctx, "checkout.confirm_replayed", map[string]any{
			"orderId":        existing.ID,
			"gatewayOrderId": gatewayOrderID,
		})
		return existing, nil
	} else if !isNotFound(err) {
		return Order{}, s.translateError(ctx, "checkout.order_lookup", err)
	}

	session, err := s.sessions.FindByGatewayOrderID(ctx, gatewayOrderID)
	if err != nil {
		if isNotFound(err) {
			return Order{}, ErrCheckoutSessionNotFound
		}
		return Order{}, s.translateError(ctx, "checkout.session_load", err)
	}
	if session.UserID != userID {
		return Order{}, ErrCheckoutSessionNotFound
	}
	now := s.now()
	if now.After(session.ExpiresAt) {
		return Order{}, ErrCheckoutSessionExpired
	}

	err = s.gateway.VerifyPaymentSignature(ctx, payments.PaymentContext{Currency: session.Currency}, payments.VerifyRequest{
		OrderID:   gatewayOrderID,
		PaymentID: gatewayPaymentID,
		Signature: signature,
	})
	if err != nil {
		s.logger(ctx, "checkout.signature_rejected", map[string]any{
			"gatewayOrderId": gatewayOrderID,
			"userId":         userID,
		})
		if errors.Is(err, payments.ErrSignatureMismatch) {
			return Order{}, ErrCheckoutPaymentFailed
		}
		return Order{}, s.translateError(ctx, "checkout.signature_verify", err)
	}

	order := Order{
		ID:               s.idGen(),
		UserID:           userID,
		Items:            session.Items,
		Subtotal:         session.Breakdown.Subtotal,
		DiscountAmount:   session.Breakdown.Discount,
		ReferralCode:     session.ReferralCode,
		ReferralDiscount: session.ReferralDiscount,
		CoinsUsed:        session.CoinsApplied,
		ShippingFee:      session.Breakdown.Shipping,
		PlatformFee:      session.Breakdown.PlatformFee,
		Total:            session.FinalTotal,
		PaymentMethod:    strings.TrimSpace(cmd.PaymentMethod),
		GatewayOrderID:   gatewayOrderID,
		GatewayPaymentID: gatewayPaymentID,
		Status:           domain.OrderStatusPending,
		ShippingAddress:  cmd.ShippingAddress,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.orders.Insert(ctx, order); err != nil {
		if isConflict(err) {
			// Another confirmation for the same gateway order won the insert.
			// Return its order and leave the side effects to the winner.
			existing, lookupErr := s.orders.FindByGatewayOrderID(ctx, gatewayOrderID)
			if lookupErr == nil {
				s.logger(ctx, "checkout.confirm_replayed", map[string]any{
					"orderId":        existing.ID,
					"gatewayOrderId": gatewayOrderID,
				})
				return existing, nil
			}
			err = lookupErr
		}
		s.recordReconciliation(ctx, session, gatewayPaymentID, "order_insert", err)
		return Order{}, ErrCheckoutReconciliationNeeded
	}

	s.runPostOrderSteps(ctx, session, order)

	s.logger(ctx, "checkout.confirmed", map[string]any{
		"orderId":        order.ID,
		"userId":         userID,
		"gatewayOrderId": gatewayOrderID,
		"total":          order.Total,
	})
	return order, nil
}

// runPostOrderSteps executes the side effects that follow a persisted order.
// The order already exists and the payment is captured, so failures here are
// recorded for reconciliation instead of failing the confirmation.
func (s *checkoutService) runPostOrderSteps(ctx context.Context, session CheckoutSession, order Order) {
	if session.ReferralCode != nil {
		_, err := s.referrals.ConsumeCode(ctx, ConsumeReferralCommand{
			Code:        *session.ReferralCode,
			UserID:      order.UserID,
			OrderID:     order.ID,
			OrderAmount: order.Total,
		})
		if err != nil {
			s.recordReconciliation(ctx, session, order.GatewayPaymentID, "referral_consume", err)
		}
	}

	if session.CoinsApplied > 0 {
		if _, err := s.wallets.Debit(ctx, order.UserID, session.CoinsApplied, order.CreatedAt); err != nil {
			s.recordReconciliation(ctx, session, order.GatewayPaymentID, "coin_debit", err)
		}
	}

	if err := s.carts.ClearCart(ctx, order.UserID, order.CreatedAt); err != nil {
		s.logger(ctx, "checkout.cart_clear_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}

	if err := s.sessions.UpdateStatus(ctx, session.ID, checkoutSessionStatusConfirmed, order.CreatedAt); err != nil {
		s.logger(ctx, "checkout.session_update_failed", map[string]any{
			"sessionId": session.ID,
			"error":     err.Error(),
		})
	}
}

// recordReconciliation durably captures a paid-but-unrecorded condition and
// notifies downstream consumers. A failed insert leaves only the log line,
// so it carries the full context.
func (s *checkoutService) recordReconciliation(ctx context.Context, session CheckoutSession, gatewayPaymentID, failedStep string, cause error) {
	now := s.now()
	record := ReconciliationRecord{
		ID:               s.idGen(),
		UserID:           session.UserID,
		GatewayOrderID:   session.GatewayOrderID,
		GatewayPaymentID: gatewayPaymentID,
		AmountMinorUnits: session.AmountMinorUnits,
		FailedStep:       failedStep,
		Detail:           cause.Error(),
		Payload: map[string]any{
			"sessionId":    session.ID,
			"finalTotal":   session.FinalTotal,
			"coinsApplied": session.CoinsApplied,
		},
		Status:    domain.ReconciliationStatusOpen,
		CreatedAt: now,
	}
	if err := s.reconciliations.Insert(ctx, record); err != nil {
		s.logger(ctx, "checkout.reconciliation_write_failed", map[string]any{
			"sessionId":        session.ID,
			"gatewayOrderId":   session.GatewayOrderID,
			"gatewayPaymentId": gatewayPaymentID,
			"failedStep":       failedStep,
			"cause":            cause.Error(),
			"error":            err.Error(),
		})
		return
	}

	s.logger(ctx, "checkout.reconciliation_recorded", map[string]any{
		"reconciliationId": record.ID,
		"failedStep":       failedStep,
		"cause":            cause.Error(),
	})

	if s.events == nil {
		return
	}
	_, err := s.events.PublishLedgerEvent(ctx, LedgerEventMessage{
		Type:             LedgerEventReconciliationNeeded,
		UserID:           session.UserID,
		OrderID:          session.GatewayOrderID,
		ReconciliationID: record.ID,
		Amount:           session.AmountMinorUnits,
		OccurredAt:       now,
	})
	if err != nil {
		s.logger(ctx, "checkout.reconciliation_event_failed", map[string]any{
			"reconciliationId": record.ID,
			"error":            err.Error(),
		})
	}
}

// refreshCartItems re-reads catalog state so stale cart snapshots cannot
// influence pricing, stock checks or category-based rules. Items no longer in
// the catalog fall back to their snapshot values.
func (s *checkoutService) refreshCartItems(ctx context.Context, cartItems []CartItem) ([]CartItem, error) {
	ids := make([]string, 0, len(cartItems))
	for _, item := range cartItems {
		ids = append(ids, item.ProductID)
	}
	productsByID, err := s.products.FindByIDs(ctx, ids)
	if err != nil {
		return nil, s.translateError(ctx, "checkout.catalog_load", err)
	}

	refreshed := make([]CartItem, 0, len(cartItems))
	for _, item := range cartItems {
		product, ok := productsByID[item.ProductID]
		if !ok {
			// Items that left the catalog keep their cart snapshot so a
			// delisted product degrades the quote instead of failing it.
			s.logger(ctx, "checkout.catalog_miss", map[string]any{
				"productId": item.ProductID,
			})
			refreshed = append(refreshed, item)
			continue
		}
		if !product.IsActive {
			return nil, fmt.Errorf("%w: product %s is unavailable", ErrCheckoutCartNotReady, item.ProductID)
		}
		if product.QuantityAvailable < item.Quantity {
			return nil, fmt.Errorf("%w: product %s", ErrCheckoutInsufficientStock, item.ProductID)
		}
		item.SKU = product.SKU
		item.Name = product.Name
		item.Category = product.Category
		item.OriginalPrice = product.OriginalPrice
		item.EffectivePrice = product.EffectivePrice
		refreshed = append(refreshed, item)
	}
	return refreshed, nil
}

// clampCoins resolves the redeemable coin amount: never more than requested,
// never more than the wallet holds and never more than the payable total.
func (s *checkoutService) clampCoins(ctx context.Context, userID string, requested, payable int64) (int64, error) {
	if requested <= 0 {
		return 0, nil
	}
	wallet, err := s.wallets.Get(ctx, userID)
	if err != nil {
		if walletNotFound(err) {
			return 0, nil
		}
		return 0, s.translateError(ctx, "checkout.wallet_load", err)
	}
	coins := requested
	if wallet.Balance < coins {
		coins = wallet.Balance
	}
	if payable < coins {
		coins = payable
	}
	if coins < 0 {
		coins = 0
	}
	return coins, nil
}

func orderLineItems(items []CartItem) []domain.OrderLineItem {
	lines := make([]domain.OrderLineItem, 0, len(items))
	for _, item := range items {
		lines = append(lines, domain.OrderLineItem{
			ProductID:      item.ProductID,
			SKU:            item.SKU,
			Name:           item.Name,
			Category:       item.Category,
			Quantity:       item.Quantity,
			OriginalPrice:  item.OriginalPrice,
			EffectivePrice: item.EffectivePrice,
			Total:          item.EffectivePrice * int64(item.Quantity),
		})
	}
	return lines
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func isConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

func (s *checkoutService) translateError(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	s.logger(ctx, op+"_failed", map[string]any{"error": err.Error()})
	return fmt.Errorf("%w: %s", ErrCheckoutUnavailable, op)
}

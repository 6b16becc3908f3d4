package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/herbcart/api/internal/platform/auth"
	"github.com/herbcart/api/internal/platform/httpx"
	"github.com/herbcart/api/internal/services"
)

const maxCheckoutRequestBody = 16 * 1024

// CheckoutHandlers exposes the two-step payment flow for authenticated users.
type CheckoutHandlers struct {
	authn    *auth.Authenticator
	checkout services.CheckoutService
}

// NewCheckoutHandlers constructs checkout handlers guarded by authentication.
func NewCheckoutHandlers(authn *auth.Authenticator, checkout services.CheckoutService) *CheckoutHandlers {
	return &CheckoutHandlers{
		authn:    authn,
		checkout: checkout,
	}
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireAuth(auth.RoleUser, auth.RoleStaff, auth.RoleAdmin))
	}
	group.Post("/session", h.createSession)
	group.Post("/confirm", h.confirmPayment)
}

type checkoutSessionRequest struct {
	ReferralCode   *string           `json:"referralCode"`
	CoinsRequested int64             `json:"coinsRequested"`
	Notes          map[string]string `json:"notes"`
}

type pricingBreakdownPayload struct {
	Subtotal    int64 `json:"subtotal"`
	Discount    int64 `json:"discount"`
	Shipping    int64 `json:"shipping"`
	PlatformFee int64 `json:"platformFee"`
	Total       int64 `json:"total"`
}

type checkoutSessionResponse struct {
	SessionID        string                  `json:"sessionId"`
	GatewayOrderID   string                  `json:"gatewayOrderId"`
	AmountMinorUnits int64                   `json:"amount"`
	Currency         string                  `json:"currency"`
	Breakdown        pricingBreakdownPayload `json:"breakdown"`
	ReferralCode     *string                 `json:"referralCode,omitempty"`
	ReferralDiscount int64                   `json:"referralDiscount"`
	CoinsRequested   int64                   `json:"coinsRequested"`
	CoinsApplied     int64                   `json:"coinsApplied"`
	FinalTotal       int64                   `json:"finalTotal"`
	ExpiresAt        string                  `json:"expiresAt,omitempty"`
}

type checkoutConfirmRequest struct {
	GatewayOrderID   string          `json:"gatewayOrderId"`
	GatewayPaymentID string          `json:"gatewayPaymentId"`
	Signature        string          `json:"signature"`
	PaymentMethod    string          `json:"paymentMethod"`
	ShippingAddress  *addressPayload `json:"shippingAddress"`
}

func (h *CheckoutHandlers) createSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	var req checkoutSessionRequest
	body, err := readLimitedBody(r, maxCheckoutRequestBody)
	if err != nil && !errors.Is(err, errEmptyBody) {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
			return
		}
	}

	if req.CoinsRequested < 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "coinsRequested must not be negative", http.StatusBadRequest))
		return
	}

	cmd := services.CreateCheckoutSessionCommand{
		UserID:         strings.TrimSpace(identity.UID),
		CoinsRequested: req.CoinsRequested,
		Notes:          req.Notes,
	}
	if req.ReferralCode != nil && strings.TrimSpace(*req.ReferralCode) != "" {
		code := strings.TrimSpace(*req.ReferralCode)
		cmd.ReferralCode = &code
	}

	session, err := h.checkout.CreateCheckoutSession(ctx, cmd)
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}

	payload := checkoutSessionResponse{
		SessionID:        session.ID,
		GatewayOrderID:   session.GatewayOrderID,
		AmountMinorUnits: session.AmountMinorUnits,
		Currency:         session.Currency,
		Breakdown:        buildBreakdownPayload(session.Breakdown),
		ReferralCode:     cloneStringPointer(session.ReferralCode),
		ReferralDiscount: session.ReferralDiscount,
		CoinsRequested:   session.CoinsRequested,
		CoinsApplied:     session.CoinsApplied,
		FinalTotal:       session.FinalTotal,
		ExpiresAt:        formatTime(session.ExpiresAt),
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *CheckoutHandlers) confirmPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	body, err := readLimitedBody(r, maxCheckoutRequestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	var req checkoutConfirmRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	gatewayOrderID := strings.TrimSpace(req.GatewayOrderID)
	gatewayPaymentID := strings.TrimSpace(req.GatewayPaymentID)
	signature := strings.TrimSpace(req.Signature)
	if gatewayOrderID == "" || gatewayPaymentID == "" || signature == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "gatewayOrderId, gatewayPaymentId and signature are required", http.StatusBadRequest))
		return
	}

	cmd := services.ConfirmPaymentCommand{
		UserID:           strings.TrimSpace(identity.UID),
		GatewayOrderID:   gatewayOrderID,
		GatewayPaymentID: gatewayPaymentID,
		Signature:        signature,
		PaymentMethod:    strings.TrimSpace(req.PaymentMethod),
	}
	if req.ShippingAddress != nil {
		addr := req.ShippingAddress.toAddress()
		cmd.ShippingAddress = &addr
	}

	order, err := h.checkout.ConfirmPayment(ctx, cmd)
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCheckoutInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutCartNotReady):
		httpx.WriteError(ctx, w, httpx.NewError("cart_not_ready", "cart is not ready for checkout", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", "insufficient stock to fulfil cart items", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutReferralRejected):
		httpx.WriteError(ctx, w, httpx.NewError("referral_rejected", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCheckoutSessionNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("session_not_found", "checkout session not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCheckoutSessionExpired):
		httpx.WriteError(ctx, w, httpx.NewError("session_expired", "checkout session has expired", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutPaymentFailed):
		httpx.WriteError(ctx, w, httpx.NewError("payment_failed", "payment could not be verified", http.StatusBadGateway))
	case errors.Is(err, services.ErrCheckoutReconciliationNeeded):
		httpx.WriteError(ctx, w, httpx.NewError("reconciliation_needed", "payment captured but order recording failed; support has been notified", http.StatusInternalServerError))
	case errors.Is(err, services.ErrCheckoutUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "failed to process checkout request", http.StatusInternalServerError))
	}
}

func buildBreakdownPayload(breakdown services.PricingBreakdown) pricingBreakdownPayload {
	return pricingBreakdownPayload{
		Subtotal:    breakdown.Subtotal,
		Discount:    breakdown.Discount,
		Shipping:    breakdown.Shipping,
		PlatformFee: breakdown.PlatformFee,
		Total:       breakdown.Total,
	}
}

package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/herbcart/api/internal/domain"
	"github.com/herbcart/api/internal/platform/auth"
	"github.com/herbcart/api/internal/platform/httpx"
	"github.com/herbcart/api/internal/services"
)

var validOrderStatuses = map[domain.OrderStatus]struct{}{
	domain.OrderStatusPending:    {},
	domain.OrderStatusProcessing: {},
	domain.OrderStatusShipped:    {},
	domain.OrderStatusDelivered:  {},
}

// OrderHandlers exposes order read endpoints for authenticated users.
type OrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth(auth.RoleUser, auth.RoleStaff, auth.RoleAdmin))
	}
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	filter, err := parseOrderListFilter(r, strings.TrimSpace(identity.UID))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderSummary(order))
	}

	writeJSONResponse(w, http.StatusOK, orderListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetOrder(ctx, services.GetOrderCommand{
		OrderID: orderID,
		UserID:  strings.TrimSpace(identity.UID),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

// parseOrderListFilter builds the service filter from list query parameters.
// The userID scope is mandatory for user-facing routes; admin routes pass "".
func parseOrderListFilter(r *http.Request, userID string) (services.OrderListFilter, error) {
	query := r.URL.Query()

	var statuses []domain.OrderStatus
	for _, raw := range parseFilterValues(query["status"]) {
		status := domain.OrderStatus(raw)
		if _, ok := validOrderStatuses[status]; !ok {
			return services.OrderListFilter{}, errors.New("status must be a valid order status")
		}
		statuses = append(statuses, status)
	}

	var dateRange domain.RangeQuery[time.Time]
	if raw := strings.TrimSpace(query.Get("created_after")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			return services.OrderListFilter{}, errors.New("created_after must be a valid RFC3339 timestamp")
		}
		dateRange.From = &ts
	}
	if raw := strings.TrimSpace(query.Get("created_before")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			return services.OrderListFilter{}, errors.New("created_before must be a valid RFC3339 timestamp")
		}
		dateRange.To = &ts
	}

	pager, err := parsePager(query)
	if err != nil {
		return services.OrderListFilter{}, err
	}

	return services.OrderListFilter{
		UserID:     userID,
		Status:     statuses,
		DateRange:  dateRange,
		Pagination: pager,
	}, nil
}

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"nextPageToken,omitempty"`
}

type orderSummaryPayload struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Total     int64  `json:"total"`
	ItemCount int    `json:"itemCount"`
	CreatedAt string `json:"createdAt"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID               string             `json:"id"`
	UserID           string             `json:"userId"`
	Status           string             `json:"status"`
	Items            []orderItemPayload `json:"items"`
	Subtotal         int64              `json:"subtotal"`
	DiscountAmount   int64              `json:"discountAmount"`
	ReferralCode     *string            `json:"referralCode,omitempty"`
	ReferralDiscount int64              `json:"referralDiscount"`
	CoinsUsed        int64              `json:"coinsUsed"`
	ShippingFee      int64              `json:"shippingFee"`
	PlatformFee      int64              `json:"platformFee"`
	Total            int64              `json:"total"`
	PaymentMethod    string             `json:"paymentMethod,omitempty"`
	GatewayOrderID   string             `json:"gatewayOrderId,omitempty"`
	GatewayPaymentID string             `json:"gatewayPaymentId,omitempty"`
	ShippingAddress  *addressPayload    `json:"shippingAddress,omitempty"`
	CreatedAt        string             `json:"createdAt"`
	UpdatedAt        string             `json:"updatedAt,omitempty"`
}

type orderItemPayload struct {
	ProductID      string `json:"productId"`
	SKU            string `json:"sku"`
	Name           string `json:"name,omitempty"`
	Category       string `json:"category"`
	Quantity       int    `json:"quantity"`
	OriginalPrice  int64  `json:"originalPrice"`
	EffectivePrice int64  `json:"effectivePrice"`
	Total          int64  `json:"total"`
}

func buildOrderSummary(order services.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:        strings.TrimSpace(order.ID),
		Status:    strings.TrimSpace(string(order.Status)),
		Total:     order.Total,
		ItemCount: len(order.Items),
		CreatedAt: formatTime(order.CreatedAt),
	}
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:               strings.TrimSpace(order.ID),
		UserID:           strings.TrimSpace(order.UserID),
		Status:           strings.TrimSpace(string(order.Status)),
		Items:            make([]orderItemPayload, 0, len(order.Items)),
		Subtotal:         order.Subtotal,
		DiscountAmount:   order.DiscountAmount,
		ReferralCode:     cloneStringPointer(order.ReferralCode),
		ReferralDiscount: order.ReferralDiscount,
		CoinsUsed:        order.CoinsUsed,
		ShippingFee:      order.ShippingFee,
		PlatformFee:      order.PlatformFee,
		Total:            order.Total,
		PaymentMethod:    strings.TrimSpace(order.PaymentMethod),
		GatewayOrderID:   strings.TrimSpace(order.GatewayOrderID),
		GatewayPaymentID: strings.TrimSpace(order.GatewayPaymentID),
		CreatedAt:        formatTime(order.CreatedAt),
		UpdatedAt:        formatTime(order.UpdatedAt),
	}

	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ProductID:      strings.TrimSpace(item.ProductID),
			SKU:            strings.TrimSpace(item.SKU),
			Name:           strings.TrimSpace(item.Name),
			Category:       string(item.Category),
			Quantity:       item.Quantity,
			OriginalPrice:  item.OriginalPrice,
			EffectivePrice: item.EffectivePrice,
			Total:          item.Total,
		})
	}

	if order.ShippingAddress != nil {
		addr := buildAddressPayload(*order.ShippingAddress)
		payload.ShippingAddress = &addr
	}

	return payload
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}

func parseOrderStatus(raw string) (services.OrderStatus, bool) {
	status := domain.OrderStatus(strings.TrimSpace(strings.ToLower(raw)))
	if _, ok := validOrderStatuses[status]; !ok {
		return "", false
	}
	return status, true
}

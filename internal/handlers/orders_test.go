package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/herbcart/api/internal/domain"
	"github.com/herbcart/api/internal/platform/auth"
	"github.com/herbcart/api/internal/services"
)

type stubOrderService struct {
	getFn        func(context.Context, services.GetOrderCommand) (services.Order, error)
	listFn       func(context.Context, services.OrderListFilter) (domain.CursorPage[services.Order], error)
	transitionFn func(context.Context, services.OrderStatusTransitionCommand) (services.Order, error)
}

func (s *stubOrderService) GetOrder(ctx context.Context, cmd services.GetOrderCommand) (services.Order, error) {
	if s.getFn == nil {
		return services.Order{}, nil
	}
	return s.getFn(ctx, cmd)
}

func (s *stubOrderService) ListOrders(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
	if s.listFn == nil {
		return domain.CursorPage[services.Order]{}, nil
	}
	return s.listFn(ctx, filter)
}

func (s *stubOrderService) TransitionStatus(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error) {
	if s.transitionFn == nil {
		return services.Order{}, nil
	}
	return s.transitionFn(ctx, cmd)
}

var _ services.OrderService = (*stubOrderService)(nil)

func TestOrderHandlersListOrders(t *testing.T) {
	router := chi.NewRouter()
	var capturedFilter services.OrderListFilter
	service := &stubOrderService{
		listFn: func(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
			capturedFilter = filter
			return domain.CursorPage[services.Order]{
				Items: []services.Order{
					{
						ID:     "ord_1",
						UserID: "user-1",
						Status: domain.OrderStatusShipped,
						Total:  603,
						Items: []services.OrderLineItem{
							{ProductID: "prod_1", Quantity: 2},
						},
						CreatedAt: time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC),
					},
				},
				NextPageToken: "cursor-2",
			}, nil
		},
	}

	handler := NewOrderHandlers(nil, service)
	handler.Routes(router)

	req := httptest.NewRequest(http.MethodGet, "/?status=shipped&page_size=10&page_token=cursor-1&created_after=2026-01-01T00:00:00Z", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1"}))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	if capturedFilter.UserID != "user-1" {
		t.Fatalf("expected list scoped to user-1, got %q", capturedFilter.UserID)
	}
	if len(capturedFilter.Status) != 1 || capturedFilter.Status[0] != domain.OrderStatusShipped {
		t.Fatalf("expected shipped status filter, got %#v", capturedFilter.Status)
	}
	if capturedFilter.Pagination.PageSize != 10 {
		t.Fatalf("expected page size 10, got %d", capturedFilter.Pagination.PageSize)
	}
	if capturedFilter.Pagination.PageToken != "cursor-1" {
		t.Fatalf("expected page token cursor-1, got %q", capturedFilter.Pagination.PageToken)
	}
	if capturedFilter.DateRange.From == nil || !capturedFilter.DateRange.From.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected created_after propagated, got %v", capturedFilter.DateRange.From)
	}

	var resp orderListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Items) != 1 {
		t.Fatalf("expected 1 order, got %d", len(resp.Items))
	}
	if resp.Items[0].ID != "ord_1" || resp.Items[0].Status != "shipped" || resp.Items[0].ItemCount != 1 {
		t.Fatalf("unexpected order summary: %+v", resp.Items[0])
	}
	if resp.NextPageToken != "cursor-2" {
		t.Fatalf("expected next page token cursor-2, got %q", resp.NextPageToken)
	}
}

func TestOrderHandlersListOrdersRejectsUnknownStatus(t *testing.T) {
	router := chi.NewRouter()
	handler := NewOrderHandlers(nil, &stubOrderService{})
	handler.Routes(router)

	req := httptest.NewRequest(http.MethodGet, "/?status=teleported", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1"}))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestOrderHandlersListOrdersUnauthenticated(t *testing.T) {
	router := chi.NewRouter()
	handler := NewOrderHandlers(nil, &stubOrderService{})
	handler.Routes(router)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestOrderHandlersGetOrder(t *testing.T) {
	router := chi.NewRouter()
	code := "SAVE50"
	var captured services.GetOrderCommand
	service := &stubOrderService{
		getFn: func(ctx context.Context, cmd services.GetOrderCommand) (services.Order, error) {
			captured = cmd
			return services.Order{
				ID:               "ord_1",
				UserID:           cmd.UserID,
				Status:           domain.OrderStatusDelivered,
				Subtotal:         600,
				DiscountAmount:   50,
				ReferralCode:     &code,
				ReferralDiscount: 50,
				CoinsUsed:        20,
				ShippingFee:      23,
				PlatformFee:      30,
				Total:            603,
				CreatedAt:        time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC),
			}, nil
		},
	}

	handler := NewOrderHandlers(nil, service)
	handler.Routes(router)

	req := httptest.NewRequest(http.MethodGet, "/ord_1", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1"}))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord_1" || captured.UserID != "user-1" {
		t.Fatalf("unexpected get command: %+v", captured)
	}
	if captured.IsAdmin {
		t.Fatalf("user route must not request admin scope")
	}

	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Order.Status != "delivered" {
		t.Fatalf("expected delivered status, got %s", resp.Order.Status)
	}
	if resp.Order.ReferralCode == nil || *resp.Order.ReferralCode != "SAVE50" {
		t.Fatalf("expected referral code in payload, got %v", resp.Order.ReferralCode)
	}
	if resp.Order.Total != 603 {
		t.Fatalf("expected total 603, got %d", resp.Order.Total)
	}
}

func TestOrderHandlersGetOrderMapsServiceErrors(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"not found", services.ErrOrderNotFound, http.StatusNotFound, "order_not_found"},
		{"invalid state", services.ErrOrderInvalidState, http.StatusConflict, "order_invalid_state"},
		{"unavailable", services.ErrOrderUnavailable, http.StatusServiceUnavailable, "order_service_unavailable"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := chi.NewRouter()
			handler := NewOrderHandlers(nil, &stubOrderService{
				getFn: func(context.Context, services.GetOrderCommand) (services.Order, error) {
					return services.Order{}, tc.err
				},
			})
			handler.Routes(router)

			req := httptest.NewRequest(http.MethodGet, "/ord_missing", nil)
			req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1"}))
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != tc.wantStatus {
				t.Fatalf("expected status %d, got %d", tc.wantStatus, rr.Code)
			}
			var errResp map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &errResp); err != nil {
				t.Fatalf("failed to decode error response: %v", err)
			}
			if errResp["error"] != tc.wantCode {
				t.Fatalf("expected error code %s, got %#v", tc.wantCode, errResp["error"])
			}
		})
	}
}

package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/herbcart/api/internal/domain"
)

func newTestOrderService(t *testing.T, repo *stubOrderRepo, audit AuditLogService) OrderService {
	t.Helper()
	svc, err := NewOrderService(OrderServiceDeps{
		Orders: repo,
		Audit:  audit,
		Clock:  func() time.Time { return time.Date(2026, 3, 7, 10, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("NewOrderService error: %v", err)
	}
	return svc
}

func seedOrder(repo *stubOrderRepo, id, userID string, status domain.OrderStatus) {
	if repo.orders == nil {
		repo.orders = make(map[string]domain.Order)
	}
	repo.orders[id] = domain.Order{ID: id, UserID: userID, Status: status, Total: 653}
}

func TestOrderService_GetOrderScopesToOwner(t *testing.T) {
	repo := &stubOrderRepo{}
	seedOrder(repo, "ord_1", "user_1", domain.OrderStatusPending)
	svc := newTestOrderService(t, repo, nil)

	order, err := svc.GetOrder(context.Background(), GetOrderCommand{OrderID: "ord_1", UserID: "user_1"})
	if err != nil {
		t.Fatalf("GetOrder error: %v", err)
	}
	if order.ID != "ord_1" {
		t.Fatalf("unexpected order %+v", order)
	}

	if _, err := svc.GetOrder(context.Background(), GetOrderCommand{OrderID: "ord_1", UserID: "user_2"}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("foreign order must read as not found, got %v", err)
	}
}

func TestOrderService_GetOrderAdminBypassesScoping(t *testing.T) {
	repo := &stubOrderRepo{}
	seedOrder(repo, "ord_1", "user_1", domain.OrderStatusPending)
	svc := newTestOrderService(t, repo, nil)

	order, err := svc.GetOrder(context.Background(), GetOrderCommand{OrderID: "ord_1", UserID: "admin_1", IsAdmin: true})
	if err != nil {
		t.Fatalf("GetOrder error: %v", err)
	}
	if order.UserID != "user_1" {
		t.Fatalf("unexpected order %+v", order)
	}
}

func TestOrderService_TransitionFollowsLifecycle(t *testing.T) {
	repo := &stubOrderRepo{}
	seedOrder(repo, "ord_1", "user_1", domain.OrderStatusPending)
	svc := newTestOrderService(t, repo, nil)
	ctx := context.Background()

	steps := []domain.OrderStatus{
		domain.OrderStatusProcessing,
		domain.OrderStatusShipped,
		domain.OrderStatusDelivered,
	}
	for _, target := range steps {
		order, err := svc.TransitionStatus(ctx, OrderStatusTransitionCommand{
			OrderID:      "ord_1",
			TargetStatus: target,
			ActorID:      "admin_1",
		})
		if err != nil {
			t.Fatalf("TransitionStatus to %s error: %v", target, err)
		}
		if order.Status != target {
			t.Fatalf("status mismatch: want %s, got %s", target, order.Status)
		}
	}
}

func TestOrderService_TransitionRejectsSkips(t *testing.T) {
	repo := &stubOrderRepo{}
	seedOrder(repo, "ord_1", "user_1", domain.OrderStatusPending)
	svc := newTestOrderService(t, repo, nil)

	_, err := svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID:      "ord_1",
		TargetStatus: domain.OrderStatusShipped,
		ActorID:      "admin_1",
	})
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState, got %v", err)
	}
}

func TestOrderService_TransitionRejectsBackwards(t *testing.T) {
	repo := &stubOrderRepo{}
	seedOrder(repo, "ord_1", "user_1", domain.OrderStatusDelivered)
	svc := newTestOrderService(t, repo, nil)

	_, err := svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID:      "ord_1",
		TargetStatus: domain.OrderStatusShipped,
		ActorID:      "admin_1",
	})
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState, got %v", err)
	}
}

func TestOrderService_ListFiltersByUser(t *testing.T) {
	repo := &stubOrderRepo{}
	seedOrder(repo, "ord_1", "user_1", domain.OrderStatusPending)
	seedOrder(repo, "ord_2", "user_2", domain.OrderStatusPending)
	svc := newTestOrderService(t, repo, nil)

	page, err := svc.ListOrders(context.Background(), OrderListFilter{UserID: "user_1"})
	if err != nil {
		t.Fatalf("ListOrders error: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != "ord_1" {
		t.Fatalf("unexpected page %+v", page.Items)
	}
}

func TestOrderService_TransitionMissingOrder(t *testing.T) {
	svc := newTestOrderService(t, &stubOrderRepo{}, nil)
	_, err := svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID:      "ord_missing",
		TargetStatus: domain.OrderStatusProcessing,
	})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

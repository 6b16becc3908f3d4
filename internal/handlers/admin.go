package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/herbcart/api/internal/domain"
	"github.com/herbcart/api/internal/platform/auth"
	"github.com/herbcart/api/internal/platform/httpx"
	"github.com/herbcart/api/internal/services"
)

const maxAdminRequestBody = 8 * 1024

// AdminHandlers groups the operator surface: order status transitions,
// withdrawal decisions, reconciliation triage and audit log reads.
type AdminHandlers struct {
	authn       *auth.Authenticator
	orders      services.OrderService
	withdrawals services.WithdrawalService
	system      services.SystemService
}

// NewAdminHandlers constructs admin handlers guarded by the admin role.
func NewAdminHandlers(authn *auth.Authenticator, orders services.OrderService, withdrawals services.WithdrawalService, system services.SystemService) *AdminHandlers {
	return &AdminHandlers{
		authn:       authn,
		orders:      orders,
		withdrawals: withdrawals,
		system:      system,
	}
}

// Routes registers the /admin endpoints.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth(auth.RoleAdmin, auth.RoleStaff))
	}
	r.Get("/orders", h.listOrders)
	r.Get("/orders/{orderID}", h.getOrder)
	r.Patch("/orders/{orderID}/status", h.updateOrderStatus)
	r.Get("/withdrawals", h.listWithdrawals)
	r.Post("/withdrawals/{withdrawalID}/approve", h.approveWithdrawal)
	r.Post("/withdrawals/{withdrawalID}/reject", h.rejectWithdrawal)
	r.Get("/reconciliations", h.listReconciliations)
	r.Post("/reconciliations/{recordID}/resolve", h.resolveReconciliation)
	r.Get("/audit-logs", h.listAuditLogs)
}

type updateOrderStatusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type withdrawalDecisionRequest struct {
	Note string `json:"note"`
}

type resolveReconciliationRequest struct {
	Note string `json:"note"`
}

type reconciliationPayload struct {
	ID               string         `json:"id"`
	UserID           string         `json:"userId"`
	GatewayOrderID   string         `json:"gatewayOrderId"`
	GatewayPaymentID string         `json:"gatewayPaymentId"`
	AmountMinorUnits int64          `json:"amount"`
	FailedStep       string         `json:"failedStep"`
	Detail           string         `json:"detail,omitempty"`
	Payload          map[string]any `json:"payload,omitempty"`
	Status           string         `json:"status"`
	ResolvedBy       string         `json:"resolvedBy,omitempty"`
	ResolvedAt       string         `json:"resolvedAt,omitempty"`
	CreatedAt        string         `json:"createdAt"`
}

type reconciliationListResponse struct {
	Items         []reconciliationPayload `json:"items"`
	NextPageToken string                  `json:"nextPageToken,omitempty"`
}

type auditLogPayload struct {
	ID        string         `json:"id"`
	Actor     string         `json:"actor"`
	ActorType string         `json:"actorType,omitempty"`
	Action    string         `json:"action"`
	TargetRef string         `json:"targetRef,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Severity  string         `json:"severity,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
	CreatedAt string         `json:"createdAt"`
}

type auditLogListResponse struct {
	Items         []auditLogPayload `json:"items"`
	NextPageToken string            `json:"nextPageToken,omitempty"`
}

func (h *AdminHandlers) adminIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func (h *AdminHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	if _, ok := h.adminIdentity(ctx, w); !ok {
		return
	}

	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	filter, err := parseOrderListFilter(r, userID)
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

func (h *AdminHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := h.adminIdentity(ctx, w)
	if !ok {
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
		IsAdmin: true,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminHandlers) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := h.adminIdentity(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	body, err := readLimitedBody(r, maxAdminRequestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	var req updateOrderStatusRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	status, ok := parseOrderStatus(req.Status)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be a valid order status", http.StatusBadRequest))
		return
	}

	order, err := h.orders.TransitionStatus(ctx, services.OrderStatusTransitionCommand{
		OrderID:      orderID,
		TargetStatus: status,
		ActorID:      strings.TrimSpace(identity.UID),
		Reason:       strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminHandlers) listWithdrawals(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.withdrawals == nil {
		httpx.WriteError(ctx, w, httpx.NewError("withdrawal_unavailable", "withdrawal service unavailable", http.StatusServiceUnavailable))
		return
	}
	if _, ok := h.adminIdentity(ctx, w); !ok {
		return
	}

	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	filter, err := parseWithdrawalListFilter(r, userID)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.withdrawals.ListWithdrawals(ctx, filter)
	if err != nil {
		writeWithdrawalError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildWithdrawalListResponse(page.Items, page.NextPageToken))
}

func (h *AdminHandlers) approveWithdrawal(w http.ResponseWriter, r *http.Request) {
	h.processWithdrawal(w, r, true)
}

func (h *AdminHandlers) rejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	h.processWithdrawal(w, r, false)
}

func (h *AdminHandlers) processWithdrawal(w http.ResponseWriter, r *http.Request, approve bool) {
	ctx := r.Context()
	if h.withdrawals == nil {
		httpx.WriteError(ctx, w, httpx.NewError("withdrawal_unavailable", "withdrawal service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := h.adminIdentity(ctx, w)
	if !ok {
		return
	}

	withdrawalID := strings.TrimSpace(chi.URLParam(r, "withdrawalID"))
	if withdrawalID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "withdrawal id is required", http.StatusBadRequest))
		return
	}

	var req withdrawalDecisionRequest
	body, err := readLimitedBody(r, maxAdminRequestBody)
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

	note := strings.TrimSpace(req.Note)
	if !approve && note == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "note is required when rejecting", http.StatusBadRequest))
		return
	}

	withdrawal, err := h.withdrawals.ProcessWithdrawal(ctx, services.ProcessWithdrawalCommand{
		WithdrawalID: withdrawalID,
		Approve:      approve,
		AdminID:      strings.TrimSpace(identity.UID),
		Note:         note,
	})
	if err != nil {
		writeWithdrawalError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildWithdrawalPayload(withdrawal))
}

func (h *AdminHandlers) listReconciliations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.system == nil {
		httpx.WriteError(ctx, w, httpx.NewError("system_unavailable", "system service unavailable", http.StatusServiceUnavailable))
		return
	}
	if _, ok := h.adminIdentity(ctx, w); !ok {
		return
	}

	query := r.URL.Query()
	var statuses []domain.ReconciliationStatus
	for _, raw := range parseFilterValues(query["status"]) {
		status := domain.ReconciliationStatus(raw)
		if status != domain.ReconciliationStatusOpen && status != domain.ReconciliationStatusResolved {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be open or resolved", http.StatusBadRequest))
			return
		}
		statuses = append(statuses, status)
	}

	pager, err := parsePager(query)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.system.ListReconciliations(ctx, services.ReconciliationListFilter{
		Status:     statuses,
		Pagination: pager,
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("system_error", "failed to list reconciliation records", http.StatusInternalServerError))
		return
	}

	items := make([]reconciliationPayload, 0, len(page.Items))
	for _, record := range page.Items {
		items = append(items, buildReconciliationPayload(record))
	}
	writeJSONResponse(w, http.StatusOK, reconciliationListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *AdminHandlers) resolveReconciliation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.system == nil {
		httpx.WriteError(ctx, w, httpx.NewError("system_unavailable", "system service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := h.adminIdentity(ctx, w)
	if !ok {
		return
	}

	recordID := strings.TrimSpace(chi.URLParam(r, "recordID"))
	if recordID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "record id is required", http.StatusBadRequest))
		return
	}

	var req resolveReconciliationRequest
	body, err := readLimitedBody(r, maxAdminRequestBody)
	if err != nil && !errors.Is(err, errEmptyBody) {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
			return
		}
	}

	record, err := h.system.ResolveReconciliation(ctx, services.ResolveReconciliationCommand{
		RecordID: recordID,
		AdminID:  strings.TrimSpace(identity.UID),
		Note:     strings.TrimSpace(req.Note),
	})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrReconciliationNotFound):
			httpx.WriteError(ctx, w, httpx.NewError("reconciliation_not_found", "reconciliation record not found", http.StatusNotFound))
		case errors.Is(err, services.ErrReconciliationAlreadyResolved):
			httpx.WriteError(ctx, w, httpx.NewError("already_processed", "reconciliation record already resolved", http.StatusConflict))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("system_error", "failed to resolve reconciliation record", http.StatusInternalServerError))
		}
		return
	}

	writeJSONResponse(w, http.StatusOK, buildReconciliationPayload(record))
}

func (h *AdminHandlers) listAuditLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.system == nil {
		httpx.WriteError(ctx, w, httpx.NewError("system_unavailable", "system service unavailable", http.StatusServiceUnavailable))
		return
	}
	if _, ok := h.adminIdentity(ctx, w); !ok {
		return
	}

	query := r.URL.Query()
	pager, err := parsePager(query)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	filter := services.AuditLogFilter{
		Actor:      strings.TrimSpace(query.Get("actor")),
		ActorType:  strings.TrimSpace(query.Get("actor_type")),
		Action:     strings.TrimSpace(query.Get("action")),
		TargetRef:  strings.TrimSpace(query.Get("target_ref")),
		Pagination: pager,
	}
	if raw := strings.TrimSpace(query.Get("created_after")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_after must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		filter.DateRange.From = &ts
	}
	if raw := strings.TrimSpace(query.Get("created_before")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_before must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		filter.DateRange.To = &ts
	}

	page, err := h.system.ListAuditLogs(ctx, filter)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("system_error", "failed to list audit logs", http.StatusInternalServerError))
		return
	}

	items := make([]auditLogPayload, 0, len(page.Items))
	for _, entry := range page.Items {
		items = append(items, auditLogPayload{
			ID:        entry.ID,
			Actor:     entry.Actor,
			ActorType: entry.ActorType,
			Action:    entry.Action,
			TargetRef: entry.TargetRef,
			Metadata:  cloneMap(entry.Metadata),
			Severity:  entry.Severity,
			RequestID: entry.RequestID,
			CreatedAt: formatTime(entry.CreatedAt),
		})
	}
	writeJSONResponse(w, http.StatusOK, auditLogListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func buildReconciliationPayload(record services.ReconciliationRecord) reconciliationPayload {
	payload := reconciliationPayload{
		ID:               record.ID,
		UserID:           record.UserID,
		GatewayOrderID:   record.GatewayOrderID,
		GatewayPaymentID: record.GatewayPaymentID,
		AmountMinorUnits: record.AmountMinorUnits,
		FailedStep:       record.FailedStep,
		Detail:           record.Detail,
		Payload:          cloneMap(record.Payload),
		Status:           string(record.Status),
		ResolvedAt:       formatTime(pointerTime(record.ResolvedAt)),
		CreatedAt:        formatTime(record.CreatedAt),
	}
	if record.ResolvedBy != nil {
		payload.ResolvedBy = *record.ResolvedBy
	}
	return payload
}

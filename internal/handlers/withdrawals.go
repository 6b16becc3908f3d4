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

const maxWithdrawalRequestBody = 8 * 1024

var validWithdrawalStatuses = map[domain.WithdrawalStatus]struct{}{
	domain.WithdrawalStatusRequested: {},
	domain.WithdrawalStatusApproved:  {},
	domain.WithdrawalStatusRejected:  {},
}

// WithdrawalHandlers exposes payout requests for referrers. Admin decisions
// live under the admin route group.
type WithdrawalHandlers struct {
	authn       *auth.Authenticator
	withdrawals services.WithdrawalService
}

// NewWithdrawalHandlers constructs withdrawal handlers guarded by authentication.
func NewWithdrawalHandlers(authn *auth.Authenticator, withdrawals services.WithdrawalService) *WithdrawalHandlers {
	return &WithdrawalHandlers{
		authn:       authn,
		withdrawals: withdrawals,
	}
}

// Routes registers the user-facing /referral/withdrawals endpoints.
func (h *WithdrawalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth(auth.RoleUser, auth.RoleStaff, auth.RoleAdmin))
	}
	r.Post("/", h.requestWithdrawal)
	r.Get("/", h.listOwnWithdrawals)
	r.Get("/{withdrawalID}", h.getOwnWithdrawal)
}

type withdrawalRequestBody struct {
	UPIID  string `json:"upiId"`
	Amount int64  `json:"amount"`
}

type withdrawalPayload struct {
	ID                  string   `json:"id"`
	UserID              string   `json:"userId"`
	UPIID               string   `json:"upiId"`
	Amount              int64    `json:"amount"`
	Status              string   `json:"status"`
	CommissionRecordIDs []string `json:"commissionRecordIds,omitempty"`
	ProcessedBy         string   `json:"processedBy,omitempty"`
	ProcessedAt         string   `json:"processedAt,omitempty"`
	RejectionNote       string   `json:"rejectionNote,omitempty"`
	CreatedAt           string   `json:"createdAt"`
	UpdatedAt           string   `json:"updatedAt,omitempty"`
}

type withdrawalListResponse struct {
	Items         []withdrawalPayload `json:"items"`
	NextPageToken string              `json:"nextPageToken,omitempty"`
}

func (h *WithdrawalHandlers) requestWithdrawal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.withdrawals == nil {
		httpx.WriteError(ctx, w, httpx.NewError("withdrawal_unavailable", "withdrawal service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	body, err := readLimitedBody(r, maxWithdrawalRequestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	var req withdrawalRequestBody
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	upiID := strings.TrimSpace(req.UPIID)
	if upiID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "upiId is required", http.StatusBadRequest))
		return
	}
	if req.Amount <= 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "amount must be positive", http.StatusBadRequest))
		return
	}

	withdrawal, err := h.withdrawals.RequestWithdrawal(ctx, services.RequestWithdrawalCommand{
		UserID: strings.TrimSpace(identity.UID),
		UPIID:  upiID,
		Amount: req.Amount,
	})
	if err != nil {
		writeWithdrawalError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, buildWithdrawalPayload(withdrawal))
}

func (h *WithdrawalHandlers) listOwnWithdrawals(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.withdrawals == nil {
		httpx.WriteError(ctx, w, httpx.NewError("withdrawal_unavailable", "withdrawal service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	filter, err := parseWithdrawalListFilter(r, strings.TrimSpace(identity.UID))
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

func (h *WithdrawalHandlers) getOwnWithdrawal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.withdrawals == nil {
		httpx.WriteError(ctx, w, httpx.NewError("withdrawal_unavailable", "withdrawal service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	withdrawalID := strings.TrimSpace(chi.URLParam(r, "withdrawalID"))
	if withdrawalID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "withdrawal id is required", http.StatusBadRequest))
		return
	}

	withdrawal, err := h.withdrawals.GetWithdrawal(ctx, withdrawalID)
	if err != nil {
		writeWithdrawalError(ctx, w, err)
		return
	}
	if !strings.EqualFold(strings.TrimSpace(withdrawal.UserID), strings.TrimSpace(identity.UID)) {
		httpx.WriteError(ctx, w, httpx.NewError("withdrawal_not_found", "withdrawal not found", http.StatusNotFound))
		return
	}

	writeJSONResponse(w, http.StatusOK, buildWithdrawalPayload(withdrawal))
}

// parseWithdrawalListFilter builds the service filter from query parameters.
// Admin callers pass an empty userID to list across users.
func parseWithdrawalListFilter(r *http.Request, userID string) (services.WithdrawalListFilter, error) {
	query := r.URL.Query()

	var statuses []domain.WithdrawalStatus
	for _, raw := range parseFilterValues(query["status"]) {
		status := domain.WithdrawalStatus(raw)
		if _, ok := validWithdrawalStatuses[status]; !ok {
			return services.WithdrawalListFilter{}, errors.New("status must be a valid withdrawal status")
		}
		statuses = append(statuses, status)
	}

	pager, err := parsePager(query)
	if err != nil {
		return services.WithdrawalListFilter{}, err
	}

	return services.WithdrawalListFilter{
		UserID:     userID,
		Status:     statuses,
		Pagination: pager,
	}, nil
}

func buildWithdrawalPayload(withdrawal services.WithdrawalRequest) withdrawalPayload {
	payload := withdrawalPayload{
		ID:                  withdrawal.ID,
		UserID:              withdrawal.UserID,
		UPIID:               withdrawal.UPIID,
		Amount:              withdrawal.Amount,
		Status:              string(withdrawal.Status),
		CommissionRecordIDs: withdrawal.CommissionRecordIDs,
		ProcessedAt:         formatTime(pointerTime(withdrawal.ProcessedAt)),
		RejectionNote:       withdrawal.RejectionNote,
		CreatedAt:           formatTime(withdrawal.CreatedAt),
		UpdatedAt:           formatTime(withdrawal.UpdatedAt),
	}
	if withdrawal.ProcessedBy != nil {
		payload.ProcessedBy = *withdrawal.ProcessedBy
	}
	return payload
}

func buildWithdrawalListResponse(items []services.WithdrawalRequest, nextPageToken string) withdrawalListResponse {
	payloads := make([]withdrawalPayload, 0, len(items))
	for _, item := range items {
		payloads = append(payloads, buildWithdrawalPayload(item))
	}
	return withdrawalListResponse{
		Items:         payloads,
		NextPageToken: strings.TrimSpace(nextPageToken),
	}
}

func writeWithdrawalError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrWithdrawalInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrWithdrawalInsufficientBalance):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_balance", "available balance does not cover the requested amount", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrWithdrawalNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("withdrawal_not_found", "withdrawal not found", http.StatusNotFound))
	case errors.Is(err, services.ErrWithdrawalAlreadyProcessed):
		httpx.WriteError(ctx, w, httpx.NewError("already_processed", "withdrawal has already been processed", http.StatusConflict))
	case errors.Is(err, services.ErrWithdrawalUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("withdrawal_unavailable", "withdrawal service unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("withdrawal_error", "failed to process withdrawal request", http.StatusInternalServerError))
	}
}

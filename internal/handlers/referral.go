package handlers

import (
	"context"
	"encoding/json"
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

const maxReferralRequestBody = 8 * 1024

var validCommissionStatuses = map[domain.CommissionStatus]struct{}{
	domain.CommissionStatusPending:             {},
	domain.CommissionStatusSignedUp:            {},
	domain.CommissionStatusPurchased:           {},
	domain.CommissionStatusWithdrawalRequested: {},
	domain.CommissionStatusWithdrawn:           {},
}

// ReferralHandlers exposes referral code validation, commission stats and
// history, and code management for authenticated users.
type ReferralHandlers struct {
	authn       *auth.Authenticator
	referrals   services.ReferralService
	commissions services.CommissionService
	limiter     rateLimiter
}

// ReferralHandlersOption customises referral handler construction.
type ReferralHandlersOption func(*ReferralHandlers)

// WithReferralValidateRateLimit caps validate lookups per user to slow down
// code enumeration.
func WithReferralValidateRateLimit(limit int, window time.Duration) ReferralHandlersOption {
	return func(h *ReferralHandlers) {
		h.limiter = newSimpleRateLimiter(limit, window, nil)
	}
}

// NewReferralHandlers constructs referral handlers guarded by authentication.
func NewReferralHandlers(authn *auth.Authenticator, referrals services.ReferralService, commissions services.CommissionService, opts ...ReferralHandlersOption) *ReferralHandlers {
	h := &ReferralHandlers{
		authn:       authn,
		referrals:   referrals,
		commissions: commissions,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /referral endpoints.
func (h *ReferralHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth(auth.RoleUser, auth.RoleStaff, auth.RoleAdmin))
	}
	r.Get("/validate", h.validateCode)
	r.Get("/stats", h.stats)
	r.Get("/history", h.history)
	r.Get("/codes", h.listCodes)
	r.Post("/codes", h.createCode)
	r.Post("/codes/{codeID}/deactivate", h.deactivateCode)
}

type referralValidationResponse struct {
	Code           string `json:"code"`
	Valid          bool   `json:"valid"`
	DiscountAmount int64  `json:"discountAmount,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

type referralStatsResponse struct {
	ReferrerID       string `json:"referrerId"`
	Earned           int64  `json:"earned"`
	PendingClearance int64  `json:"pendingClearance"`
	Withdrawn        int64  `json:"withdrawn"`
	Available        int64  `json:"available"`
}

type commissionRecordPayload struct {
	ID               string `json:"id"`
	ReferredEmail    string `json:"referredEmail,omitempty"`
	Status           string `json:"status"`
	CommissionAmount int64  `json:"commissionAmount"`
	OrderAmount      int64  `json:"orderAmount,omitempty"`
	OrderID          string `json:"orderId,omitempty"`
	WithdrawalID     string `json:"withdrawalId,omitempty"`
	CreatedAt        string `json:"createdAt"`
	UpdatedAt        string `json:"updatedAt,omitempty"`
}

type commissionHistoryResponse struct {
	Items         []commissionRecordPayload `json:"items"`
	NextPageToken string                    `json:"nextPageToken,omitempty"`
}

type referralCodePayload struct {
	ID                 string   `json:"id"`
	Code               string   `json:"code"`
	DiscountAmount     int64    `json:"discountAmount"`
	CommissionRate     float64  `json:"commissionRate"`
	MaxUses            int      `json:"maxUses"`
	CurrentUses        int      `json:"currentUses"`
	IsActive           bool     `json:"isActive"`
	ExpiryDate         string   `json:"expiryDate,omitempty"`
	ExcludedCategories []string `json:"excludedCategories,omitempty"`
	CreatedAt          string   `json:"createdAt"`
}

type referralCodeListResponse struct {
	Items         []referralCodePayload `json:"items"`
	NextPageToken string                `json:"nextPageToken,omitempty"`
}

type createReferralCodeRequest struct {
	Code               string   `json:"code"`
	DiscountAmount     *int64   `json:"discountAmount"`
	CommissionRate     *float64 `json:"commissionRate"`
	MaxUses            *int     `json:"maxUses"`
	ExpiryDate         *string  `json:"expiryDate"`
	ExcludedCategories []string `json:"excludedCategories"`
}

func (h *ReferralHandlers) validateCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.referrals == nil {
		httpx.WriteError(ctx, w, httpx.NewError("referral_unavailable", "referral service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	if h.limiter != nil && !h.limiter.Allow(identity.UID) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many validation attempts", http.StatusTooManyRequests))
		return
	}

	code := strings.TrimSpace(r.URL.Query().Get("code"))
	if code == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "code query parameter is required", http.StatusBadRequest))
		return
	}

	validation, err := h.referrals.ValidateCode(ctx, services.ValidateReferralCommand{
		Code:   code,
		UserID: strings.TrimSpace(identity.UID),
	})
	if err != nil {
		writeReferralError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, referralValidationResponse{
		Code:           validation.Code,
		Valid:          validation.IsValid,
		DiscountAmount: validation.DiscountAmount,
		Reason:         string(validation.Reason),
	})
}

func (h *ReferralHandlers) stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.commissions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("referral_unavailable", "commission service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	balance, err := h.commissions.Balance(ctx, strings.TrimSpace(identity.UID))
	if err != nil {
		writeCommissionError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, referralStatsResponse{
		ReferrerID:       balance.ReferrerID,
		Earned:           balance.Earned,
		PendingClearance: balance.PendingClearance,
		Withdrawn:        balance.Withdrawn,
		Available:        balance.Available,
	})
}

func (h *ReferralHandlers) history(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.commissions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("referral_unavailable", "commission service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	query := r.URL.Query()

	var statuses []domain.CommissionStatus
	for _, raw := range parseFilterValues(query["status"]) {
		status := domain.CommissionStatus(raw)
		if _, ok := validCommissionStatuses[status]; !ok {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be a valid commission status", http.StatusBadRequest))
			return
		}
		statuses = append(statuses, status)
	}

	var dateRange domain.RangeQuery[time.Time]
	if raw := strings.TrimSpace(query.Get("created_after")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_after must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		dateRange.From = &ts
	}
	if raw := strings.TrimSpace(query.Get("created_before")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_before must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		dateRange.To = &ts
	}

	pager, err := parsePager(query)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.commissions.History(ctx, services.CommissionHistoryCommand{
		ReferrerID: strings.TrimSpace(identity.UID),
		Status:     statuses,
		DateRange:  dateRange,
		Pagination: pager,
	})
	if err != nil {
		writeCommissionError(ctx, w, err)
		return
	}

	items := make([]commissionRecordPayload, 0, len(page.Items))
	for _, record := range page.Items {
		items = append(items, buildCommissionPayload(record))
	}

	writeJSONResponse(w, http.StatusOK, commissionHistoryResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *ReferralHandlers) listCodes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.referrals == nil {
		httpx.WriteError(ctx, w, httpx.NewError("referral_unavailable", "referral service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	pager, err := parsePager(r.URL.Query())
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.referrals.ListCodes(ctx, strings.TrimSpace(identity.UID), pager)
	if err != nil {
		writeReferralError(ctx, w, err)
		return
	}

	items := make([]referralCodePayload, 0, len(page.Items))
	for _, code := range page.Items {
		items = append(items, buildReferralCodePayload(code))
	}

	writeJSONResponse(w, http.StatusOK, referralCodeListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *ReferralHandlers) createCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.referrals == nil {
		httpx.WriteError(ctx, w, httpx.NewError("referral_unavailable", "referral service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	body, err := readLimitedBody(r, maxReferralRequestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	var req createReferralCodeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	cmd := services.CreateReferralCodeCommand{
		OwnerID:        strings.TrimSpace(identity.UID),
		Code:           strings.TrimSpace(req.Code),
		DiscountAmount: req.DiscountAmount,
		CommissionRate: req.CommissionRate,
		MaxUses:        req.MaxUses,
	}
	if req.ExpiryDate != nil && strings.TrimSpace(*req.ExpiryDate) != "" {
		ts, err := parseTimeParam(strings.TrimSpace(*req.ExpiryDate))
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "expiryDate must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		cmd.ExpiryDate = &ts
	}
	for _, raw := range req.ExcludedCategories {
		category := domain.ProductCategory(strings.ToLower(strings.TrimSpace(raw)))
		if category == "" {
			continue
		}
		cmd.ExcludedCategories = append(cmd.ExcludedCategories, category)
	}

	code, err := h.referrals.CreateCode(ctx, cmd)
	if err != nil {
		writeReferralError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, buildReferralCodePayload(code))
}

func (h *ReferralHandlers) deactivateCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.referrals == nil {
		httpx.WriteError(ctx, w, httpx.NewError("referral_unavailable", "referral service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	codeID := strings.TrimSpace(chi.URLParam(r, "codeID"))
	if codeID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "code id is required", http.StatusBadRequest))
		return
	}

	err := h.referrals.DeactivateCode(ctx, services.DeactivateReferralCodeCommand{
		CodeID:  codeID,
		ActorID: strings.TrimSpace(identity.UID),
	})
	if err != nil {
		writeReferralError(ctx, w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func buildCommissionPayload(record services.CommissionRecord) commissionRecordPayload {
	payload := commissionRecordPayload{
		ID:               record.ID,
		ReferredEmail:    record.ReferredEmail,
		Status:           string(record.Status),
		CommissionAmount: record.CommissionAmount,
		OrderAmount:      record.OrderAmount,
		CreatedAt:        formatTime(record.CreatedAt),
		UpdatedAt:        formatTime(record.UpdatedAt),
	}
	if record.OrderID != nil {
		payload.OrderID = *record.OrderID
	}
	if record.WithdrawalID != nil {
		payload.WithdrawalID = *record.WithdrawalID
	}
	return payload
}

func buildReferralCodePayload(code services.ReferralCode) referralCodePayload {
	payload := referralCodePayload{
		ID:             code.ID,
		Code:           code.Code,
		DiscountAmount: code.DiscountAmount,
		CommissionRate: code.CommissionRate,
		MaxUses:        code.MaxUses,
		CurrentUses:    code.CurrentUses,
		IsActive:       code.IsActive,
		ExpiryDate:     formatTime(pointerTime(code.ExpiryDate)),
		CreatedAt:      formatTime(code.CreatedAt),
	}
	for _, category := range code.ExcludedCategories {
		payload.ExcludedCategories = append(payload.ExcludedCategories, string(category))
	}
	return payload
}

func writeReferralError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrReferralInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrReferralCodeExists):
		httpx.WriteError(ctx, w, httpx.NewError("referral_code_exists", "referral code already exists", http.StatusConflict))
	case errors.Is(err, services.ErrReferralCodeNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("referral_code_not_found", "referral code not found", http.StatusNotFound))
	case errors.Is(err, services.ErrReferralCodeRejected):
		httpx.WriteError(ctx, w, httpx.NewError("referral_rejected", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrReferralUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("referral_unavailable", "referral service unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("referral_error", "failed to process referral request", http.StatusInternalServerError))
	}
}

func writeCommissionError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCommissionInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCommissionNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("commission_not_found", "commission record not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCommissionInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrCommissionUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("referral_unavailable", "commission service unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("referral_error", "failed to process commission request", http.StatusInternalServerError))
	}
}

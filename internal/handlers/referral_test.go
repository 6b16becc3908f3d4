package handlers

import (
	"bytes"
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

type stubReferralService struct {
	createFn     func(context.Context, services.CreateReferralCodeCommand) (services.ReferralCode, error)
	validateFn   func(context.Context, services.ValidateReferralCommand) (services.ReferralValidation, error)
	consumeFn    func(context.Context, services.ConsumeReferralCommand) (services.ReferralConsumeResult, error)
	listFn       func(context.Context, string, services.Pagination) (domain.CursorPage[services.ReferralCode], error)
	deactivateFn func(context.Context, services.DeactivateReferralCodeCommand) error
}

func (s *stubReferralService) CreateCode(ctx context.Context, cmd services.CreateReferralCodeCommand) (services.ReferralCode, error) {
	if s.createFn == nil {
		return services.ReferralCode{}, nil
	}
	return s.createFn(ctx, cmd)
}

func (s *stubReferralService) ValidateCode(ctx context.Context, cmd services.ValidateReferralCommand) (services.ReferralValidation, error) {
	if s.validateFn == nil {
		return services.ReferralValidation{}, nil
	}
	return s.validateFn(ctx, cmd)
}

func (s *stubReferralService) ConsumeCode(ctx context.Context, cmd services.ConsumeReferralCommand) (services.ReferralConsumeResult, error) {
	if s.consumeFn == nil {
		return services.ReferralConsumeResult{}, nil
	}
	return s.consumeFn(ctx, cmd)
}

func (s *stubReferralService) ListCodes(ctx context.Context, ownerID string, pager services.Pagination) (domain.CursorPage[services.ReferralCode], error) {
	if s.listFn == nil {
		return domain.CursorPage[services.ReferralCode]{}, nil
	}
	return s.listFn(ctx, ownerID, pager)
}

func (s *stubReferralService) DeactivateCode(ctx context.Context, cmd services.DeactivateReferralCodeCommand) error {
	if s.deactivateFn == nil {
		return nil
	}
	return s.deactivateFn(ctx, cmd)
}

var _ services.ReferralService = (*stubReferralService)(nil)

type stubCommissionService struct {
	recordFn  func(context.Context, services.RecordSignupCommand) (services.CommissionRecord, error)
	confirmFn func(context.Context, string) (services.CommissionRecord, error)
	balanceFn func(context.Context, string) (services.ReferralBalance, error)
	historyFn func(context.Context, services.CommissionHistoryCommand) (domain.CursorPage[services.CommissionRecord], error)
}

func (s *stubCommissionService) RecordSignup(ctx context.Context, cmd services.RecordSignupCommand) (services.CommissionRecord, error) {
	if s.recordFn == nil {
		return services.CommissionRecord{}, nil
	}
	return s.recordFn(ctx, cmd)
}

func (s *stubCommissionService) ConfirmSignup(ctx context.Context, recordID string) (services.CommissionRecord, error) {
	if s.confirmFn == nil {
		return services.CommissionRecord{}, nil
	}
	return s.confirmFn(ctx, recordID)
}

func (s *stubCommissionService) Balance(ctx context.Context, referrerID string) (services.ReferralBalance, error) {
	if s.balanceFn == nil {
		return services.ReferralBalance{}, nil
	}
	return s.balanceFn(ctx, referrerID)
}

func (s *stubCommissionService) History(ctx context.Context, cmd services.CommissionHistoryCommand) (domain.CursorPage[services.CommissionRecord], error) {
	if s.historyFn == nil {
		return domain.CursorPage[services.CommissionRecord]{}, nil
	}
	return s.historyFn(ctx, cmd)
}

var _ services.CommissionService = (*stubCommissionService)(nil)

func newReferralTestRouter(referrals services.ReferralService, commissions services.CommissionService, opts ...ReferralHandlersOption) *chi.Mux {
	router := chi.NewRouter()
	handler := NewReferralHandlers(nil, referrals, commissions, opts...)
	handler.Routes(router)
	return router
}

func withTestIdentity(req *http.Request, uid string) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid}))
}

func TestReferralHandlersValidateCode(t *testing.T) {
	var captured services.ValidateReferralCommand
	router := newReferralTestRouter(&stubReferralService{
		validateFn: func(ctx context.Context, cmd services.ValidateReferralCommand) (services.ReferralValidation, error) {
			captured = cmd
			return services.ReferralValidation{
				Code:           "SAVE50",
				IsValid:        true,
				DiscountAmount: 50,
			}, nil
		},
	}, &stubCommissionService{})

	req := withTestIdentity(httptest.NewRequest(http.MethodGet, "/validate?code=save50", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Code != "save50" || captured.UserID != "user-1" {
		t.Fatalf("unexpected validate command: %+v", captured)
	}
	if len(captured.Items) != 0 {
		t.Fatalf("validate endpoint must not pass cart items, got %d", len(captured.Items))
	}

	var resp referralValidationResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Valid || resp.Code != "SAVE50" || resp.DiscountAmount != 50 {
		t.Fatalf("unexpected validation response: %+v", resp)
	}
}

func TestReferralHandlersValidateCodeReportsReason(t *testing.T) {
	router := newReferralTestRouter(&stubReferralService{
		validateFn: func(context.Context, services.ValidateReferralCommand) (services.ReferralValidation, error) {
			return services.ReferralValidation{
				Code:    "EXPIRED1",
				IsValid: false,
				Reason:  domain.ReferralReasonExpired,
			}, nil
		},
	}, &stubCommissionService{})

	req := withTestIdentity(httptest.NewRequest(http.MethodGet, "/validate?code=EXPIRED1", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp referralValidationResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Valid {
		t.Fatalf("expected invalid result")
	}
	if resp.Reason != string(domain.ReferralReasonExpired) {
		t.Fatalf("expected expired reason, got %q", resp.Reason)
	}
}

func TestReferralHandlersValidateCodeRequiresCodeParam(t *testing.T) {
	router := newReferralTestRouter(&stubReferralService{}, &stubCommissionService{})

	req := withTestIdentity(httptest.NewRequest(http.MethodGet, "/validate", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestReferralHandlersValidateCodeRateLimited(t *testing.T) {
	router := newReferralTestRouter(&stubReferralService{
		validateFn: func(context.Context, services.ValidateReferralCommand) (services.ReferralValidation, error) {
			return services.ReferralValidation{Code: "SAVE50", IsValid: true}, nil
		},
	}, &stubCommissionService{}, WithReferralValidateRateLimit(2, time.Minute))

	for i := 0; i < 2; i++ {
		req := withTestIdentity(httptest.NewRequest(http.MethodGet, "/validate?code=SAVE50", nil), "user-1")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected status 200, got %d", i+1, rr.Code)
		}
	}

	req := withTestIdentity(httptest.NewRequest(http.MethodGet, "/validate?code=SAVE50", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", rr.Code)
	}
	var errResp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	if errResp["error"] != "rate_limited" {
		t.Fatalf("expected rate_limited, got %#v", errResp["error"])
	}
}

func TestReferralHandlersStats(t *testing.T) {
	router := newReferralTestRouter(&stubReferralService{}, &stubCommissionService{
		balanceFn: func(ctx context.Context, referrerID string) (services.ReferralBalance, error) {
			if referrerID != "user-1" {
				t.Fatalf("expected balance lookup for user-1, got %s", referrerID)
			}
			return services.ReferralBalance{
				ReferrerID:       referrerID,
				Earned:           500,
				PendingClearance: 120,
				Withdrawn:        200,
				Available:        300,
			}, nil
		},
	})

	req := withTestIdentity(httptest.NewRequest(http.MethodGet, "/stats", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp referralStatsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Available != 300 || resp.Earned != 500 || resp.Withdrawn != 200 || resp.PendingClearance != 120 {
		t.Fatalf("unexpected stats payload: %+v", resp)
	}
}

func TestReferralHandlersHistoryPropagatesFilters(t *testing.T) {
	orderID := "ord_1"
	var captured services.CommissionHistoryCommand
	router := newReferralTestRouter(&stubReferralService{}, &stubCommissionService{
		historyFn: func(ctx context.Context, cmd services.CommissionHistoryCommand) (domain.CursorPage[services.CommissionRecord], error) {
			captured = cmd
			return domain.CursorPage[services.CommissionRecord]{
				Items: []services.CommissionRecord{
					{
						ID:               "comm_1",
						ReferredEmail:    "friend@example.com",
						Status:           domain.CommissionStatusPurchased,
						CommissionAmount: 60,
						OrderAmount:      600,
						OrderID:          &orderID,
						CreatedAt:        time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
					},
				},
				NextPageToken: "cursor-2",
			}, nil
		},
	})

	req := withTestIdentity(httptest.NewRequest(http.MethodGet, "/history?status=purchased&page_size=5", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.ReferrerID != "user-1" {
		t.Fatalf("expected history scoped to user-1, got %s", captured.ReferrerID)
	}
	if len(captured.Status) != 1 || captured.Status[0] != domain.CommissionStatusPurchased {
		t.Fatalf("expected purchased status filter, got %#v", captured.Status)
	}
	if captured.Pagination.PageSize != 5 {
		t.Fatalf("expected page size 5, got %d", captured.Pagination.PageSize)
	}

	var resp commissionHistoryResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Items) != 1 {
		t.Fatalf("expected 1 record, got %d", len(resp.Items))
	}
	if resp.Items[0].OrderID != "ord_1" || resp.Items[0].CommissionAmount != 60 {
		t.Fatalf("unexpected history record: %+v", resp.Items[0])
	}
	if resp.NextPageToken != "cursor-2" {
		t.Fatalf("expected next page token cursor-2, got %q", resp.NextPageToken)
	}
}

func TestReferralHandlersHistoryRejectsUnknownStatus(t *testing.T) {
	router := newReferralTestRouter(&stubReferralService{}, &stubCommissionService{})

	req := withTestIdentity(httptest.NewRequest(http.MethodGet, "/history?status=laundered", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestReferralHandlersCreateCode(t *testing.T) {
	var captured services.CreateReferralCodeCommand
	router := newReferralTestRouter(&stubReferralService{
		createFn: func(ctx context.Context, cmd services.CreateReferralCodeCommand) (services.ReferralCode, error) {
			captured = cmd
			return services.ReferralCode{
				ID:             "rc_1",
				Code:           "SAVE50",
				OwnerID:        cmd.OwnerID,
				DiscountAmount: 50,
				CommissionRate: 0.1,
				MaxUses:        100,
				IsActive:       true,
				CreatedAt:      time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC),
			}, nil
		},
	}, &stubCommissionService{})

	payload := `{"code":"SAVE50","discountAmount":50,"commissionRate":0.1,"maxUses":100,"excludedCategories":["Restricted"]}`
	req := withTestIdentity(httptest.NewRequest(http.MethodPost, "/codes", bytes.NewBufferString(payload)), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OwnerID != "user-1" || captured.Code != "SAVE50" {
		t.Fatalf("unexpected create command: %+v", captured)
	}
	if captured.DiscountAmount == nil || *captured.DiscountAmount != 50 {
		t.Fatalf("expected discount amount 50, got %v", captured.DiscountAmount)
	}
	if len(captured.ExcludedCategories) != 1 || captured.ExcludedCategories[0] != domain.ProductCategory("restricted") {
		t.Fatalf("expected normalized excluded categories, got %#v", captured.ExcludedCategories)
	}

	var resp referralCodePayload
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.ID != "rc_1" || !resp.IsActive {
		t.Fatalf("unexpected code payload: %+v", resp)
	}
}

func TestReferralHandlersCreateCodeConflict(t *testing.T) {
	router := newReferralTestRouter(&stubReferralService{
		createFn: func(context.Context, services.CreateReferralCodeCommand) (services.ReferralCode, error) {
			return services.ReferralCode{}, services.ErrReferralCodeExists
		},
	}, &stubCommissionService{})

	req := withTestIdentity(httptest.NewRequest(http.MethodPost, "/codes", bytes.NewBufferString(`{"code":"SAVE50"}`)), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
	var errResp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	if errResp["error"] != "referral_code_exists" {
		t.Fatalf("expected referral_code_exists, got %#v", errResp["error"])
	}
}

func TestReferralHandlersDeactivateCode(t *testing.T) {
	var captured services.DeactivateReferralCodeCommand
	router := newReferralTestRouter(&stubReferralService{
		deactivateFn: func(ctx context.Context, cmd services.DeactivateReferralCodeCommand) error {
			captured = cmd
			return nil
		},
	}, &stubCommissionService{})

	req := withTestIdentity(httptest.NewRequest(http.MethodPost, "/codes/rc_1/deactivate", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.CodeID != "rc_1" || captured.ActorID != "user-1" {
		t.Fatalf("unexpected deactivate command: %+v", captured)
	}
}

func TestReferralHandlersDeactivateCodeNotFound(t *testing.T) {
	router := newReferralTestRouter(&stubReferralService{
		deactivateFn: func(context.Context, services.DeactivateReferralCodeCommand) error {
			return services.ErrReferralCodeNotFound
		},
	}, &stubCommissionService{})

	req := withTestIdentity(httptest.NewRequest(http.MethodPost, "/codes/rc_missing/deactivate", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestReferralHandlersUnauthenticated(t *testing.T) {
	router := newReferralTestRouter(&stubReferralService{}, &stubCommissionService{})

	paths := []string{"/validate?code=SAVE50", "/stats", "/history", "/codes"}
	for _, path := range paths {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected status 401, got %d", path, rr.Code)
		}
	}
}

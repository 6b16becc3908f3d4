package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	domain "github.com/herbcart/api/internal/domain"
	"github.com/herbcart/api/internal/repositories"
)

var (
	// ErrReferralInvalidInput indicates the caller supplied invalid input parameters.
	ErrReferralInvalidInput = errors.New("referral: invalid input")
	// ErrReferralUnavailable indicates referral dependencies are currently unavailable.
	ErrReferralUnavailable = errors.New("referral: unavailable")
	// ErrReferralCodeExists indicates a referral code with the same value already exists.
	ErrReferralCodeExists = errors.New("referral: code already exists")
	// ErrReferralCodeNotFound indicates no referral code matched the lookup.
	ErrReferralCodeNotFound = errors.New("referral: code not found")
	// ErrReferralCodeRejected indicates the code exists but failed a validation rule.
	ErrReferralCodeRejected = errors.New("referral: code rejected")
)

// ReferralDefaults fills optional fields when creating new codes.
type ReferralDefaults struct {
	DiscountAmount     int64
	CommissionRate     float64
	MaxUses            int
	ExcludedCategories []ProductCategory
}

// ReferralServiceDeps wires the dependencies required by the referral service.
type ReferralServiceDeps struct {
	Codes             repositories.ReferralCodeRepository
	Defaults          ReferralDefaults
	AllowSelfReferral bool
	IDGen             func() string
	Clock             func() time.Time
	Logger            func(ctx context.Context, event string, fields map[string]any)
}

type referralService struct {
	codes     repositories.ReferralCodeRepository
	defaults  ReferralDefaults
	allowSelf bool
	idGen     func() string
	now       func() time.Time
	logger    func(ctx context.Context, event string, fields map[string]any)
}

// NewReferralService constructs a ReferralService validating required dependencies.
func NewReferralService(deps ReferralServiceDeps) (ReferralService, error) {
	if deps.Codes == nil {
		return nil, errors.New("referral service: code repository is required")
	}
	if deps.IDGen == nil {
		return nil, errors.New("referral service: id generator is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &referralService{
		codes:     deps.Codes,
		defaults:  deps.Defaults,
		allowSelf: deps.AllowSelfReferral,
		idGen:     deps.IDGen,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateCode registers a new referral code for an owner, applying configured
// defaults for any omitted limits.
func (s *referralService) CreateCode(ctx context.Context, cmd CreateReferralCodeCommand) (ReferralCode, error) {
	ownerID := strings.TrimSpace(cmd.OwnerID)
	code := normaliseReferralCode(cmd.Code)
	if ownerID == "" || code == "" {
		return ReferralCode{}, ErrReferralInvalidInput
	}

	discount := s.defaults.DiscountAmount
	if cmd.DiscountAmount != nil {
		discount = *cmd.DiscountAmount
	}
	rate := s.defaults.CommissionRate
	if cmd.CommissionRate != nil {
		rate = *cmd.CommissionRate
	}
	maxUses := s.defaults.MaxUses
	if cmd.MaxUses != nil {
		maxUses = *cmd.MaxUses
	}
	if discount < 0 || rate < 0 || rate > 100 || maxUses <= 0 {
		return ReferralCode{}, ErrReferralInvalidInput
	}
	if cmd.ExpiryDate != nil && cmd.ExpiryDate.Before(s.now()) {
		return ReferralCode{}, fmt.Errorf("%w: expiry date is in the past", ErrReferralInvalidInput)
	}

	excluded := cmd.ExcludedCategories
	if excluded == nil {
		excluded = s.defaults.ExcludedCategories
	}

	now := s.now()
	record := ReferralCode{
		ID:                 s.idGen(),
		Code:               code,
		OwnerID:            ownerID,
		DiscountAmount:     discount,
		CommissionRate:     rate,
		MaxUses:            maxUses,
		CurrentUses:        0,
		IsActive:           true,
		ExpiryDate:         cmd.ExpiryDate,
		ExcludedCategories: excluded,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.codes.Insert(ctx, record); err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsConflict() {
			return ReferralCode{}, ErrReferralCodeExists
		}
		return ReferralCode{}, s.translateError(ctx, "referral.create", err)
	}
	return record, nil
}

// ValidateCode evaluates a code against the caller's cart. Rule failures are
// reported through the Reason field, not as errors; a valid code over a fully
// excluded cart succeeds with a zero discount.
func (s *referralService) ValidateCode(ctx context.Context, cmd ValidateReferralCommand) (ReferralValidation, error) {
	code := normaliseReferralCode(cmd.Code)
	if code == "" {
		return ReferralValidation{}, ErrReferralInvalidInput
	}

	record, err := s.codes.FindByCode(ctx, code)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return ReferralValidation{Code: code, Reason: domain.ReferralReasonNotFound}, nil
		}
		return ReferralValidation{}, s.translateError(ctx, "referral.validate", err)
	}

	if reason := s.rejectReason(record, strings.TrimSpace(cmd.UserID)); reason != "" {
		return ReferralValidation{Code: record.Code, Reason: reason}, nil
	}

	if len(cmd.Items) > 0 && !hasEligibleItem(cmd.Items, record.ExcludedCategories) {
		return ReferralValidation{
			Code:    record.Code,
			IsValid: true,
			Reason:  domain.ReferralReasonNoEligibleItems,
		}, nil
	}

	return ReferralValidation{
		Code:           record.Code,
		IsValid:        true,
		DiscountAmount: record.DiscountAmount,
	}, nil
}

// ConsumeCode redeems a code for a finalized order: the usage counter moves by
// exactly one and exactly one purchased commission record is written. The
// order id guards against replays.
func (s *referralService) ConsumeCode(ctx context.Context, cmd ConsumeReferralCommand) (ReferralConsumeResult, error) {
	code := normaliseReferralCode(cmd.Code)
	userID := strings.TrimSpace(cmd.UserID)
	orderID := strings.TrimSpace(cmd.OrderID)
	if code == "" || userID == "" || orderID == "" {
		return ReferralConsumeResult{}, ErrReferralInvalidInput
	}
	if cmd.OrderAmount < 0 {
		return ReferralConsumeResult{}, fmt.Errorf("%w: order amount cannot be negative", ErrReferralInvalidInput)
	}

	record, err := s.codes.FindByCode(ctx, code)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return ReferralConsumeResult{}, ErrReferralCodeNotFound
		}
		return ReferralConsumeResult{}, s.translateError(ctx, "referral.consume", err)
	}
	if reason := s.rejectReason(record, userID); reason != "" {
		return ReferralConsumeResult{}, fmt.Errorf("%w: %s", ErrReferralCodeRejected, reason)
	}

	now := s.now()
	commission := CommissionRecord{
		ID:               s.idGen(),
		ReferrerID:       record.OwnerID,
		ReferredUserID:   userID,
		ReferredEmail:    strings.TrimSpace(cmd.UserEmail),
		ReferralCodeID:   record.ID,
		ProductID:        cmd.ProductID,
		OrderID:          &orderID,
		Status:           domain.CommissionStatusPurchased,
		CommissionAmount: commissionAmount(cmd.OrderAmount, record.CommissionRate),
		OrderAmount:      cmd.OrderAmount,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	result, err := s.codes.Consume(ctx, repositories.ConsumeReferralRequest{
		CodeID:      record.ID,
		UsedBy:      userID,
		UsedByEmail: commission.ReferredEmail,
		OrderID:     orderID,
		Commission:  commission,
		Now:         now,
	})
	if err != nil {
		if repositories.LedgerErrorHasCode(err, repositories.LedgerErrorCodeExhausted) {
			return ReferralConsumeResult{}, fmt.Errorf("%w: %s", ErrReferralCodeRejected, domain.ReferralReasonExhausted)
		}
		if repositories.LedgerErrorHasCode(err, repositories.LedgerErrorCodeInactive) {
			return ReferralConsumeResult{}, fmt.Errorf("%w: %s", ErrReferralCodeRejected, domain.ReferralReasonInactive)
		}
		return ReferralConsumeResult{}, s.translateError(ctx, "referral.consume", err)
	}

	if result.Replayed {
		s.logger(ctx, "referral.consume_replayed", map[string]any{
			"codeId":  record.ID,
			"orderId": orderID,
		})
	}
	return ReferralConsumeResult{
		Code:       result.Code,
		Commission: result.Commission,
		Replayed:   result.Replayed,
	}, nil
}

func (s *referralService) ListCodes(ctx context.Context, ownerID string, pager Pagination) (domain.CursorPage[ReferralCode], error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return domain.CursorPage[ReferralCode]{}, ErrReferralInvalidInput
	}
	page, err := s.codes.ListByOwner(ctx, ownerID, pager)
	if err != nil {
		return domain.CursorPage[ReferralCode]{}, s.translateError(ctx, "referral.list", err)
	}
	return page, nil
}

func (s *referralService) DeactivateCode(ctx context.Context, cmd DeactivateReferralCodeCommand) error {
	codeID := strings.TrimSpace(cmd.CodeID)
	if codeID == "" {
		return ErrReferralInvalidInput
	}
	if err := s.codes.Deactivate(ctx, codeID, s.now()); err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return ErrReferralCodeNotFound
		}
		return s.translateError(ctx, "referral.deactivate", err)
	}
	return nil
}

// rejectReason applies the hard validation rules in their documented order.
func (s *referralService) rejectReason(record ReferralCode, userID string) ReferralRejectReason {
	if !record.IsActive {
		return domain.ReferralReasonInactive
	}
	if record.ExpiryDate != nil && record.ExpiryDate.Before(s.now()) {
		return domain.ReferralReasonExpired
	}
	if record.MaxUses > 0 && record.CurrentUses >= record.MaxUses {
		return domain.ReferralReasonExhausted
	}
	if !s.allowSelf && userID != "" && strings.EqualFold(record.OwnerID, userID) {
		return domain.ReferralReasonSelfReferral
	}
	return ""
}

func (s *referralService) translateError(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	s.logger(ctx, op+"_failed", map[string]any{"error": err.Error()})
	return fmt.Errorf("%w: %s", ErrReferralUnavailable, op)
}

func normaliseReferralCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func hasEligibleItem(items []CartItem, excluded []ProductCategory) bool {
	if len(excluded) == 0 {
		return true
	}
	blocked := make(map[ProductCategory]struct{}, len(excluded))
	for _, category := range excluded {
		blocked[category] = struct{}{}
	}
	for _, item := range items {
		if _, ok := blocked[item.Category]; !ok {
			return true
		}
	}
	return false
}

func commissionAmount(orderAmount int64, rate float64) int64 {
	if orderAmount <= 0 || rate <= 0 {
		return 0
	}
	return int64(math.Round(float64(orderAmount) * rate / 100))
}

package services

import (
	"context"
	"errors"
	"fmt"
	"math"

	domain "github.com/herbcart/api/internal/domain"
)

var (
	// ErrPricingInvalidInput signals bad request data such as non-positive quantities or negative prices.
	ErrPricingInvalidInput = errors.New("pricing: invalid input")
)

const (
	// ShippingChannelNone indicates no shipping fee applies to the cart.
	ShippingChannelNone = "none"
	// ShippingChannelRestricted indicates the flat restricted-category fee applies.
	ShippingChannelRestricted = "restricted"
	// ShippingChannelStandard indicates the tiered tech and home fee applies.
	ShippingChannelStandard = "standard"
)

// ShippingRules parameterises the category-tiered shipping model and the
// platform fee. Amounts are whole rupees.
type ShippingRules struct {
	RestrictedCategories []ProductCategory
	RestrictedFee        int64
	BaseFee              int64
	BaseUnits            int
	PerUnitExtra         int64
	PlatformFeePercent   int64
}

// CartPricingEngine derives order totals from cart snapshots. All outputs are
// deterministic functions of the input command and the configured rules.
type CartPricingEngine struct {
	rules      ShippingRules
	restricted map[ProductCategory]struct{}
	logger     func(context.Context, string, map[string]any)
}

type CartPricingEngineDeps struct {
	Rules  ShippingRules
	Logger func(context.Context, string, map[string]any)
}

func NewCartPricingEngine(deps CartPricingEngineDeps) (*CartPricingEngine, error) {
	rules := deps.Rules
	if rules.BaseUnits <= 0 {
		return nil, errors.New("cart pricing engine: base units must be positive")
	}
	if rules.RestrictedFee < 0 || rules.BaseFee < 0 || rules.PerUnitExtra < 0 {
		return nil, errors.New("cart pricing engine: shipping fees cannot be negative")
	}
	if rules.PlatformFeePercent < 0 || rules.PlatformFeePercent > 100 {
		return nil, errors.New("cart pricing engine: platform fee percent must be within [0, 100]")
	}
	if len(rules.RestrictedCategories) == 0 {
		rules.RestrictedCategories = []ProductCategory{domain.CategoryAyurvedic}
	}

	restricted := make(map[ProductCategory]struct{}, len(rules.RestrictedCategories))
	for _, category := range rules.RestrictedCategories {
		restricted[category] = struct{}{}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &CartPricingEngine{
		rules:      rules,
		restricted: restricted,
		logger:     logger,
	}, nil
}

// Quote prices the cart snapshot. Subtotal and the platform fee are computed
// on pre-discount prices; referral discount and coins reduce the final total,
// which never drops below zero.
func (e *CartPricingEngine) Quote(ctx context.Context, cmd QuoteCartCommand) (PricingBreakdown, error) {
	if e == nil {
		return PricingBreakdown{}, errors.New("cart pricing engine: not initialised")
	}
	if cmd.ReferralDiscount < 0 {
		return PricingBreakdown{}, fmt.Errorf("%w: referral discount cannot be negative", ErrPricingInvalidInput)
	}
	if cmd.CoinsApplied < 0 {
		return PricingBreakdown{}, fmt.Errorf("%w: coins applied cannot be negative", ErrPricingInvalidInput)
	}

	itemBreakdowns := make([]ItemPricingBreakdown, 0, len(cmd.Items))
	var subtotal, discount int64

	for _, item := range cmd.Items {
		if item.Quantity <= 0 {
			return PricingBreakdown{}, fmt.Errorf("%w: item %s quantity must be positive", ErrPricingInvalidInput, item.ProductID)
		}
		if item.EffectivePrice < 0 || item.OriginalPrice < 0 {
			return PricingBreakdown{}, fmt.Errorf("%w: item %s price cannot be negative", ErrPricingInvalidInput, item.ProductID)
		}

		quantity := int64(item.Quantity)
		original := item.OriginalPrice
		if original < item.EffectivePrice {
			original = item.EffectivePrice
		}
		if original > 0 && original > math.MaxInt64/quantity {
			return PricingBreakdown{}, fmt.Errorf("%w: item %s subtotal overflow", ErrPricingInvalidInput, item.ProductID)
		}

		lineOriginal := original * quantity
		lineEffective := item.EffectivePrice * quantity
		lineDiscount := lineOriginal - lineEffective

		if lineOriginal > 0 && subtotal > math.MaxInt64-lineOriginal {
			return PricingBreakdown{}, fmt.Errorf("%w: cart subtotal overflow", ErrPricingInvalidInput)
		}
		subtotal += lineOriginal
		discount += lineDiscount

		itemBreakdowns = append(itemBreakdowns, ItemPricingBreakdown{
			ProductID:      item.ProductID,
			Category:       item.Category,
			Quantity:       item.Quantity,
			OriginalPrice:  original,
			EffectivePrice: item.EffectivePrice,
			Subtotal:       lineOriginal,
			Discount:       lineDiscount,
			Total:          lineEffective,
		})
	}

	shippingDetail := e.calculateShipping(cmd.Items)
	platformFee := subtotal * e.rules.PlatformFeePercent / 100

	total := subtotal - discount + shippingDetail.Amount + platformFee
	total -= cmd.ReferralDiscount
	total -= cmd.CoinsApplied
	if total < 0 {
		e.logger(ctx, "pricing_total_clamped", map[string]any{
			"subtotal":         subtotal,
			"referralDiscount": cmd.ReferralDiscount,
			"coinsApplied":     cmd.CoinsApplied,
		})
		total = 0
	}

	return PricingBreakdown{
		Subtotal:       subtotal,
		Discount:       discount,
		Shipping:       shippingDetail.Amount,
		PlatformFee:    platformFee,
		Total:          total,
		Items:          itemBreakdowns,
		ShippingDetail: shippingDetail,
	}, nil
}

// calculateShipping applies the category rules: any restricted item pins the
// flat fee, otherwise tech and home units share one tiered fee, and carts with
// neither ship free.
func (e *CartPricingEngine) calculateShipping(items []CartItem) ShippingBreakdown {
	tieredUnits := 0
	for _, item := range items {
		if _, ok := e.restricted[item.Category]; ok {
			return ShippingBreakdown{
				Channel: ShippingChannelRestricted,
				BaseFee: e.rules.RestrictedFee,
				Amount:  e.rules.RestrictedFee,
			}
		}
		if item.Category == domain.CategoryTech || item.Category == domain.CategoryHome {
			tieredUnits += item.Quantity
		}
	}

	if tieredUnits == 0 {
		return ShippingBreakdown{Channel: ShippingChannelNone}
	}

	amount := e.rules.BaseFee
	if extra := tieredUnits - e.rules.BaseUnits; extra > 0 {
		amount += e.rules.PerUnitExtra * int64(extra)
	}
	return ShippingBreakdown{
		Channel:      ShippingChannelStandard,
		BaseFee:      e.rules.BaseFee,
		PerUnitExtra: e.rules.PerUnitExtra,
		UnitsCharged: tieredUnits,
		Amount:       amount,
	}
}

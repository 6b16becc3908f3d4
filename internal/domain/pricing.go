package domain

// PricingBreakdown captures the aggregated monetary results of pricing a cart.
// All amounts are whole rupees.
type PricingBreakdown struct {
	Subtotal       int64
	Discount       int64
	Shipping       int64
	PlatformFee    int64
	Total          int64
	Items          []ItemPricingBreakdown
	ShippingDetail ShippingBreakdown
}

// ItemPricingBreakdown stores the per-item pricing outputs after running the engine.
type ItemPricingBreakdown struct {
	ProductID      string
	Category       ProductCategory
	Quantity       int
	OriginalPrice  int64
	EffectivePrice int64
	Subtotal       int64
	Discount       int64
	Total          int64
}

// ShippingBreakdown records how the shipping fee was derived.
type ShippingBreakdown struct {
	Channel      string
	BaseFee      int64
	PerUnitExtra int64
	UnitsCharged int
	Amount       int64
}

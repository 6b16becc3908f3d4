package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/herbcart/api/internal/domain"
	pfirestore "github.com/herbcart/api/internal/platform/firestore"
	"github.com/herbcart/api/internal/repositories"
)

const checkoutSessionCollection = "checkoutSessions"

// CheckoutSessionRepository stores pending gateway orders awaiting payment
// confirmation. The quoted breakdown is frozen on the document so confirm
// never re-derives amounts from mutable state.
type CheckoutSessionRepository struct {
	base     *pfirestore.BaseRepository[checkoutSessionDocument]
	provider *pfirestore.Provider
}

// NewCheckoutSessionRepository constructs a Firestore-backed session repository.
func NewCheckoutSessionRepository(provider *pfirestore.Provider) (*CheckoutSessionRepository, error) {
	if provider == nil {
		return nil, errors.New("checkout session repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[checkoutSessionDocument](provider, checkoutSessionCollection, nil, nil)
	return &CheckoutSessionRepository{base: base, provider: provider}, nil
}

// Insert creates the session document, failing on duplicate IDs.
func (r *CheckoutSessionRepository) Insert(ctx context.Context, session domain.CheckoutSession) error {
	if r == nil || r.base == nil {
		return errors.New("checkout session repository not initialised")
	}
	sessionID := strings.TrimSpace(session.ID)
	if sessionID == "" {
		return errors.New("checkout session repository: session id is required")
	}
	if strings.TrimSpace(session.GatewayOrderID) == "" {
		return errors.New("checkout session repository: gateway order id is required")
	}

	ref, err := r.base.DocumentRef(ctx, sessionID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, newCheckoutSessionDocument(session)); err != nil {
		return pfirestore.WrapError("checkoutSessions.insert", err)
	}
	return nil
}

// FindByGatewayOrderID locates the session created for a gateway order.
func (r *CheckoutSessionRepository) FindByGatewayOrderID(ctx context.Context, gatewayOrderID string) (domain.CheckoutSession, error) {
	if r == nil || r.base == nil {
		return domain.CheckoutSession{}, errors.New("checkout session repository not initialised")
	}
	gatewayOrderID = strings.TrimSpace(gatewayOrderID)
	if gatewayOrderID == "" {
		return domain.CheckoutSession{}, errors.New("checkout session repository: gateway order id is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("gatewayOrderId", "==", gatewayOrderID).Limit(1)
	})
	if err != nil {
		return domain.CheckoutSession{}, err
	}
	if len(docs) == 0 {
		return domain.CheckoutSession{}, pfirestore.WrapError("checkoutSessions.findByGatewayOrderId", status.Error(codes.NotFound, "checkout session not found"))
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

// UpdateStatus sets only the status field.
func (r *CheckoutSessionRepository) UpdateStatus(ctx context.Context, sessionID string, sessionStatus string, now time.Time) error {
	if r == nil || r.base == nil {
		return errors.New("checkout session repository not initialised")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("checkout session repository: session id is required")
	}

	_, err := r.base.Update(ctx, sessionID, []firestore.Update{
		{Path: "status", Value: strings.TrimSpace(sessionStatus)},
		{Path: "updatedAt", Value: now.UTC()},
	})
	return err
}

type checkoutSessionDocument struct {
	UserID           string              `firestore:"userId"`
	CartID           string              `firestore:"cartId,omitempty"`
	Items            []orderItemDocument `firestore:"items"`
	GatewayOrderID   string              `firestore:"gatewayOrderId"`
	AmountMinorUnits int64               `firestore:"amountMinorUnits"`
	Currency         string              `firestore:"currency"`
	Subtotal         int64               `firestore:"subtotal"`
	Discount         int64               `firestore:"discount"`
	Shipping         int64               `firestore:"shipping"`
	PlatformFee      int64               `firestore:"platformFee"`
	QuoteTotal       int64               `firestore:"quoteTotal"`
	ReferralCode     string              `firestore:"referralCode,omitempty"`
	ReferralDiscount int64               `firestore:"referralDiscount"`
	CoinsRequested   int64               `firestore:"coinsRequested"`
	CoinsApplied     int64               `firestore:"coinsApplied"`
	FinalTotal       int64               `firestore:"finalTotal"`
	Status           string              `firestore:"status"`
	ExpiresAt        time.Time           `firestore:"expiresAt"`
	CreatedAt        time.Time           `firestore:"createdAt"`
	UpdatedAt        time.Time           `firestore:"updatedAt"`
}

func newCheckoutSessionDocument(session domain.CheckoutSession) checkoutSessionDocument {
	items := make([]orderItemDocument, len(session.Items))
	for i, item := range session.Items {
		items[i] = newOrderItemDocument(item)
	}
	return checkoutSessionDocument{
		UserID:           strings.TrimSpace(session.UserID),
		CartID:           strings.TrimSpace(session.CartID),
		Items:            items,
		GatewayOrderID:   strings.TrimSpace(session.GatewayOrderID),
		AmountMinorUnits: session.AmountMinorUnits,
		Currency:         strings.ToUpper(strings.TrimSpace(session.Currency)),
		Subtotal:         session.Breakdown.Subtotal,
		Discount:         session.Breakdown.Discount,
		Shipping:         session.Breakdown.Shipping,
		PlatformFee:      session.Breakdown.PlatformFee,
		QuoteTotal:       session.Breakdown.Total,
		ReferralCode:     derefString(session.ReferralCode),
		ReferralDiscount: session.ReferralDiscount,
		CoinsRequested:   session.CoinsRequested,
		CoinsApplied:     session.CoinsApplied,
		FinalTotal:       session.FinalTotal,
		Status:           strings.TrimSpace(session.Status),
		ExpiresAt:        session.ExpiresAt.UTC(),
		CreatedAt:        session.CreatedAt.UTC(),
		UpdatedAt:        session.CreatedAt.UTC(),
	}
}

func (d checkoutSessionDocument) toDomain(id string) domain.CheckoutSession {
	items := make([]domain.OrderLineItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = domain.OrderLineItem{
			ProductID:      item.ProductID,
			SKU:            item.SKU,
			Name:           item.Name,
			Category:       domain.ProductCategory(item.Category),
			Quantity:       item.Quantity,
			OriginalPrice:  item.OriginalPrice,
			EffectivePrice: item.EffectivePrice,
			Total:          item.Total,
		}
	}
	return domain.CheckoutSession{
		ID:               id,
		UserID:           d.UserID,
		CartID:           d.CartID,
		Items:            items,
		GatewayOrderID:   d.GatewayOrderID,
		AmountMinorUnits: d.AmountMinorUnits,
		Currency:         d.Currency,
		Breakdown: domain.PricingBreakdown{
			Subtotal:    d.Subtotal,
			Discount:    d.Discount,
			Shipping:    d.Shipping,
			PlatformFee: d.PlatformFee,
			Total:       d.QuoteTotal,
		},
		ReferralCode:     optionalString(d.ReferralCode),
		ReferralDiscount: d.ReferralDiscount,
		CoinsRequested:   d.CoinsRequested,
		CoinsApplied:     d.CoinsApplied,
		FinalTotal:       d.FinalTotal,
		Status:           d.Status,
		ExpiresAt:        d.ExpiresAt,
		CreatedAt:        d.CreatedAt,
	}
}

var _ repositories.CheckoutSessionRepository = (*CheckoutSessionRepository)(nil)

package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/herbcart/api/internal/domain"
	pfirestore "github.com/herbcart/api/internal/platform/firestore"
	"github.com/herbcart/api/internal/platform/pagination"
	"github.com/herbcart/api/internal/repositories"
)

const (
	orderCollection             = "orders"
	orderGatewayIndexCollection = "orderGatewayIndex"
)

// OrderRepository persists finalized orders. Monetary fields are written once
// at insert and never touched by UpdateStatus.
type OrderRepository struct {
	provider     *pfirestore.Provider
	base         *pfirestore.BaseRepository[orderDocument]
	gatewayIndex *pfirestore.BaseRepository[orderGatewayIndexDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider:     provider,
		base:         pfirestore.NewBaseRepository[orderDocument](provider, orderCollection, nil, nil),
		gatewayIndex: pfirestore.NewBaseRepository[orderGatewayIndexDocument](provider, orderGatewayIndexCollection, nil, nil),
	}, nil
}

// Insert creates the order document together with a marker keyed by the
// gateway order id. Two writers racing on the same gateway order contend on
// the marker, so exactly one insert commits and the loser sees a conflict.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("order repository: order id is required")
	}
	if strings.TrimSpace(order.UserID) == "" {
		return errors.New("order repository: user id is required")
	}
	gatewayOrderID := strings.TrimSpace(order.GatewayOrderID)
	if gatewayOrderID == "" {
		return errors.New("order repository: gateway order id is required")
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		markerRef, err := r.gatewayIndex.DocumentRef(ctx, gatewayOrderID)
		if err != nil {
			return err
		}
		orderRef, err := r.base.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}

		if _, err := tx.Get(markerRef); err == nil {
			return status.Errorf(codes.AlreadyExists, "gateway order %s already recorded", gatewayOrderID)
		} else if status.Code(err) != codes.NotFound {
			return err
		}

		if err := tx.Create(orderRef, newOrderDocument(order)); err != nil {
			return err
		}
		return tx.Create(markerRef, orderGatewayIndexDocument{
			OrderID:   orderID,
			CreatedAt: order.CreatedAt.UTC(),
		})
	})
	if err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

// FindByID loads a single order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}

	doc, err := r.base.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByGatewayOrderID finds the order created for a gateway order, the replay
// lookup used by payment confirmation.
func (r *OrderRepository) FindByGatewayOrderID(ctx context.Context, gatewayOrderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	gatewayOrderID = strings.TrimSpace(gatewayOrderID)
	if gatewayOrderID == "" {
		return domain.Order{}, errors.New("order repository: gateway order id is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("gatewayOrderId", "==", gatewayOrderID).Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, pfirestore.WrapError("orders.findByGatewayOrderId", status.Error(codes.NotFound, "order not found"))
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

// UpdateStatus sets only the status and updatedAt fields.
func (r *OrderRepository) UpdateStatus(ctx context.Context, orderID string, orderStatus domain.OrderStatus, now time.Time) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}

	var updated domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", orderID, err)
		}

		doc.Status = string(orderStatus)
		doc.UpdatedAt = now.UTC()
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		updated = doc.toDomain(orderID)
		return nil
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.updateStatus", err)
	}
	return updated, nil
}

// List pages orders for a user or the admin console, newest first.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	limit := filter.Pagination.PageSize
	if limit <= 0 {
		limit = 50
	}
	fetchLimit := limit + 1

	build := func(q firestore.Query) firestore.Query {
		if userID := strings.TrimSpace(filter.UserID); userID != "" {
			q = q.Where("userId", "==", userID)
		}
		if len(filter.Status) == 1 {
			q = q.Where("status", "==", string(filter.Status[0]))
		} else if len(filter.Status) > 1 {
			statuses := make([]string, len(filter.Status))
			for i, s := range filter.Status {
				statuses[i] = string(s)
			}
			q = q.Where("status", "in", statuses)
		}
		if filter.DateRange.From != nil {
			q = q.Where("createdAt", ">=", filter.DateRange.From.UTC())
		}
		if filter.DateRange.To != nil {
			q = q.Where("createdAt", "<=", filter.DateRange.To.UTC())
		}
		q = q.OrderBy("createdAt", firestore.Desc).
			OrderBy(firestore.DocumentID, firestore.Desc).
			Limit(fetchLimit)
		if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
			if ts, id, err := pagination.DecodeCreatedAtCursor(token); err == nil {
				q = q.StartAfter(ts, id)
			}
		}
		return q
	}

	docs, err := r.base.Query(ctx, build)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	nextToken := ""
	if len(docs) == fetchLimit {
		last := docs[limit-1]
		nextToken = pagination.EncodeCreatedAtCursor(last.Data.CreatedAt, last.ID)
		docs = docs[:limit]
	}

	items := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		items = append(items, doc.Data.toDomain(doc.ID))
	}
	return domain.CursorPage[domain.Order]{Items: items, NextPageToken: nextToken}, nil
}

type orderGatewayIndexDocument struct {
	OrderID   string    `firestore:"orderId"`
	CreatedAt time.Time `firestore:"createdAt"`
}

type orderDocument struct {
	UserID           string              `firestore:"userId"`
	Items            []orderItemDocument `firestore:"items"`
	Subtotal         int64               `firestore:"subtotal"`
	DiscountAmount   int64               `firestore:"discountAmount"`
	ReferralCode     string              `firestore:"referralCode,omitempty"`
	ReferralDiscount int64               `firestore:"referralDiscount"`
	CoinsUsed        int64               `firestore:"coinsUsed"`
	ShippingFee      int64               `firestore:"shippingFee"`
	PlatformFee      int64               `firestore:"platformFee"`
	Total            int64               `firestore:"total"`
	PaymentMethod    string              `firestore:"paymentMethod,omitempty"`
	GatewayOrderID   string              `firestore:"gatewayOrderId"`
	GatewayPaymentID string              `firestore:"gatewayPaymentId,omitempty"`
	Status           string              `firestore:"status"`
	ShippingAddress  *addressDocument    `firestore:"shippingAddress,omitempty"`
	CreatedAt        time.Time           `firestore:"createdAt"`
	UpdatedAt        time.Time           `firestore:"updatedAt"`
}

type orderItemDocument struct {
	ProductID      string `firestore:"productId"`
	SKU            string `firestore:"sku"`
	Name           string `firestore:"name"`
	Category       string `firestore:"category"`
	Quantity       int    `firestore:"qty"`
	OriginalPrice  int64  `firestore:"originalPrice"`
	EffectivePrice int64  `firestore:"effectivePrice"`
	Total          int64  `firestore:"total"`
}

type addressDocument struct {
	Recipient  string `firestore:"recipient"`
	Line1      string `firestore:"line1"`
	Line2      string `firestore:"line2,omitempty"`
	City       string `firestore:"city"`
	State      string `firestore:"state,omitempty"`
	PostalCode string `firestore:"postalCode"`
	Country    string `firestore:"country"`
	Phone      string `firestore:"phone,omitempty"`
}

func newOrderDocument(order domain.Order) orderDocument {
	items := make([]orderItemDocument, len(order.Items))
	for i, item := range order.Items {
		items[i] = newOrderItemDocument(item)
	}
	return orderDocument{
		UserID:           strings.TrimSpace(order.UserID),
		Items:            items,
		Subtotal:         order.Subtotal,
		DiscountAmount:   order.DiscountAmount,
		ReferralCode:     derefString(order.ReferralCode),
		ReferralDiscount: order.ReferralDiscount,
		CoinsUsed:        order.CoinsUsed,
		ShippingFee:      order.ShippingFee,
		PlatformFee:      order.PlatformFee,
		Total:            order.Total,
		PaymentMethod:    strings.TrimSpace(order.PaymentMethod),
		GatewayOrderID:   strings.TrimSpace(order.GatewayOrderID),
		GatewayPaymentID: strings.TrimSpace(order.GatewayPaymentID),
		Status:           string(order.Status),
		ShippingAddress:  newAddressDocument(order.ShippingAddress),
		CreatedAt:        order.CreatedAt.UTC(),
		UpdatedAt:        order.UpdatedAt.UTC(),
	}
}

func newOrderItemDocument(item domain.OrderLineItem) orderItemDocument {
	return orderItemDocument{
		ProductID:      strings.TrimSpace(item.ProductID),
		SKU:            strings.TrimSpace(item.SKU),
		Name:           strings.TrimSpace(item.Name),
		Category:       string(item.Category),
		Quantity:       item.Quantity,
		OriginalPrice:  item.OriginalPrice,
		EffectivePrice: item.EffectivePrice,
		Total:          item.Total,
	}
}

func newAddressDocument(address *domain.Address) *addressDocument {
	if address == nil {
		return nil
	}
	return &addressDocument{
		Recipient:  strings.TrimSpace(address.Recipient),
		Line1:      strings.TrimSpace(address.Line1),
		Line2:      derefString(address.Line2),
		City:       strings.TrimSpace(address.City),
		State:      derefString(address.State),
		PostalCode: strings.TrimSpace(address.PostalCode),
		Country:    strings.TrimSpace(address.Country),
		Phone:      derefString(address.Phone),
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
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
	return domain.Order{
		ID:               id,
		UserID:           d.UserID,
		Items:            items,
		Subtotal:         d.Subtotal,
		DiscountAmount:   d.DiscountAmount,
		ReferralCode:     optionalString(d.ReferralCode),
		ReferralDiscount: d.ReferralDiscount,
		CoinsUsed:        d.CoinsUsed,
		ShippingFee:      d.ShippingFee,
		PlatformFee:      d.PlatformFee,
		Total:            d.Total,
		PaymentMethod:    d.PaymentMethod,
		GatewayOrderID:   d.GatewayOrderID,
		GatewayPaymentID: d.GatewayPaymentID,
		Status:           domain.OrderStatus(d.Status),
		ShippingAddress:  d.ShippingAddress.toDomain(),
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
}

func (d *addressDocument) toDomain() *domain.Address {
	if d == nil {
		return nil
	}
	return &domain.Address{
		Recipient:  d.Recipient,
		Line1:      d.Line1,
		Line2:      optionalString(d.Line2),
		City:       d.City,
		State:      optionalString(d.State),
		PostalCode: d.PostalCode,
		Country:    d.Country,
		Phone:      optionalString(d.Phone),
	}
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

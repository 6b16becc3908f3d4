package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/herbcart/api/internal/domain"
	pfirestore "github.com/herbcart/api/internal/platform/firestore"
	"github.com/herbcart/api/internal/repositories"
)

const cartCollection = "carts"

// CartRepository persists carts keyed by user ID with items stored inline.
type CartRepository struct {
	base     *pfirestore.BaseRepository[cartDocument]
	provider *pfirestore.Provider
}

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[cartDocument](provider, cartCollection, nil, nil)
	return &CartRepository{base: base, provider: provider}, nil
}

// UpsertCart writes the full cart document using the user ID as document identifier.
func (r *CartRepository) UpsertCart(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}

	userID := strings.TrimSpace(cart.UserID)
	if userID == "" {
		userID = strings.TrimSpace(cart.ID)
	}
	if userID == "" {
		return domain.Cart{}, errors.New("cart repository: user id is required")
	}

	updatedAt := cart.UpdatedAt.UTC()
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	doc := newCartDocument(cart, updatedAt)
	if _, err := r.base.Set(ctx, userID, doc); err != nil {
		return domain.Cart{}, err
	}
	return doc.toDomain(userID), nil
}

// GetCart loads the cart for the given user ID.
func (r *CartRepository) GetCart(ctx context.Context, userID string) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.Cart{}, errors.New("cart repository: user id is required")
	}

	doc, err := r.base.Get(ctx, uid)
	if err != nil {
		return domain.Cart{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// ClearCart empties the item list while keeping the cart document in place.
func (r *CartRepository) ClearCart(ctx context.Context, userID string, now time.Time) error {
	if r == nil || r.base == nil {
		return errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return errors.New("cart repository: user id is required")
	}

	doc := cartDocument{
		UserID:    uid,
		Items:     []cartItemDocument{},
		UpdatedAt: now.UTC(),
	}
	_, err := r.base.Set(ctx, uid, doc)
	return err
}

type cartDocument struct {
	UserID    string             `firestore:"userId"`
	Items     []cartItemDocument `firestore:"items"`
	Metadata  map[string]any     `firestore:"metadata,omitempty"`
	UpdatedAt time.Time          `firestore:"updatedAt"`
}

type cartItemDocument struct {
	ProductID      string    `firestore:"productId"`
	SKU            string    `firestore:"sku"`
	Name           string    `firestore:"name"`
	Category       string    `firestore:"category"`
	Quantity       int       `firestore:"qty"`
	OriginalPrice  int64     `firestore:"originalPrice"`
	EffectivePrice int64     `firestore:"effectivePrice"`
	AddedAt        time.Time `firestore:"addedAt"`
}

func newCartDocument(cart domain.Cart, updatedAt time.Time) cartDocument {
	items := make([]cartItemDocument, len(cart.Items))
	for i, item := range cart.Items {
		items[i] = cartItemDocument{
			ProductID:      strings.TrimSpace(item.ProductID),
			SKU:            strings.TrimSpace(item.SKU),
			Name:           strings.TrimSpace(item.Name),
			Category:       string(item.Category),
			Quantity:       item.Quantity,
			OriginalPrice:  item.OriginalPrice,
			EffectivePrice: item.EffectivePrice,
			AddedAt:        item.AddedAt.UTC(),
		}
	}
	return cartDocument{
		UserID:    strings.TrimSpace(cart.UserID),
		Items:     items,
		Metadata:  cloneAnyMap(cart.Metadata),
		UpdatedAt: updatedAt,
	}
}

func (d cartDocument) toDomain(id string) domain.Cart {
	items := make([]domain.CartItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = domain.CartItem{
			ProductID:      item.ProductID,
			SKU:            item.SKU,
			Name:           item.Name,
			Category:       domain.ProductCategory(item.Category),
			Quantity:       item.Quantity,
			OriginalPrice:  item.OriginalPrice,
			EffectivePrice: item.EffectivePrice,
			AddedAt:        item.AddedAt,
		}
	}
	userID := d.UserID
	if userID == "" {
		userID = id
	}
	return domain.Cart{
		ID:        id,
		UserID:    userID,
		Items:     items,
		Metadata:  cloneAnyMap(d.Metadata),
		UpdatedAt: d.UpdatedAt,
	}
}

func cloneAnyMap(values map[string]any) map[string]any {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

var _ repositories.CartRepository = (*CartRepository)(nil)

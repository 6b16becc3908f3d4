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
	"github.com/herbcart/api/internal/repositories"
)

const productCollection = "products"

// ProductRepository serves catalog lookups for pricing and checkout validation.
type ProductRepository struct {
	base     *pfirestore.BaseRepository[productDocument]
	provider *pfirestore.Provider
}

// NewProductRepository constructs a Firestore-backed product repository.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[productDocument](provider, productCollection, nil, nil)
	return &ProductRepository{base: base, provider: provider}, nil
}

// FindByID loads a single product document.
func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	if r == nil || r.base == nil {
		return domain.Product{}, errors.New("product repository not initialised")
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.Product{}, errors.New("product repository: product id is required")
	}

	doc, err := r.base.Get(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByIDs batch-loads products, skipping ids without a document.
func (r *ProductRepository) FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("product repository not initialised")
	}

	refs := make([]*firestore.DocumentRef, 0, len(productIDs))
	seen := make(map[string]struct{}, len(productIDs))
	for _, id := range productIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ref, err := r.base.DocumentRef(ctx, id)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	if len(refs) == 0 {
		return map[string]domain.Product{}, nil
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	snaps, err := client.GetAll(ctx, refs)
	if err != nil {
		return nil, pfirestore.WrapError("products.findByIds", err)
	}

	products := make(map[string]domain.Product, len(snaps))
	for _, snap := range snaps {
		if snap == nil || !snap.Exists() {
			continue
		}
		var doc productDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode product %s: %w", snap.Ref.ID, err)
		}
		products[snap.Ref.ID] = doc.toDomain(snap.Ref.ID)
	}
	return products, nil
}

// Upsert writes the product document keyed by its ID, preserving createdAt on updates.
func (r *ProductRepository) Upsert(ctx context.Context, product domain.Product) (domain.Product, error) {
	if r == nil || r.provider == nil {
		return domain.Product{}, errors.New("product repository not initialised")
	}
	productID := strings.TrimSpace(product.ID)
	if productID == "" {
		return domain.Product{}, errors.New("product repository: product id is required")
	}

	var saved domain.Product
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, productID)
		if err != nil {
			return err
		}

		doc := newProductDocument(product)
		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			var existing productDocument
			if err := snap.DataTo(&existing); err != nil {
				return fmt.Errorf("decode product %s: %w", productID, err)
			}
			if !existing.CreatedAt.IsZero() {
				doc.CreatedAt = existing.CreatedAt
			}
		case status.Code(err) == codes.NotFound:
			// first write keeps the caller-provided timestamps
		default:
			return err
		}

		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		saved = doc.toDomain(productID)
		return nil
	})
	if err != nil {
		return domain.Product{}, pfirestore.WrapError("products.upsert", err)
	}
	return saved, nil
}

type productDocument struct {
	SKU               string    `firestore:"sku"`
	Name              string    `firestore:"name"`
	Category          string    `firestore:"category"`
	OriginalPrice     int64     `firestore:"originalPrice"`
	EffectivePrice    int64     `firestore:"effectivePrice"`
	QuantityAvailable int       `firestore:"quantityAvailable"`
	IsActive          bool      `firestore:"isActive"`
	CommissionRate    float64   `firestore:"commissionRate"`
	CreatedAt         time.Time `firestore:"createdAt"`
	UpdatedAt         time.Time `firestore:"updatedAt"`
}

func newProductDocument(product domain.Product) productDocument {
	return productDocument{
		SKU:               strings.TrimSpace(product.SKU),
		Name:              strings.TrimSpace(product.Name),
		Category:          string(product.Category),
		OriginalPrice:     product.OriginalPrice,
		EffectivePrice:    product.EffectivePrice,
		QuantityAvailable: product.QuantityAvailable,
		IsActive:          product.IsActive,
		CommissionRate:    product.CommissionRate,
		CreatedAt:         product.CreatedAt.UTC(),
		UpdatedAt:         product.UpdatedAt.UTC(),
	}
}

func (d productDocument) toDomain(id string) domain.Product {
	return domain.Product{
		ID:                id,
		SKU:               d.SKU,
		Name:              d.Name,
		Category:          domain.ProductCategory(d.Category),
		OriginalPrice:     d.OriginalPrice,
		EffectivePrice:    d.EffectivePrice,
		QuantityAvailable: d.QuantityAvailable,
		IsActive:          d.IsActive,
		CommissionRate:    d.CommissionRate,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
	}
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)

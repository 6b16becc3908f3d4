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
	referralCodeCollection       = "referralCodes"
	referralRedemptionCollection = "referralRedemptions"
)

// ReferralCodeRepository persists referral codes and their single-use
// redemptions. Consume is the only path that mutates currentUses.
type ReferralCodeRepository struct {
	provider    *pfirestore.Provider
	codes       *pfirestore.BaseRepository[referralCodeDocument]
	redemptions *pfirestore.BaseRepository[redemptionDocument]
	commissions *pfirestore.BaseRepository[commissionDocument]
}

// NewReferralCodeRepository constructs a Firestore-backed referral code repository.
func NewReferralCodeRepository(provider *pfirestore.Provider) (*ReferralCodeRepository, error) {
	if provider == nil {
		return nil, errors.New("referral code repository requires firestore provider")
	}
	return &ReferralCodeRepository{
		provider:    provider,
		codes:       pfirestore.NewBaseRepository[referralCodeDocument](provider, referralCodeCollection, nil, nil),
		redemptions: pfirestore.NewBaseRepository[redemptionDocument](provider, referralRedemptionCollection, nil, nil),
		commissions: pfirestore.NewBaseRepository[commissionDocument](provider, commissionCollection, nil, nil),
	}, nil
}

// Insert creates the code document, failing when the ID already exists.
func (r *ReferralCodeRepository) Insert(ctx context.Context, code domain.ReferralCode) error {
	if r == nil || r.provider == nil {
		return errors.New("referral code repository not initialised")
	}
	codeID := strings.TrimSpace(code.ID)
	if codeID == "" {
		return errors.New("referral code repository: code id is required")
	}
	if strings.TrimSpace(code.Code) == "" {
		return errors.New("referral code repository: code value is required")
	}

	ref, err := r.codes.DocumentRef(ctx, codeID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, newReferralCodeDocument(code)); err != nil {
		return pfirestore.WrapError("referralCodes.insert", err)
	}
	return nil
}

// FindByCode looks up a code case-insensitively via the stored lowercase field.
func (r *ReferralCodeRepository) FindByCode(ctx context.Context, code string) (domain.ReferralCode, error) {
	if r == nil || r.codes == nil {
		return domain.ReferralCode{}, errors.New("referral code repository not initialised")
	}
	normalized := strings.ToLower(strings.TrimSpace(code))
	if normalized == "" {
		return domain.ReferralCode{}, errors.New("referral code repository: code value is required")
	}

	docs, err := r.codes.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("codeLower", "==", normalized).Limit(1)
	})
	if err != nil {
		return domain.ReferralCode{}, err
	}
	if len(docs) == 0 {
		return domain.ReferralCode{}, pfirestore.WrapError("referralCodes.findByCode", status.Error(codes.NotFound, "referral code not found"))
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

// FindByID loads a code by its document ID.
func (r *ReferralCodeRepository) FindByID(ctx context.Context, codeID string) (domain.ReferralCode, error) {
	if r == nil || r.codes == nil {
		return domain.ReferralCode{}, errors.New("referral code repository not initialised")
	}
	codeID = strings.TrimSpace(codeID)
	if codeID == "" {
		return domain.ReferralCode{}, errors.New("referral code repository: code id is required")
	}

	doc, err := r.codes.Get(ctx, codeID)
	if err != nil {
		return domain.ReferralCode{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// Deactivate flips isActive off. Codes are never deleted.
func (r *ReferralCodeRepository) Deactivate(ctx context.Context, codeID string, now time.Time) error {
	if r == nil || r.codes == nil {
		return errors.New("referral code repository not initialised")
	}
	codeID = strings.TrimSpace(codeID)
	if codeID == "" {
		return errors.New("referral code repository: code id is required")
	}

	_, err := r.codes.Update(ctx, codeID, []firestore.Update{
		{Path: "isActive", Value: false},
		{Path: "updatedAt", Value: now.UTC()},
	})
	return err
}

// ListByOwner pages codes belonging to a referrer, newest first.
func (r *ReferralCodeRepository) ListByOwner(ctx context.Context, ownerID string, pager domain.Pagination) (domain.CursorPage[domain.ReferralCode], error) {
	if r == nil || r.codes == nil {
		return domain.CursorPage[domain.ReferralCode]{}, errors.New("referral code repository not initialised")
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return domain.CursorPage[domain.ReferralCode]{}, errors.New("referral code repository: owner id is required")
	}

	limit := pager.PageSize
	if limit <= 0 {
		limit = 50
	}
	fetchLimit := limit + 1

	build := func(q firestore.Query) firestore.Query {
		q = q.Where("ownerId", "==", ownerID).
			OrderBy("createdAt", firestore.Desc).
			OrderBy(firestore.DocumentID, firestore.Desc).
			Limit(fetchLimit)
		if token := strings.TrimSpace(pager.PageToken); token != "" {
			if ts, id, err := pagination.DecodeCreatedAtCursor(token); err == nil {
				q = q.StartAfter(ts, id)
			}
		}
		return q
	}

	docs, err := r.codes.Query(ctx, build)
	if err != nil {
		return domain.CursorPage[domain.ReferralCode]{}, err
	}

	nextToken := ""
	if len(docs) == fetchLimit {
		last := docs[limit-1]
		nextToken = pagination.EncodeCreatedAtCursor(last.Data.CreatedAt, last.ID)
		docs = docs[:limit]
	}

	items := make([]domain.ReferralCode, 0, len(docs))
	for _, doc := range docs {
		items = append(items, doc.Data.toDomain(doc.ID))
	}
	return domain.CursorPage[domain.ReferralCode]{Items: items, NextPageToken: nextToken}, nil
}

// Consume atomically increments currentUses and creates the purchased
// commission record. A redemption marker keyed by order ID guards replays:
// a second consume for the same order returns the original outcome unchanged.
func (r *ReferralCodeRepository) Consume(ctx context.Context, req repositories.ConsumeReferralRequest) (repositories.ConsumeReferralResult, error) {
	if r == nil || r.provider == nil {
		return repositories.ConsumeReferralResult{}, errors.New("referral code repository not initialised")
	}
	codeID := strings.TrimSpace(req.CodeID)
	orderID := strings.TrimSpace(req.OrderID)
	commissionID := strings.TrimSpace(req.Commission.ID)
	switch {
	case codeID == "":
		return repositories.ConsumeReferralResult{}, errors.New("referral consume: code id is required")
	case orderID == "":
		return repositories.ConsumeReferralResult{}, errors.New("referral consume: order id is required")
	case commissionID == "":
		return repositories.ConsumeReferralResult{}, errors.New("referral consume: commission id is required")
	}

	now := req.Now.UTC()
	var result repositories.ConsumeReferralResult

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		redemptionRef, err := r.redemptions.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		codeRef, err := r.codes.DocumentRef(ctx, codeID)
		if err != nil {
			return err
		}

		redemptionSnap, err := tx.Get(redemptionRef)
		if err == nil {
			var redemption redemptionDocument
			if err := redemptionSnap.DataTo(&redemption); err != nil {
				return fmt.Errorf("decode redemption %s: %w", orderID, err)
			}
			return r.loadReplayedResult(ctx, tx, redemption, codeRef, &result)
		} else if status.Code(err) != codes.NotFound {
			return err
		}

		codeSnap, err := tx.Get(codeRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return repositories.NewLedgerError(repositories.LedgerErrorCodeNotFound, fmt.Sprintf("referral code %s not found", codeID), err)
			}
			return err
		}
		var codeDoc referralCodeDocument
		if err := codeSnap.DataTo(&codeDoc); err != nil {
			return fmt.Errorf("decode referral code %s: %w", codeID, err)
		}

		if !codeDoc.IsActive {
			return repositories.NewLedgerError(repositories.LedgerErrorCodeInactive, fmt.Sprintf("referral code %s is inactive", codeID), nil)
		}
		if codeDoc.ExpiryDate != nil && now.After(codeDoc.ExpiryDate.UTC()) {
			return repositories.NewLedgerError(repositories.LedgerErrorCodeInactive, fmt.Sprintf("referral code %s expired", codeID), nil)
		}
		if codeDoc.MaxUses > 0 && codeDoc.CurrentUses >= codeDoc.MaxUses {
			return repositories.NewLedgerError(repositories.LedgerErrorCodeExhausted, fmt.Sprintf("referral code %s usage cap reached", codeID), nil)
		}

		commission := req.Commission
		commission.ID = commissionID
		commission.ReferralCodeID = codeID
		commission.OrderID = &orderID
		commission.Status = domain.CommissionStatusPurchased
		if commission.CreatedAt.IsZero() {
			commission.CreatedAt = now
		}
		commission.UpdatedAt = now

		commissionRef, err := r.commissions.DocumentRef(ctx, commissionID)
		if err != nil {
			return err
		}
		if err := tx.Create(commissionRef, newCommissionDocument(commission)); err != nil {
			return err
		}

		codeDoc.CurrentUses++
		codeDoc.UpdatedAt = now
		if err := tx.Set(codeRef, codeDoc); err != nil {
			return err
		}

		redemption := redemptionDocument{
			CodeID:       codeID,
			CommissionID: commissionID,
			UsedBy:       strings.TrimSpace(req.UsedBy),
			UsedByEmail:  strings.TrimSpace(req.UsedByEmail),
			UsedAt:       now,
		}
		if err := tx.Create(redemptionRef, redemption); err != nil {
			return err
		}

		result = repositories.ConsumeReferralResult{
			Code:       codeDoc.toDomain(codeID),
			Commission: commission,
			Replayed:   false,
		}
		return nil
	})
	if err != nil {
		return repositories.ConsumeReferralResult{}, wrapLedgerError("referralCodes.consume", err)
	}
	return result, nil
}

func (r *ReferralCodeRepository) loadReplayedResult(ctx context.Context, tx *firestore.Transaction, redemption redemptionDocument, codeRef *firestore.DocumentRef, result *repositories.ConsumeReferralResult) error {
	commissionRef, err := r.commissions.DocumentRef(ctx, redemption.CommissionID)
	if err != nil {
		return err
	}
	commissionSnap, err := tx.Get(commissionRef)
	if err != nil {
		return err
	}
	var commissionDoc commissionDocument
	if err := commissionSnap.DataTo(&commissionDoc); err != nil {
		return fmt.Errorf("decode commission %s: %w", redemption.CommissionID, err)
	}

	codeSnap, err := tx.Get(codeRef)
	if err != nil {
		return err
	}
	var codeDoc referralCodeDocument
	if err := codeSnap.DataTo(&codeDoc); err != nil {
		return fmt.Errorf("decode referral code %s: %w", codeRef.ID, err)
	}

	*result = repositories.ConsumeReferralResult{
		Code:       codeDoc.toDomain(codeRef.ID),
		Commission: commissionDoc.toDomain(commissionSnap.Ref.ID),
		Replayed:   true,
	}
	return nil
}

type referralCodeDocument struct {
	Code               string     `firestore:"code"`
	CodeLower          string     `firestore:"codeLower"`
	OwnerID            string     `firestore:"ownerId"`
	DiscountAmount     int64      `firestore:"discountAmount"`
	CommissionRate     float64    `firestore:"commissionRate"`
	MaxUses            int        `firestore:"maxUses"`
	CurrentUses        int        `firestore:"currentUses"`
	IsActive           bool       `firestore:"isActive"`
	ExpiryDate         *time.Time `firestore:"expiryDate,omitempty"`
	ExcludedCategories []string   `firestore:"excludedCategories,omitempty"`
	CreatedAt          time.Time  `firestore:"createdAt"`
	UpdatedAt          time.Time  `firestore:"updatedAt"`
}

type redemptionDocument struct {
	CodeID       string    `firestore:"codeId"`
	CommissionID string    `firestore:"commissionId"`
	UsedBy       string    `firestore:"usedBy"`
	UsedByEmail  string    `firestore:"usedByEmail,omitempty"`
	UsedAt       time.Time `firestore:"usedAt"`
}

func newReferralCodeDocument(code domain.ReferralCode) referralCodeDocument {
	trimmed := strings.TrimSpace(code.Code)
	excluded := make([]string, len(code.ExcludedCategories))
	for i, category := range code.ExcludedCategories {
		excluded[i] = string(category)
	}
	var expiry *time.Time
	if code.ExpiryDate != nil {
		utc := code.ExpiryDate.UTC()
		expiry = &utc
	}
	return referralCodeDocument{
		Code:               trimmed,
		CodeLower:          strings.ToLower(trimmed),
		OwnerID:            strings.TrimSpace(code.OwnerID),
		DiscountAmount:     code.DiscountAmount,
		CommissionRate:     code.CommissionRate,
		MaxUses:            code.MaxUses,
		CurrentUses:        code.CurrentUses,
		IsActive:           code.IsActive,
		ExpiryDate:         expiry,
		ExcludedCategories: excluded,
		CreatedAt:          code.CreatedAt.UTC(),
		UpdatedAt:          code.UpdatedAt.UTC(),
	}
}

func (d referralCodeDocument) toDomain(id string) domain.ReferralCode {
	excluded := make([]domain.ProductCategory, len(d.ExcludedCategories))
	for i, category := range d.ExcludedCategories {
		excluded[i] = domain.ProductCategory(category)
	}
	return domain.ReferralCode{
		ID:                 id,
		Code:               d.Code,
		OwnerID:            d.OwnerID,
		DiscountAmount:     d.DiscountAmount,
		CommissionRate:     d.CommissionRate,
		MaxUses:            d.MaxUses,
		CurrentUses:        d.CurrentUses,
		IsActive:           d.IsActive,
		ExpiryDate:         d.ExpiryDate,
		ExcludedCategories: excluded,
		CreatedAt:          d.CreatedAt,
		UpdatedAt:          d.UpdatedAt,
	}
}

func wrapLedgerError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ledgerErr *repositories.LedgerError
	if errors.As(err, &ledgerErr) {
		if ledgerErr.Op == "" {
			ledgerErr.Op = op
		}
		return ledgerErr
	}
	return pfirestore.WrapError(op, err)
}

var _ repositories.ReferralCodeRepository = (*ReferralCodeRepository)(nil)

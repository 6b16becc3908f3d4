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

const commissionCollection = "commissions"

// CommissionRepository stores commission records and serves ledger queries.
type CommissionRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[commissionDocument]
}

// NewCommissionRepository constructs a Firestore-backed commission repository.
func NewCommissionRepository(provider *pfirestore.Provider) (*CommissionRepository, error) {
	if provider == nil {
		return nil, errors.New("commission repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[commissionDocument](provider, commissionCollection, nil, nil)
	return &CommissionRepository{provider: provider, base: base}, nil
}

// Insert creates the record, failing when the ID already exists.
func (r *CommissionRepository) Insert(ctx context.Context, record domain.CommissionRecord) error {
	if r == nil || r.base == nil {
		return errors.New("commission repository not initialised")
	}
	recordID := strings.TrimSpace(record.ID)
	if recordID == "" {
		return errors.New("commission repository: record id is required")
	}

	ref, err := r.base.DocumentRef(ctx, recordID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, newCommissionDocument(record)); err != nil {
		return pfirestore.WrapError("commissions.insert", err)
	}
	return nil
}

// FindByID loads a single record.
func (r *CommissionRepository) FindByID(ctx context.Context, recordID string) (domain.CommissionRecord, error) {
	if r == nil || r.base == nil {
		return domain.CommissionRecord{}, errors.New("commission repository not initialised")
	}
	recordID = strings.TrimSpace(recordID)
	if recordID == "" {
		return domain.CommissionRecord{}, errors.New("commission repository: record id is required")
	}

	doc, err := r.base.Get(ctx, recordID)
	if err != nil {
		if isFirestoreNotFound(err) {
			return domain.CommissionRecord{}, repositories.NewLedgerError(repositories.LedgerErrorRecordNotFound, fmt.Sprintf("commission %s not found", recordID), err)
		}
		return domain.CommissionRecord{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByOrderID finds the record attributed to an order.
func (r *CommissionRepository) FindByOrderID(ctx context.Context, orderID string) (domain.CommissionRecord, error) {
	if r == nil || r.base == nil {
		return domain.CommissionRecord{}, errors.New("commission repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.CommissionRecord{}, errors.New("commission repository: order id is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderId", "==", orderID).Limit(1)
	})
	if err != nil {
		return domain.CommissionRecord{}, err
	}
	if len(docs) == 0 {
		return domain.CommissionRecord{}, repositories.NewLedgerError(repositories.LedgerErrorRecordNotFound, fmt.Sprintf("no commission for order %s", orderID), nil)
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

// UpdateStatus transitions the record from one status to another, checking the
// stored status inside the transaction so a stale caller cannot overwrite a
// concurrent transition.
func (r *CommissionRepository) UpdateStatus(ctx context.Context, recordID string, from, to domain.CommissionStatus, now time.Time) (domain.CommissionRecord, error) {
	if r == nil || r.provider == nil {
		return domain.CommissionRecord{}, errors.New("commission repository not initialised")
	}
	recordID = strings.TrimSpace(recordID)
	if recordID == "" {
		return domain.CommissionRecord{}, errors.New("commission repository: record id is required")
	}

	var updated domain.CommissionRecord
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, recordID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return repositories.NewLedgerError(repositories.LedgerErrorRecordNotFound, fmt.Sprintf("commission %s not found", recordID), err)
			}
			return err
		}
		var doc commissionDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode commission %s: %w", recordID, err)
		}
		if doc.Status != string(from) {
			return repositories.NewLedgerError(repositories.LedgerErrorInvalidTransition, fmt.Sprintf("commission %s is %s, not %s", recordID, doc.Status, from), nil)
		}

		doc.Status = string(to)
		doc.UpdatedAt = now.UTC()
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		updated = doc.toDomain(recordID)
		return nil
	})
	if err != nil {
		return domain.CommissionRecord{}, wrapLedgerError("commissions.updateStatus", err)
	}
	return updated, nil
}

// SumByStatus aggregates commission amounts per status for a referrer.
func (r *CommissionRepository) SumByStatus(ctx context.Context, referrerID string) (map[domain.CommissionStatus]int64, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("commission repository not initialised")
	}
	referrerID = strings.TrimSpace(referrerID)
	if referrerID == "" {
		return nil, errors.New("commission repository: referrer id is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("referrerId", "==", referrerID)
	})
	if err != nil {
		return nil, err
	}

	sums := make(map[domain.CommissionStatus]int64)
	for _, doc := range docs {
		sums[domain.CommissionStatus(doc.Data.Status)] += doc.Data.CommissionAmount
	}
	return sums, nil
}

// ListByReferrer pages a referrer's history, newest first.
func (r *CommissionRepository) ListByReferrer(ctx context.Context, referrerID string, filter repositories.CommissionListFilter) (domain.CursorPage[domain.CommissionRecord], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.CommissionRecord]{}, errors.New("commission repository not initialised")
	}
	referrerID = strings.TrimSpace(referrerID)
	if referrerID == "" {
		return domain.CursorPage[domain.CommissionRecord]{}, errors.New("commission repository: referrer id is required")
	}

	limit := filter.Pagination.PageSize
	if limit <= 0 {
		limit = 50
	}
	fetchLimit := limit + 1

	build := func(q firestore.Query) firestore.Query {
		q = q.Where("referrerId", "==", referrerID)
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
		return domain.CursorPage[domain.CommissionRecord]{}, err
	}

	nextToken := ""
	if len(docs) == fetchLimit {
		last := docs[limit-1]
		nextToken = pagination.EncodeCreatedAtCursor(last.Data.CreatedAt, last.ID)
		docs = docs[:limit]
	}

	items := make([]domain.CommissionRecord, 0, len(docs))
	for _, doc := range docs {
		items = append(items, doc.Data.toDomain(doc.ID))
	}
	return domain.CursorPage[domain.CommissionRecord]{Items: items, NextPageToken: nextToken}, nil
}

// ListByReferrerAndStatus returns all matching records, oldest first. Used by
// the withdrawal earmark flow which consumes purchased records in FIFO order.
func (r *CommissionRepository) ListByReferrerAndStatus(ctx context.Context, referrerID string, commissionStatus domain.CommissionStatus) ([]domain.CommissionRecord, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("commission repository not initialised")
	}
	referrerID = strings.TrimSpace(referrerID)
	if referrerID == "" {
		return nil, errors.New("commission repository: referrer id is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("referrerId", "==", referrerID).
			Where("status", "==", string(commissionStatus)).
			OrderBy("createdAt", firestore.Asc).
			OrderBy(firestore.DocumentID, firestore.Asc)
	})
	if err != nil {
		return nil, err
	}

	records := make([]domain.CommissionRecord, 0, len(docs))
	for _, doc := range docs {
		records = append(records, doc.Data.toDomain(doc.ID))
	}
	return records, nil
}

type commissionDocument struct {
	ReferrerID       string    `firestore:"referrerId"`
	ReferredUserID   string    `firestore:"referredUserId,omitempty"`
	ReferredEmail    string    `firestore:"referredEmail,omitempty"`
	ReferralCodeID   string    `firestore:"referralCodeId"`
	ProductID        string    `firestore:"productId,omitempty"`
	OrderID          string    `firestore:"orderId,omitempty"`
	WithdrawalID     string    `firestore:"withdrawalId,omitempty"`
	ParentRecordID   string    `firestore:"parentRecordId,omitempty"`
	Status           string    `firestore:"status"`
	CommissionAmount int64     `firestore:"commissionAmount"`
	OrderAmount      int64     `firestore:"orderAmount"`
	CreatedAt        time.Time `firestore:"createdAt"`
	UpdatedAt        time.Time `firestore:"updatedAt"`
}

func newCommissionDocument(record domain.CommissionRecord) commissionDocument {
	return commissionDocument{
		ReferrerID:       strings.TrimSpace(record.ReferrerID),
		ReferredUserID:   strings.TrimSpace(record.ReferredUserID),
		ReferredEmail:    strings.TrimSpace(record.ReferredEmail),
		ReferralCodeID:   strings.TrimSpace(record.ReferralCodeID),
		ProductID:        derefString(record.ProductID),
		OrderID:          derefString(record.OrderID),
		WithdrawalID:     derefString(record.WithdrawalID),
		ParentRecordID:   derefString(record.ParentRecordID),
		Status:           string(record.Status),
		CommissionAmount: record.CommissionAmount,
		OrderAmount:      record.OrderAmount,
		CreatedAt:        record.CreatedAt.UTC(),
		UpdatedAt:        record.UpdatedAt.UTC(),
	}
}

func (d commissionDocument) toDomain(id string) domain.CommissionRecord {
	return domain.CommissionRecord{
		ID:               id,
		ReferrerID:       d.ReferrerID,
		ReferredUserID:   d.ReferredUserID,
		ReferredEmail:    d.ReferredEmail,
		ReferralCodeID:   d.ReferralCodeID,
		ProductID:        optionalString(d.ProductID),
		OrderID:          optionalString(d.OrderID),
		WithdrawalID:     optionalString(d.WithdrawalID),
		ParentRecordID:   optionalString(d.ParentRecordID),
		Status:           domain.CommissionStatus(d.Status),
		CommissionAmount: d.CommissionAmount,
		OrderAmount:      d.OrderAmount,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return strings.TrimSpace(*value)
}

func optionalString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func isFirestoreNotFound(err error) bool {
	var repoErr *pfirestore.Error
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

var _ repositories.CommissionRepository = (*CommissionRepository)(nil)

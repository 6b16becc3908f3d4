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

const reconciliationCollection = "reconciliations"

// ReconciliationRepository durably records payments whose order recording
// failed partway, keeping gateway detail for manual recovery.
type ReconciliationRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[reconciliationDocument]
}

// NewReconciliationRepository constructs a Firestore-backed reconciliation repository.
func NewReconciliationRepository(provider *pfirestore.Provider) (*ReconciliationRepository, error) {
	if provider == nil {
		return nil, errors.New("reconciliation repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[reconciliationDocument](provider, reconciliationCollection, nil, nil)
	return &ReconciliationRepository{provider: provider, base: base}, nil
}

// Insert creates the record, failing on duplicate IDs.
func (r *ReconciliationRepository) Insert(ctx context.Context, record domain.ReconciliationRecord) error {
	if r == nil || r.base == nil {
		return errors.New("reconciliation repository not initialised")
	}
	recordID := strings.TrimSpace(record.ID)
	if recordID == "" {
		return errors.New("reconciliation repository: record id is required")
	}

	ref, err := r.base.DocumentRef(ctx, recordID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, newReconciliationDocument(record)); err != nil {
		return pfirestore.WrapError("reconciliations.insert", err)
	}
	return nil
}

// FindByID loads a single record.
func (r *ReconciliationRepository) FindByID(ctx context.Context, recordID string) (domain.ReconciliationRecord, error) {
	if r == nil || r.base == nil {
		return domain.ReconciliationRecord{}, errors.New("reconciliation repository not initialised")
	}
	recordID = strings.TrimSpace(recordID)
	if recordID == "" {
		return domain.ReconciliationRecord{}, errors.New("reconciliation repository: record id is required")
	}

	doc, err := r.base.Get(ctx, recordID)
	if err != nil {
		return domain.ReconciliationRecord{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// List pages records for the operator console, newest first.
func (r *ReconciliationRepository) List(ctx context.Context, filter repositories.ReconciliationListFilter) (domain.CursorPage[domain.ReconciliationRecord], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.ReconciliationRecord]{}, errors.New("reconciliation repository not initialised")
	}

	limit := filter.Pagination.PageSize
	if limit <= 0 {
		limit = 50
	}
	fetchLimit := limit + 1

	build := func(q firestore.Query) firestore.Query {
		if len(filter.Status) == 1 {
			q = q.Where("status", "==", string(filter.Status[0]))
		} else if len(filter.Status) > 1 {
			statuses := make([]string, len(filter.Status))
			for i, s := range filter.Status {
				statuses[i] = string(s)
			}
			q = q.Where("status", "in", statuses)
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
		return domain.CursorPage[domain.ReconciliationRecord]{}, err
	}

	nextToken := ""
	if len(docs) == fetchLimit {
		last := docs[limit-1]
		nextToken = pagination.EncodeCreatedAtCursor(last.Data.CreatedAt, last.ID)
		docs = docs[:limit]
	}

	items := make([]domain.ReconciliationRecord, 0, len(docs))
	for _, doc := range docs {
		items = append(items, doc.Data.toDomain(doc.ID))
	}
	return domain.CursorPage[domain.ReconciliationRecord]{Items: items, NextPageToken: nextToken}, nil
}

// Resolve transitions an open record to resolved with operator stamps. A
// record that is no longer open reports a conflict.
func (r *ReconciliationRepository) Resolve(ctx context.Context, recordID string, resolvedBy string, now time.Time) (domain.ReconciliationRecord, error) {
	if r == nil || r.provider == nil {
		return domain.ReconciliationRecord{}, errors.New("reconciliation repository not initialised")
	}
	recordID = strings.TrimSpace(recordID)
	resolvedBy = strings.TrimSpace(resolvedBy)
	switch {
	case recordID == "":
		return domain.ReconciliationRecord{}, errors.New("reconciliation repository: record id is required")
	case resolvedBy == "":
		return domain.ReconciliationRecord{}, errors.New("reconciliation repository: resolver id is required")
	}

	resolvedAt := now.UTC()
	var resolved domain.ReconciliationRecord

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, recordID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc reconciliationDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode reconciliation %s: %w", recordID, err)
		}
		if doc.Status != string(domain.ReconciliationStatusOpen) {
			return status.Errorf(codes.FailedPrecondition, "reconciliation %s is already %s", recordID, doc.Status)
		}

		doc.Status = string(domain.ReconciliationStatusResolved)
		doc.ResolvedBy = resolvedBy
		doc.ResolvedAt = &resolvedAt
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		resolved = doc.toDomain(recordID)
		return nil
	})
	if err != nil {
		return domain.ReconciliationRecord{}, pfirestore.WrapError("reconciliations.resolve", err)
	}
	return resolved, nil
}

type reconciliationDocument struct {
	UserID           string         `firestore:"userId"`
	GatewayOrderID   string         `firestore:"gatewayOrderId"`
	GatewayPaymentID string         `firestore:"gatewayPaymentId,omitempty"`
	AmountMinorUnits int64          `firestore:"amountMinorUnits"`
	FailedStep       string         `firestore:"failedStep"`
	Detail           string         `firestore:"detail,omitempty"`
	Payload          map[string]any `firestore:"payload,omitempty"`
	Status           string         `firestore:"status"`
	ResolvedBy       string         `firestore:"resolvedBy,omitempty"`
	ResolvedAt       *time.Time     `firestore:"resolvedAt,omitempty"`
	CreatedAt        time.Time      `firestore:"createdAt"`
}

func newReconciliationDocument(record domain.ReconciliationRecord) reconciliationDocument {
	var resolvedAt *time.Time
	if record.ResolvedAt != nil {
		utc := record.ResolvedAt.UTC()
		resolvedAt = &utc
	}
	return reconciliationDocument{
		UserID:           strings.TrimSpace(record.UserID),
		GatewayOrderID:   strings.TrimSpace(record.GatewayOrderID),
		GatewayPaymentID: strings.TrimSpace(record.GatewayPaymentID),
		AmountMinorUnits: record.AmountMinorUnits,
		FailedStep:       strings.TrimSpace(record.FailedStep),
		Detail:           record.Detail,
		Payload:          cloneAnyMap(record.Payload),
		Status:           string(record.Status),
		ResolvedBy:       derefString(record.ResolvedBy),
		ResolvedAt:       resolvedAt,
		CreatedAt:        record.CreatedAt.UTC(),
	}
}

func (d reconciliationDocument) toDomain(id string) domain.ReconciliationRecord {
	return domain.ReconciliationRecord{
		ID:               id,
		UserID:           d.UserID,
		GatewayOrderID:   d.GatewayOrderID,
		GatewayPaymentID: d.GatewayPaymentID,
		AmountMinorUnits: d.AmountMinorUnits,
		FailedStep:       d.FailedStep,
		Detail:           d.Detail,
		Payload:          cloneAnyMap(d.Payload),
		Status:           domain.ReconciliationStatus(d.Status),
		ResolvedBy:       optionalString(d.ResolvedBy),
		ResolvedAt:       d.ResolvedAt,
		CreatedAt:        d.CreatedAt,
	}
}

var _ repositories.ReconciliationRepository = (*ReconciliationRepository)(nil)

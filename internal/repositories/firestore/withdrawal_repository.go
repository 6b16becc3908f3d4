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

const withdrawalCollection = "withdrawals"

// WithdrawalRepository owns withdrawal requests and the transactional earmark
// and decision flows over commission records.
type WithdrawalRepository struct {
	provider    *pfirestore.Provider
	withdrawals *pfirestore.BaseRepository[withdrawalDocument]
	commissions *pfirestore.BaseRepository[commissionDocument]
}

// NewWithdrawalRepository constructs a Firestore-backed withdrawal repository.
func NewWithdrawalRepository(provider *pfirestore.Provider) (*WithdrawalRepository, error) {
	if provider == nil {
		return nil, errors.New("withdrawal repository requires firestore provider")
	}
	return &WithdrawalRepository{
		provider:    provider,
		withdrawals: pfirestore.NewBaseRepository[withdrawalDocument](provider, withdrawalCollection, nil, nil),
		commissions: pfirestore.NewBaseRepository[commissionDocument](provider, commissionCollection, nil, nil),
	}, nil
}

// Request earmarks purchased commissions oldest-first until they cover the
// requested amount, splitting the final record when it overshoots so the
// earmarked sum equals the amount exactly. Balance is re-checked inside the
// transaction, so a concurrent request cannot earmark the same record twice.
func (r *WithdrawalRepository) Request(ctx context.Context, req repositories.WithdrawalCreateRequest) (domain.WithdrawalRequest, error) {
	if r == nil || r.provider == nil {
		return domain.WithdrawalRequest{}, errors.New("withdrawal repository not initialised")
	}
	withdrawal := req.Withdrawal
	withdrawalID := strings.TrimSpace(withdrawal.ID)
	userID := strings.TrimSpace(withdrawal.UserID)
	switch {
	case withdrawalID == "":
		return domain.WithdrawalRequest{}, errors.New("withdrawal request: id is required")
	case userID == "":
		return domain.WithdrawalRequest{}, errors.New("withdrawal request: user id is required")
	case withdrawal.Amount <= 0:
		return domain.WithdrawalRequest{}, errors.New("withdrawal request: amount must be > 0")
	case req.SplitIDGen == nil:
		return domain.WithdrawalRequest{}, errors.New("withdrawal request: split id generator is required")
	}

	now := req.Now.UTC()
	var created domain.WithdrawalRequest

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		withdrawalRef, err := r.withdrawals.DocumentRef(ctx, withdrawalID)
		if err != nil {
			return err
		}
		commissionColl, err := r.commissionCollection(ctx)
		if err != nil {
			return err
		}

		query := commissionColl.
			Where("referrerId", "==", userID).
			Where("status", "==", string(domain.CommissionStatusPurchased)).
			OrderBy("createdAt", firestore.Asc).
			OrderBy(firestore.DocumentID, firestore.Asc)
		snaps, err := tx.Documents(query).GetAll()
		if err != nil {
			return err
		}

		type earmark struct {
			ref *firestore.DocumentRef
			doc commissionDocument
		}
		var (
			earmarks  []earmark
			earmarked int64
			splitSnap *firestore.DocumentSnapshot
			splitDoc  commissionDocument
			splitTake int64
		)
		for _, snap := range snaps {
			var doc commissionDocument
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("decode commission %s: %w", snap.Ref.ID, err)
			}
			if doc.CommissionAmount <= 0 {
				continue
			}
			remaining := withdrawal.Amount - earmarked
			if doc.CommissionAmount <= remaining {
				earmarks = append(earmarks, earmark{ref: snap.Ref, doc: doc})
				earmarked += doc.CommissionAmount
			} else {
				splitSnap = snap
				splitDoc = doc
				splitTake = remaining
				earmarked += remaining
			}
			if earmarked >= withdrawal.Amount {
				break
			}
		}
		if earmarked < withdrawal.Amount {
			return repositories.NewLedgerError(repositories.LedgerErrorInsufficientBalance, fmt.Sprintf("available balance %d below requested %d", earmarked, withdrawal.Amount), nil)
		}

		recordIDs := make([]string, 0, len(earmarks)+1)
		for _, mark := range earmarks {
			mark.doc.Status = string(domain.CommissionStatusWithdrawalRequested)
			mark.doc.WithdrawalID = withdrawalID
			mark.doc.UpdatedAt = now
			if err := tx.Set(mark.ref, mark.doc); err != nil {
				return err
			}
			recordIDs = append(recordIDs, mark.ref.ID)
		}

		if splitSnap != nil {
			childID := strings.TrimSpace(req.SplitIDGen())
			if childID == "" {
				return errors.New("withdrawal request: split id generator returned empty id")
			}
			childRef, err := r.commissions.DocumentRef(ctx, childID)
			if err != nil {
				return err
			}
			child := splitDoc
			child.ParentRecordID = splitSnap.Ref.ID
			child.Status = string(domain.CommissionStatusWithdrawalRequested)
			child.WithdrawalID = withdrawalID
			child.CommissionAmount = splitTake
			child.CreatedAt = splitDoc.CreatedAt
			child.UpdatedAt = now
			if err := tx.Create(childRef, child); err != nil {
				return err
			}

			remainder := splitDoc
			remainder.CommissionAmount = splitDoc.CommissionAmount - splitTake
			remainder.UpdatedAt = now
			if err := tx.Set(splitSnap.Ref, remainder); err != nil {
				return err
			}
			recordIDs = append(recordIDs, childID)
		}

		withdrawal.Status = domain.WithdrawalStatusRequested
		withdrawal.CommissionRecordIDs = recordIDs
		if withdrawal.CreatedAt.IsZero() {
			withdrawal.CreatedAt = now
		}
		withdrawal.UpdatedAt = now
		if err := tx.Create(withdrawalRef, newWithdrawalDocument(withdrawal)); err != nil {
			return err
		}

		created = withdrawal
		created.ID = withdrawalID
		return nil
	})
	if err != nil {
		return domain.WithdrawalRequest{}, wrapLedgerError("withdrawals.request", err)
	}
	return created, nil
}

// Process finalises or rejects a request. The stored status is checked inside
// the transaction: anything other than requested reports already processed, so
// a replayed decision cannot double-apply.
func (r *WithdrawalRepository) Process(ctx context.Context, req repositories.WithdrawalProcessRequest) (domain.WithdrawalRequest, error) {
	if r == nil || r.provider == nil {
		return domain.WithdrawalRequest{}, errors.New("withdrawal repository not initialised")
	}
	withdrawalID := strings.TrimSpace(req.WithdrawalID)
	adminID := strings.TrimSpace(req.AdminID)
	switch {
	case withdrawalID == "":
		return domain.WithdrawalRequest{}, errors.New("withdrawal process: id is required")
	case adminID == "":
		return domain.WithdrawalRequest{}, errors.New("withdrawal process: admin id is required")
	}

	now := req.Now.UTC()
	var processed domain.WithdrawalRequest

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		withdrawalRef, err := r.withdrawals.DocumentRef(ctx, withdrawalID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(withdrawalRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return repositories.NewLedgerError(repositories.LedgerErrorRecordNotFound, fmt.Sprintf("withdrawal %s not found", withdrawalID), err)
			}
			return err
		}
		var doc withdrawalDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode withdrawal %s: %w", withdrawalID, err)
		}
		if doc.Status != string(domain.WithdrawalStatusRequested) {
			return repositories.NewLedgerError(repositories.LedgerErrorAlreadyProcessed, fmt.Sprintf("withdrawal %s already %s", withdrawalID, doc.Status), nil)
		}

		type commissionUpdate struct {
			ref *firestore.DocumentRef
			doc commissionDocument
		}
		updates := make([]commissionUpdate, 0, len(doc.CommissionRecordIDs))
		for _, recordID := range doc.CommissionRecordIDs {
			recordRef, err := r.commissions.DocumentRef(ctx, recordID)
			if err != nil {
				return err
			}
			recordSnap, err := tx.Get(recordRef)
			if err != nil {
				if status.Code(err) == codes.NotFound {
					return repositories.NewLedgerError(repositories.LedgerErrorRecordNotFound, fmt.Sprintf("commission %s not found", recordID), err)
				}
				return err
			}
			var record commissionDocument
			if err := recordSnap.DataTo(&record); err != nil {
				return fmt.Errorf("decode commission %s: %w", recordID, err)
			}
			if record.Status != string(domain.CommissionStatusWithdrawalRequested) {
				return repositories.NewLedgerError(repositories.LedgerErrorInvalidTransition, fmt.Sprintf("commission %s is %s, not %s", recordID, record.Status, domain.CommissionStatusWithdrawalRequested), nil)
			}
			updates = append(updates, commissionUpdate{ref: recordRef, doc: record})
		}

		for _, update := range updates {
			record := update.doc
			if req.Approve {
				record.Status = string(domain.CommissionStatusWithdrawn)
			} else {
				record.Status = string(domain.CommissionStatusPurchased)
				record.WithdrawalID = ""
			}
			record.UpdatedAt = now
			if err := tx.Set(update.ref, record); err != nil {
				return err
			}
		}

		if req.Approve {
			doc.Status = string(domain.WithdrawalStatusApproved)
		} else {
			doc.Status = string(domain.WithdrawalStatusRejected)
			doc.RejectionNote = strings.TrimSpace(req.Note)
		}
		doc.ProcessedBy = adminID
		doc.ProcessedAt = &now
		doc.UpdatedAt = now
		if err := tx.Set(withdrawalRef, doc); err != nil {
			return err
		}

		processed = doc.toDomain(withdrawalID)
		return nil
	})
	if err != nil {
		return domain.WithdrawalRequest{}, wrapLedgerError("withdrawals.process", err)
	}
	return processed, nil
}

// FindByID loads a withdrawal request.
func (r *WithdrawalRepository) FindByID(ctx context.Context, withdrawalID string) (domain.WithdrawalRequest, error) {
	if r == nil || r.withdrawals == nil {
		return domain.WithdrawalRequest{}, errors.New("withdrawal repository not initialised")
	}
	withdrawalID = strings.TrimSpace(withdrawalID)
	if withdrawalID == "" {
		return domain.WithdrawalRequest{}, errors.New("withdrawal repository: id is required")
	}

	doc, err := r.withdrawals.Get(ctx, withdrawalID)
	if err != nil {
		return domain.WithdrawalRequest{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// List pages withdrawal requests for users or the admin console, newest first.
func (r *WithdrawalRepository) List(ctx context.Context, filter repositories.WithdrawalListFilter) (domain.CursorPage[domain.WithdrawalRequest], error) {
	if r == nil || r.withdrawals == nil {
		return domain.CursorPage[domain.WithdrawalRequest]{}, errors.New("withdrawal repository not initialised")
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

	docs, err := r.withdrawals.Query(ctx, build)
	if err != nil {
		return domain.CursorPage[domain.WithdrawalRequest]{}, err
	}

	nextToken := ""
	if len(docs) == fetchLimit {
		last := docs[limit-1]
		nextToken = pagination.EncodeCreatedAtCursor(last.Data.CreatedAt, last.ID)
		docs = docs[:limit]
	}

	items := make([]domain.WithdrawalRequest, 0, len(docs))
	for _, doc := range docs {
		items = append(items, doc.Data.toDomain(doc.ID))
	}
	return domain.CursorPage[domain.WithdrawalRequest]{Items: items, NextPageToken: nextToken}, nil
}

func (r *WithdrawalRepository) commissionCollection(ctx context.Context) (*firestore.CollectionRef, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(commissionCollection), nil
}

type withdrawalDocument struct {
	UserID              string     `firestore:"userId"`
	UPIID               string     `firestore:"upiId"`
	Amount              int64      `firestore:"amount"`
	Status              string     `firestore:"status"`
	CommissionRecordIDs []string   `firestore:"commissionRecordIds"`
	ProcessedBy         string     `firestore:"processedBy,omitempty"`
	ProcessedAt         *time.Time `firestore:"processedAt,omitempty"`
	RejectionNote       string     `firestore:"rejectionNote,omitempty"`
	CreatedAt           time.Time  `firestore:"createdAt"`
	UpdatedAt           time.Time  `firestore:"updatedAt"`
}

func newWithdrawalDocument(withdrawal domain.WithdrawalRequest) withdrawalDocument {
	var processedAt *time.Time
	if withdrawal.ProcessedAt != nil {
		utc := withdrawal.ProcessedAt.UTC()
		processedAt = &utc
	}
	return withdrawalDocument{
		UserID:              strings.TrimSpace(withdrawal.UserID),
		UPIID:               strings.TrimSpace(withdrawal.UPIID),
		Amount:              withdrawal.Amount,
		Status:              string(withdrawal.Status),
		CommissionRecordIDs: append([]string(nil), withdrawal.CommissionRecordIDs...),
		ProcessedBy:         derefString(withdrawal.ProcessedBy),
		ProcessedAt:         processedAt,
		RejectionNote:       strings.TrimSpace(withdrawal.RejectionNote),
		CreatedAt:           withdrawal.CreatedAt.UTC(),
		UpdatedAt:           withdrawal.UpdatedAt.UTC(),
	}
}

func (d withdrawalDocument) toDomain(id string) domain.WithdrawalRequest {
	return domain.WithdrawalRequest{
		ID:                  id,
		UserID:              d.UserID,
		UPIID:               d.UPIID,
		Amount:              d.Amount,
		Status:              domain.WithdrawalStatus(d.Status),
		CommissionRecordIDs: append([]string(nil), d.CommissionRecordIDs...),
		ProcessedBy:         optionalString(d.ProcessedBy),
		ProcessedAt:         d.ProcessedAt,
		RejectionNote:       d.RejectionNote,
		CreatedAt:           d.CreatedAt,
		UpdatedAt:           d.UpdatedAt,
	}
}

var _ repositories.WithdrawalRepository = (*WithdrawalRepository)(nil)

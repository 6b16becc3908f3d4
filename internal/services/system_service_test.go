package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/herbcart/api/internal/domain"
	"github.com/herbcart/api/internal/repositories"
)

type stubHealthRepository struct {
	report domain.SystemHealthReport
	err    error
	calls  int
}

func (s *stubHealthRepository) Collect(ctx context.Context) (domain.SystemHealthReport, error) {
	s.calls++
	return s.report, s.err
}

type stubAuditService struct {
	filter   AuditLogFilter
	result   domain.CursorPage[domain.AuditLogEntry]
	err      error
	recorded []AuditLogRecord
}

type stubReconciliationStore struct {
	records    map[string]domain.ReconciliationRecord
	listFilter repositories.ReconciliationListFilter
	listResult domain.CursorPage[domain.ReconciliationRecord]
	resolveErr error
}

func (r *stubReconciliationStore) Insert(_ context.Context, record domain.ReconciliationRecord) error {
	if r.records == nil {
		r.records = map[string]domain.ReconciliationRecord{}
	}
	r.records[record.ID] = record
	return nil
}

func (r *stubReconciliationStore) FindByID(_ context.Context, recordID string) (domain.ReconciliationRecord, error) {
	record, ok := r.records[recordID]
	if !ok {
		return domain.ReconciliationRecord{}, &stubRepoError{notFound: true}
	}
	return record, nil
}

func (r *stubReconciliationStore) List(_ context.Context, filter repositories.ReconciliationListFilter) (domain.CursorPage[domain.ReconciliationRecord], error) {
	r.listFilter = filter
	return r.listResult, nil
}

func (r *stubReconciliationStore) Resolve(_ context.Context, recordID, resolvedBy string, now time.Time) (domain.ReconciliationRecord, error) {
	if r.resolveErr != nil {
		return domain.ReconciliationRecord{}, r.resolveErr
	}
	record, ok := r.records[recordID]
	if !ok {
		return domain.ReconciliationRecord{}, &stubRepoError{notFound: true}
	}
	if record.Status != domain.ReconciliationStatusOpen {
		return domain.ReconciliationRecord{}, &stubRepoError{conflict: true}
	}
	record.Status = domain.ReconciliationStatusResolved
	record.ResolvedBy = &resolvedBy
	record.ResolvedAt = &now
	r.records[recordID] = record
	return record, nil
}

func (s *stubAuditService) Record(_ context.Context, record AuditLogRecord) {
	s.recorded = append(s.recorded, record)
}

func (s *stubAuditService) List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error) {
	s.filter = filter
	return s.result, s.err
}

func TestSystemServiceHealthReportEnrichesMetadata(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start.Add(5 * time.Minute)
	repo := &stubHealthRepository{
		report: domain.SystemHealthReport{
			Checks: map[string]domain.SystemHealthCheck{
				"firestore": {Status: domain.HealthStatusOK},
			},
		},
	}

	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: repo,
		Clock:            func() time.Time { return now },
		Build: BuildInfo{
			Version:     "1.2.3",
			CommitSHA:   "abc123",
			Environment: "prod",
			StartedAt:   start,
		},
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}

	if report.Status != domain.HealthStatusOK {
		t.Fatalf("expected status ok, got %s", report.Status)
	}
	if report.Version != "1.2.3" {
		t.Fatalf("expected version 1.2.3, got %s", report.Version)
	}
	if report.CommitSHA != "abc123" {
		t.Fatalf("expected commit abc123, got %s", report.CommitSHA)
	}
	if report.Environment != "prod" {
		t.Fatalf("expected environment prod, got %s", report.Environment)
	}
	if report.Uptime != now.Sub(start) {
		t.Fatalf("expected uptime %s, got %s", now.Sub(start), report.Uptime)
	}
	if report.GeneratedAt != now {
		t.Fatalf("expected generatedAt %s, got %s", now, report.GeneratedAt)
	}
}

func TestSystemServiceHealthReportErrors(t *testing.T) {
	expected := errors.New("collect failed")
	repo := &stubHealthRepository{err: expected}

	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: repo,
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	_, err = svc.HealthReport(context.Background())
	if !errors.Is(err, expected) {
		t.Fatalf("expected error %v, got %v", expected, err)
	}
}

func TestNewSystemServiceRequiresRepository(t *testing.T) {
	_, err := NewSystemService(SystemServiceDeps{})
	if err == nil {
		t.Fatalf("expected error when repository missing")
	}
}

func TestSystemServiceDerivesStatusWhenMissing(t *testing.T) {
	repo := &stubHealthRepository{
		report: domain.SystemHealthReport{
			Checks: map[string]domain.SystemHealthCheck{
				"pubsub": {Status: domain.HealthStatusDegraded},
				"secret": {Status: domain.HealthStatusOK},
			},
		},
	}

	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: repo,
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if report.Status != domain.HealthStatusDegraded {
		t.Fatalf("expected status degraded, got %s", report.Status)
	}
}

func TestSystemServiceListAuditLogsDelegates(t *testing.T) {
	repo := &stubHealthRepository{}
	audit := &stubAuditService{
		result: domain.CursorPage[domain.AuditLogEntry]{Items: []domain.AuditLogEntry{{ID: "1"}}},
	}

	svc, err := NewSystemService(SystemServiceDeps{HealthRepository: repo, Audit: audit})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	filter := AuditLogFilter{Actor: "admin-1"}
	result, err := svc.ListAuditLogs(context.Background(), filter)
	if err != nil {
		t.Fatalf("ListAuditLogs: %v", err)
	}
	if audit.filter.Actor != "admin-1" {
		t.Fatalf("expected actor filter propagated, got %s", audit.filter.Actor)
	}
	if len(result.Items) != 1 || result.Items[0].ID != "1" {
		t.Fatalf("unexpected result: %+v", result.Items)
	}
}

func TestSystemServiceListAuditLogsMissing(t *testing.T) {
	repo := &stubHealthRepository{}
	svc, err := NewSystemService(SystemServiceDeps{HealthRepository: repo})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	_, err = svc.ListAuditLogs(context.Background(), AuditLogFilter{})
	if err == nil {
		t.Fatalf("expected error when audit service missing")
	}
}

func TestSystemServiceResolveReconciliation(t *testing.T) {
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	repo := &stubReconciliationStore{
		records: map[string]domain.ReconciliationRecord{
			"rec_1": {ID: "rec_1", Status: domain.ReconciliationStatusOpen},
		},
	}
	audit := &stubAuditService{}

	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: &stubHealthRepository{},
		Reconciliations:  repo,
		Audit:            audit,
		Clock:            func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	record, err := svc.ResolveReconciliation(context.Background(), ResolveReconciliationCommand{
		RecordID: "rec_1",
		AdminID:  "admin_1",
		Note:     "refund issued",
	})
	if err != nil {
		t.Fatalf("ResolveReconciliation: %v", err)
	}
	if record.Status != domain.ReconciliationStatusResolved {
		t.Fatalf("expected resolved status, got %s", record.Status)
	}
	if record.ResolvedBy == nil || *record.ResolvedBy != "admin_1" {
		t.Fatalf("expected resolvedBy admin_1, got %v", record.ResolvedBy)
	}
	if len(audit.recorded) != 1 || audit.recorded[0].Action != "reconciliation.resolve" {
		t.Fatalf("expected audit entry for resolve, got %+v", audit.recorded)
	}
}

func TestSystemServiceResolveReconciliationReplay(t *testing.T) {
	resolvedBy := "admin_1"
	repo := &stubReconciliationStore{
		records: map[string]domain.ReconciliationRecord{
			"rec_1": {ID: "rec_1", Status: domain.ReconciliationStatusResolved, ResolvedBy: &resolvedBy},
		},
	}

	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: &stubHealthRepository{},
		Reconciliations:  repo,
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	_, err = svc.ResolveReconciliation(context.Background(), ResolveReconciliationCommand{
		RecordID: "rec_1",
		AdminID:  "admin_2",
	})
	if !errors.Is(err, ErrReconciliationAlreadyResolved) {
		t.Fatalf("expected ErrReconciliationAlreadyResolved, got %v", err)
	}
}

func TestSystemServiceResolveReconciliationNotFound(t *testing.T) {
	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: &stubHealthRepository{},
		Reconciliations:  &stubReconciliationStore{},
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	_, err = svc.ResolveReconciliation(context.Background(), ResolveReconciliationCommand{
		RecordID: "missing",
		AdminID:  "admin_1",
	})
	if !errors.Is(err, ErrReconciliationNotFound) {
		t.Fatalf("expected ErrReconciliationNotFound, got %v", err)
	}
}

func TestSystemServiceListReconciliationsDelegates(t *testing.T) {
	repo := &stubReconciliationStore{
		listResult: domain.CursorPage[domain.ReconciliationRecord]{
			Items: []domain.ReconciliationRecord{{ID: "rec_1"}},
		},
	}
	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: &stubHealthRepository{},
		Reconciliations:  repo,
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	filter := ReconciliationListFilter{Status: []domain.ReconciliationStatus{domain.ReconciliationStatusOpen}}
	page, err := svc.ListReconciliations(context.Background(), filter)
	if err != nil {
		t.Fatalf("ListReconciliations: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != "rec_1" {
		t.Fatalf("unexpected page: %+v", page.Items)
	}
	if len(repo.listFilter.Status) != 1 || repo.listFilter.Status[0] != domain.ReconciliationStatusOpen {
		t.Fatalf("expected status filter propagated, got %+v", repo.listFilter.Status)
	}
}

var _ repositories.HealthRepository = (*stubHealthRepository)(nil)
var _ AuditLogService = (*stubAuditService)(nil)
var _ repositories.ReconciliationRepository = (*stubReconciliationStore)(nil)

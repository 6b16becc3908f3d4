package services

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/herbcart/api/internal/domain"
	"github.com/herbcart/api/internal/repositories"
)

var (
	// ErrReconciliationNotFound indicates no reconciliation record matches the id.
	ErrReconciliationNotFound = errors.New("system: reconciliation record not found")
	// ErrReconciliationAlreadyResolved indicates the record was resolved earlier.
	ErrReconciliationAlreadyResolved = errors.New("system: reconciliation record already resolved")
)

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps bundles collaborators required to construct a system service.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Reconciliations  repositories.ReconciliationRepository
	Clock            func() time.Time
	Build            BuildInfo
	Audit            AuditLogService
}

type systemService struct {
	healthRepo      repositories.HealthRepository
	reconciliations repositories.ReconciliationRepository
	clock           func() time.Time
	build           BuildInfo
	audit           AuditLogService
}

var _ SystemService = (*systemService)(nil)

// NewSystemService assembles the system utility service providing health reports and metadata.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}

	return &systemService{
		healthRepo:      deps.HealthRepository,
		reconciliations: deps.Reconciliations,
		clock: func() time.Time {
			return clock().UTC()
		},
		build: build,
		audit: deps.Audit,
	}, nil
}

func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	if ctx == nil {
		return SystemHealthReport{}, errors.New("system service: context is required")
	}

	report, err := s.healthRepo.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}

	now := s.clock()
	report.GeneratedAt = ensureTimestamp(report.GeneratedAt, now)
	report.Version = chooseFirstNonEmpty(report.Version, s.build.Version)
	report.CommitSHA = chooseFirstNonEmpty(report.CommitSHA, s.build.CommitSHA)
	report.Environment = chooseFirstNonEmpty(report.Environment, s.build.Environment)

	if report.Uptime <= 0 && !s.build.StartedAt.IsZero() {
		report.Uptime = now.Sub(s.build.StartedAt)
	}

	if len(report.Checks) == 0 {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}

	if strings.TrimSpace(report.Status) == "" {
		report.Status = deriveStatus(report.Checks)
	}

	return report, nil
}

func (s *systemService) ListAuditLogs(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error) {
	if ctx == nil {
		return domain.CursorPage[domain.AuditLogEntry]{}, errors.New("system service: context is required")
	}
	if s.audit == nil {
		return domain.CursorPage[domain.AuditLogEntry]{}, errors.New("system service: audit service not configured")
	}
	return s.audit.List(ctx, filter)
}

func (s *systemService) ListReconciliations(ctx context.Context, filter ReconciliationListFilter) (domain.CursorPage[domain.ReconciliationRecord], error) {
	if ctx == nil {
		return domain.CursorPage[domain.ReconciliationRecord]{}, errors.New("system service: context is required")
	}
	if s.reconciliations == nil {
		return domain.CursorPage[domain.ReconciliationRecord]{}, errors.New("system service: reconciliation repository not configured")
	}
	return s.reconciliations.List(ctx, filter)
}

// ResolveReconciliation marks an open record resolved and stamps the operator.
// Resolution is a one-way transition; replays surface ErrReconciliationAlreadyResolved.
func (s *systemService) ResolveReconciliation(ctx context.Context, cmd ResolveReconciliationCommand) (domain.ReconciliationRecord, error) {
	if ctx == nil {
		return domain.ReconciliationRecord{}, errors.New("system service: context is required")
	}
	if s.reconciliations == nil {
		return domain.ReconciliationRecord{}, errors.New("system service: reconciliation repository not configured")
	}
	recordID := strings.TrimSpace(cmd.RecordID)
	adminID := strings.TrimSpace(cmd.AdminID)
	if recordID == "" || adminID == "" {
		return domain.ReconciliationRecord{}, errors.New("system service: record id and admin id are required")
	}

	now := s.clock()
	record, err := s.reconciliations.Resolve(ctx, recordID, adminID, now)
	if err != nil {
		var repoErr repositories.RepositoryError
		switch {
		case errors.As(err, &repoErr) && repoErr.IsNotFound():
			return domain.ReconciliationRecord{}, ErrReconciliationNotFound
		case errors.As(err, &repoErr) && repoErr.IsConflict():
			return domain.ReconciliationRecord{}, ErrReconciliationAlreadyResolved
		}
		return domain.ReconciliationRecord{}, err
	}

	if s.audit != nil {
		s.audit.Record(ctx, AuditLogRecord{
			Actor:      adminID,
			ActorType:  "admin",
			Action:     "reconciliation.resolve",
			TargetRef:  "reconciliations/" + recordID,
			Severity:   "info",
			OccurredAt: now,
			Metadata: map[string]any{
				"note": strings.TrimSpace(cmd.Note),
			},
		})
	}

	return record, nil
}

func ensureTimestamp(ts time.Time, fallback time.Time) time.Time {
	if ts.IsZero() {
		return fallback
	}
	return ts.UTC()
}

func chooseFirstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func deriveStatus(checks map[string]domain.SystemHealthCheck) string {
	if len(checks) == 0 {
		return domain.HealthStatusOK
	}
	status := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusOK, "":
			continue
		case domain.HealthStatusError:
			return domain.HealthStatusError
		default:
			status = domain.HealthStatusDegraded
		}
	}
	return status
}

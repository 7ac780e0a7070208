package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/moss-itam/moss/internal/jobs"
	"github.com/moss-itam/moss/internal/shared"
)

// AuditStore persists and prunes audit entries.
type AuditStore interface {
	Record(ctx context.Context, log shared.AuditLog) error
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// AuditJobs handles the audit task types.
type AuditJobs struct {
	store     AuditStore
	retention time.Duration
	metrics   *jobmetrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewAuditJobs builds the audit handlers.
func NewAuditJobs(store AuditStore, retention time.Duration, metrics *jobmetrics.Metrics, logger *slog.Logger) *AuditJobs {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditJobs{store: store, retention: retention, metrics: metrics, logger: logger, now: time.Now}
}

// Handlers lists the task handlers for NewWorker.
func (j *AuditJobs) Handlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskAuditRecord, Handler: j.HandleRecord},
		{Type: TaskAuditPrune, Handler: j.HandlePrune},
	}
}

// HandleRecord processes TaskAuditRecord tasks.
func (j *AuditJobs) HandleRecord(ctx context.Context, t *asynq.Task) error {
	tracker := j.metrics.Track(TaskAuditRecord)
	var log shared.AuditLog
	if err := json.Unmarshal(t.Payload(), &log); err != nil {
		return tracker.End(fmt.Errorf("decode audit payload: %v: %w", err, asynq.SkipRetry))
	}
	if err := log.Validate(); err != nil {
		return tracker.End(fmt.Errorf("%v: %w", err, asynq.SkipRetry))
	}
	return tracker.End(j.store.Record(ctx, log))
}

// HandlePrune processes TaskAuditPrune tasks.
func (j *AuditJobs) HandlePrune(ctx context.Context, t *asynq.Task) error {
	tracker := j.metrics.Track(TaskAuditPrune)
	var payload AuditPrunePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return tracker.End(fmt.Errorf("decode prune payload: %v: %w", err, asynq.SkipRetry))
		}
	}
	retention := j.retention
	if payload.Retention > 0 {
		retention = payload.Retention
	}
	if retention <= 0 {
		return tracker.End(fmt.Errorf("audit retention not configured: %w", asynq.SkipRetry))
	}

	before := j.now().UTC().Add(-retention)
	removed, err := j.store.Prune(ctx, before)
	if err != nil {
		return tracker.End(err)
	}
	j.metrics.AddAuditPruned(removed)
	j.logger.Info("audit logs pruned", slog.String("job", TaskAuditPrune), slog.Int64("removed", removed), slog.Time("before", before))
	return tracker.End(nil)
}

package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/moss-itam/moss/internal/shared"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueAudit receives audit writes so maintenance jobs never delay them.
	QueueAudit = "audit"

	// TaskAuditRecord persists one audit log entry.
	TaskAuditRecord = "audit:record"
	// TaskAuditPrune removes audit entries past the retention window.
	TaskAuditPrune = "audit:prune"
)

// AuditPrunePayload overrides the configured retention for one run.
type AuditPrunePayload struct {
	Retention time.Duration `json:"retention,omitempty"`
}

// NewAuditRecordTask constructs the task carrying log.
func NewAuditRecordTask(log shared.AuditLog) (*asynq.Task, error) {
	if err := log.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(log)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditRecord, data, asynq.Queue(QueueAudit), asynq.MaxRetry(10)), nil
}

// NewAuditPruneTask constructs a prune task. A zero retention uses the
// worker's configured value.
func NewAuditPruneTask(retention time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(AuditPrunePayload{Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditPrune, data, asynq.Queue(QueueDefault), asynq.MaxRetry(3), asynq.Unique(time.Hour)), nil
}

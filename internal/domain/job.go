package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// PriorityClass maps a priority name to its dispatch class. Higher wins.
func PriorityClass(priority string) (int, bool) {
	switch priority {
	case PriorityLow:
		return 0, true
	case PriorityNormal:
		return 1, true
	case PriorityHigh:
		return 2, true
	case PriorityUrgent:
		return 3, true
	default:
		return 0, false
	}
}

func TerminalStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Job is the unit of work. Progress is monotone until terminal; State carries
// the orchestrator checkpoint so a re-dispatched job resumes from the last
// completed stage.
type Job struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	UserID          uuid.UUID      `gorm:"type:uuid;not null;index:idx_jobs_user_created,priority:1;uniqueIndex:uniq_jobs_user_idem,priority:1" json:"user_id"`
	Priority        string         `gorm:"column:priority;not null;default:normal" json:"priority"`
	Status          string         `gorm:"column:status;not null;index" json:"status"`
	Configuration   datatypes.JSON `gorm:"column:configuration;type:jsonb" json:"configuration"`
	Progress        float64        `gorm:"column:progress;type:numeric(5,2);not null;default:0" json:"progress"`
	CurrentStage    *string        `gorm:"column:current_stage" json:"current_stage,omitempty"`
	StagesCompleted datatypes.JSON `gorm:"column:stages_completed;type:jsonb" json:"stages_completed"`
	Error           datatypes.JSON `gorm:"column:error;type:jsonb" json:"error,omitempty"`
	Attempts        datatypes.JSON `gorm:"column:attempts;type:jsonb" json:"attempts,omitempty"`
	State           datatypes.JSON `gorm:"column:state;type:jsonb" json:"-"`
	IdempotencyKey  *string        `gorm:"column:idempotency_key;uniqueIndex:uniq_jobs_user_idem,priority:2" json:"-"`
	BatchID         *uuid.UUID     `gorm:"type:uuid;column:batch_id" json:"batch_id,omitempty"`
	CreatedAt       time.Time      `gorm:"not null;default:now();index:idx_jobs_user_created,priority:2,sort:desc" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	StartedAt       *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt     *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

func (Job) TableName() string { return "jobs" }

// QueueEntry is the durable dispatch record. A job has at most one entry; the
// lease columns are the serialization point for worker assignment.
type QueueEntry struct {
	JobID          uuid.UUID  `gorm:"type:uuid;primaryKey" json:"job_id"`
	Priority       int        `gorm:"column:priority;not null;index:idx_queue_dispatch,priority:1,sort:desc" json:"priority"`
	EnqueuedAt     time.Time  `gorm:"not null;index:idx_queue_dispatch,priority:2" json:"enqueued_at"`
	VisibleAfter   time.Time  `gorm:"not null;index" json:"visible_after"`
	LeaseOwner     *string    `gorm:"column:lease_owner" json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `gorm:"column:lease_expires_at" json:"lease_expires_at,omitempty"`
	Attempts       int        `gorm:"column:attempts;not null;default:0" json:"attempts"`
	DeadLettered   bool       `gorm:"column:dead_lettered;not null;default:false" json:"dead_lettered"`
}

func (QueueEntry) TableName() string { return "job_queue" }

// ProgressEvent is append-only, ordered per job by emission.
type ProgressEvent struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	JobID      uuid.UUID `gorm:"type:uuid;not null;index" json:"job_id"`
	TS         time.Time `gorm:"column:ts;not null" json:"ts"`
	Stage      string    `gorm:"column:stage;not null" json:"stage"`
	Percentage float64   `gorm:"column:percentage;type:numeric(5,2);not null" json:"percentage"`
	Message    string    `gorm:"column:message" json:"message,omitempty"`
	Severity   string    `gorm:"column:severity;not null;default:info" json:"severity"`
}

func (ProgressEvent) TableName() string { return "progress_events" }

// ErrorRecord is the persisted failure summary stored on Job.Error.
type ErrorRecord struct {
	Kind          string         `json:"kind"`
	Message       string         `json:"message"`
	Stage         string         `json:"stage,omitempty"`
	Retryable     bool           `json:"retryable"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	TS            time.Time      `json:"ts"`
}

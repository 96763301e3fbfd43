package queue

import (
	"time"

	"github.com/google/uuid"

	jobrepo "github.com/yungbote/vidforge-backend/internal/data/repos/jobs"
	"github.com/yungbote/vidforge-backend/internal/domain"
	"github.com/yungbote/vidforge-backend/internal/platform/apierr"
	"github.com/yungbote/vidforge-backend/internal/platform/clock"
	"github.com/yungbote/vidforge-backend/internal/platform/dbctx"
	"github.com/yungbote/vidforge-backend/internal/platform/envutil"
	"github.com/yungbote/vidforge-backend/internal/platform/logger"
)

// Queue is the dispatch facade over the durable queue table. It owns lease
// duration and the dead-letter threshold; callers never see raw queue rows
// except through Dequeue.
type Queue struct {
	log         *logger.Logger
	repo        jobrepo.QueueRepo
	clk         clock.Clock
	leaseTTL    time.Duration
	maxAttempts int
}

func New(log *logger.Logger, repo jobrepo.QueueRepo, clk clock.Clock) *Queue {
	if clk == nil {
		clk = clock.System()
	}
	return &Queue{
		log:         log.With("component", "JobQueue"),
		repo:        repo,
		clk:         clk,
		leaseTTL:    envutil.DurationMS("LEASE_TTL_MS", 60*time.Second),
		maxAttempts: envutil.Int("DEAD_LETTER_MAX_ATTEMPTS", 5),
	}
}

func (q *Queue) LeaseTTL() time.Duration { return q.leaseTTL }

// RenewInterval is how often an active worker refreshes its lease.
func (q *Queue) RenewInterval() time.Duration { return q.leaseTTL / 3 }

// Enqueue makes job dispatchable. Unknown priorities are rejected before any
// row is written.
func (q *Queue) Enqueue(dbc dbctx.Context, job *domain.Job) error {
	class, ok := domain.PriorityClass(job.Priority)
	if !ok {
		return apierr.Ef(apierr.KindValidation, "", "unknown priority %q", job.Priority)
	}
	now := q.clk.Now()
	return q.repo.Enqueue(dbc, &domain.QueueEntry{
		JobID:        job.ID,
		Priority:     class,
		EnqueuedAt:   now,
		VisibleAfter: now,
	})
}

func (q *Queue) Dequeue(dbc dbctx.Context, workerID string) (*domain.QueueEntry, error) {
	return q.repo.Dequeue(dbc, workerID, q.clk.Now(), q.leaseTTL)
}

func (q *Queue) RenewLease(dbc dbctx.Context, jobID uuid.UUID, workerID string) (bool, error) {
	return q.repo.RenewLease(dbc, jobID, workerID, q.clk.Now(), q.leaseTTL)
}

func (q *Queue) Ack(dbc dbctx.Context, jobID uuid.UUID, workerID string) (bool, error) {
	return q.repo.Ack(dbc, jobID, workerID)
}

// Nack returns the job to the queue after delay. The returned entry reports
// whether the dead-letter threshold was crossed.
func (q *Queue) Nack(dbc dbctx.Context, jobID uuid.UUID, workerID string, delay time.Duration) (*domain.QueueEntry, error) {
	return q.repo.Nack(dbc, jobID, workerID, q.clk.Now(), delay, q.maxAttempts)
}

// Remove drops the queue entry regardless of lease state. Used by cancel.
func (q *Queue) Remove(dbc dbctx.Context, jobID uuid.UUID) error {
	return q.repo.Delete(dbc, jobID)
}

func (q *Queue) Depth(dbc dbctx.Context) (map[int]int64, error) {
	return q.repo.Depth(dbc, q.clk.Now())
}

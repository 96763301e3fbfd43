package worker

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	jobrepo "github.com/yungbote/vidforge-backend/internal/data/repos/jobs"
	"github.com/yungbote/vidforge-backend/internal/domain"
	"github.com/yungbote/vidforge-backend/internal/jobs/queue"
	jobrt "github.com/yungbote/vidforge-backend/internal/jobs/runtime"
	"github.com/yungbote/vidforge-backend/internal/observability"
	"github.com/yungbote/vidforge-backend/internal/platform/apierr"
	"github.com/yungbote/vidforge-backend/internal/platform/dbctx"
	"github.com/yungbote/vidforge-backend/internal/platform/envutil"
	"github.com/yungbote/vidforge-backend/internal/platform/logger"
	"github.com/yungbote/vidforge-backend/internal/platform/retry"
	"github.com/yungbote/vidforge-backend/internal/progress"
)

// Pool runs N claim loops against the queue. Each claimed job gets its own
// cancellable context plus a lease-renewal goroutine; losing the lease
// cancels the run so two workers never advance the same job.
type Pool struct {
	log      *logger.Logger
	queue    *queue.Queue
	jobRepo  jobrepo.Repo
	registry *jobrt.Registry
	reporter *progress.Reporter
	policy   retry.Policy

	count      int
	pollMin    time.Duration
	pollMax    time.Duration
	cancelPoll time.Duration

	wg sync.WaitGroup
}

func NewPool(log *logger.Logger, q *queue.Queue, jobRepo jobrepo.Repo, registry *jobrt.Registry, reporter *progress.Reporter, policy retry.Policy, defaultCount int) *Pool {
	count := envutil.Int("WORKER_COUNT", defaultCount)
	if count < 1 {
		count = 1
	}
	return &Pool{
		log:      log.With("component", "WorkerPool"),
		queue:    q,
		jobRepo:  jobRepo,
		registry: registry,
		reporter: reporter,
		policy:   policy,
		count:      count,
		pollMin:    envutil.DurationMS("DEQUEUE_POLL_MIN_MS", 10*time.Millisecond),
		pollMax:    envutil.DurationMS("DEQUEUE_POLL_MAX_MS", 500*time.Millisecond),
		cancelPoll: envutil.DurationMS("CANCEL_POLL_MS", time.Second),
	}
}

func (p *Pool) Start(ctx context.Context) {
	p.log.Info("Starting worker pool", "count", p.count)
	for i := 0; i < p.count; i++ {
		workerID := fmt.Sprintf("worker-%d-%s", i+1, uuid.NewString()[:8])
		p.wg.Add(1)
		go p.runLoop(ctx, workerID)
	}
}

// Wait blocks until all claim loops have drained after ctx cancellation.
func (p *Pool) Wait() { p.wg.Wait() }

func (p *Pool) runLoop(ctx context.Context, workerID string) {
	defer p.wg.Done()
	log := p.log.With("worker_id", workerID)

	for {
		select {
		case <-ctx.Done():
			log.Info("Worker loop stopped")
			return
		case <-time.After(p.pollInterval()):
		}

		entry, err := p.queue.Dequeue(dbctx.Context{Ctx: ctx}, workerID)
		if err != nil {
			log.Warn("Dequeue failed", "error", err)
			continue
		}
		if entry == nil {
			continue
		}
		p.execute(ctx, log, workerID, entry)
	}
}

func (p *Pool) pollInterval() time.Duration {
	spread := p.pollMax - p.pollMin
	if spread <= 0 {
		return p.pollMin
	}
	return p.pollMin + time.Duration(rand.Int63n(int64(spread)))
}

func (p *Pool) execute(ctx context.Context, log *logger.Logger, workerID string, entry *domain.QueueEntry) {
	job, err := p.jobRepo.GetByID(dbctx.Context{Ctx: ctx}, entry.JobID)
	if err != nil || job == nil {
		log.Warn("Claimed entry has no job; dropping", "job_id", entry.JobID, "error", err)
		_, _ = p.queue.Ack(dbctx.Context{Ctx: ctx}, entry.JobID, workerID)
		return
	}
	if domain.TerminalStatus(job.Status) {
		_, _ = p.queue.Ack(dbctx.Context{Ctx: ctx}, entry.JobID, workerID)
		return
	}

	cfg, err := domain.DecodeVideoConfig(job.Configuration)
	if err == nil {
		err = cfg.Normalize()
	}
	if err != nil {
		// Validation happened at submit; a bad row here is corrupt data.
		p.failJob(ctx, log, workerID, job, apierr.E(apierr.KindInternal, "", fmt.Errorf("decode configuration: %w", err)))
		return
	}

	now := time.Now().UTC()
	_, _ = p.jobRepo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: ctx}, job.ID,
		[]string{domain.JobStatusCompleted, domain.JobStatusFailed, domain.JobStatusCancelled},
		startFields(job, now))
	job.Status = domain.JobStatusProcessing
	if job.StartedAt == nil {
		job.StartedAt = &now
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	leaseDone := make(chan struct{})
	go p.renewLoop(runCtx, log, workerID, job.ID, cancel, leaseDone)

	watchDone := make(chan struct{})
	go p.cancelWatch(runCtx, log, job.ID, cancel, watchDone)

	jc := jobrt.NewContext(runCtx, p.log, job, cfg, p.jobRepo, p.reporter, workerID)

	dispatchStart := time.Now()
	runErr := p.runHandler(log, jc, job)
	observability.Current().ObserveDispatch(jobrt.KindVideoGeneration, dispatchOutcome(runErr), time.Since(dispatchStart))

	cancel()
	<-leaseDone
	<-watchDone

	p.settle(ctx, log, workerID, jc, job, runErr)
}

// runHandler dispatches with a panic guard.
func (p *Pool) runHandler(log *logger.Logger, jc *jobrt.Context, job *domain.Job) (runErr error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Job handler panic",
				"job_id", job.ID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			runErr = apierr.Ef(apierr.KindInternal, "panic", "panic: %v", r)
		}
	}()

	h, ok := p.registry.Get(jobrt.KindVideoGeneration)
	if !ok {
		return apierr.Ef(apierr.KindInternal, "dispatch", "no handler registered")
	}
	return h.Run(jc)
}

// settle resolves the queue entry after a run: ack terminal jobs, nack
// retryable failures with backoff, dead-letter when the budget is spent.
func (p *Pool) settle(ctx context.Context, log *logger.Logger, workerID string, jc *jobrt.Context, job *domain.Job, runErr error) {
	dbc := dbctx.Context{Ctx: ctx}

	if runErr == nil {
		// Handler settled the job (completed, failed, or cancelled).
		if _, err := p.queue.Ack(dbc, job.ID, workerID); err != nil {
			log.Warn("Ack failed", "job_id", job.ID, "error", err)
		}
		return
	}

	if !apierr.Retryable(runErr) {
		p.failJob(ctx, log, workerID, job, runErr)
		return
	}

	entry, err := p.queue.Nack(dbc, job.ID, workerID, p.nackDelay(runErr))
	if err != nil {
		log.Warn("Nack failed", "job_id", job.ID, "error", err)
		return
	}
	if entry == nil {
		// Lease already lost; the next holder owns the outcome.
		return
	}
	if entry.DeadLettered {
		log.Error("Job dead-lettered", "job_id", job.ID, "attempts", entry.Attempts)
		jc.Fail(stageOf(runErr), apierr.E(apierr.KindInternal, stageOf(runErr),
			fmt.Errorf("retry budget exhausted after %d dispatches: %w", entry.Attempts, runErr)))
		return
	}
	log.Warn("Job re-queued",
		"job_id", job.ID,
		"attempts", entry.Attempts,
		"visible_after", entry.VisibleAfter,
		"error", runErr.Error(),
	)
}

func (p *Pool) nackDelay(err error) time.Duration {
	if hint := apierr.RetryAfterFrom(err); hint > 0 {
		return hint
	}
	d, ok := p.policy.Next(err, 1)
	if !ok || d <= 0 {
		return 5 * time.Second
	}
	return d
}

func (p *Pool) failJob(ctx context.Context, log *logger.Logger, workerID string, job *domain.Job, err error) {
	jc := jobrt.NewContext(ctx, p.log, job, domain.VideoConfig{}, p.jobRepo, p.reporter, workerID)
	jc.Fail(stageOf(err), err)
	if _, aerr := p.queue.Ack(dbctx.Context{Ctx: ctx}, job.ID, workerID); aerr != nil {
		log.Warn("Ack after failure failed", "job_id", job.ID, "error", aerr)
	}
}

// renewLoop refreshes the lease at a third of its TTL. A failed renewal
// cancels the run context; the handler observes cancellation at its next
// checkpoint.
func (p *Pool) renewLoop(ctx context.Context, log *logger.Logger, workerID string, jobID uuid.UUID, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.queue.RenewInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := p.queue.RenewLease(dbctx.Context{Ctx: ctx}, jobID, workerID)
			if err != nil {
				log.Warn("Lease renewal error", "job_id", jobID, "error", err)
				continue
			}
			if !ok {
				log.Warn("Lease lost; cancelling run", "job_id", jobID)
				cancel()
				return
			}
		}
	}
}

// startFields builds the processing transition. started_at is written once;
// a re-dispatched job keeps its original start time.
func startFields(job *domain.Job, now time.Time) map[string]interface{} {
	fields := map[string]interface{}{
		"status": domain.JobStatusProcessing,
	}
	if job.StartedAt == nil {
		fields["started_at"] = now
	}
	return fields
}

// cancelWatch polls the persisted status while a job runs. An API cancel
// lands in the jobs row; cancelling the run context here is what reaches the
// active stage and, through it, any render subprocess.
func (p *Pool) cancelWatch(ctx context.Context, log *logger.Logger, jobID uuid.UUID, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.cancelPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := p.jobRepo.GetByID(dbctx.Context{Ctx: ctx}, jobID)
			if err != nil || job == nil {
				continue
			}
			if job.Status == domain.JobStatusCancelled {
				log.Info("Cancel observed; stopping run", "job_id", jobID)
				cancel()
				return
			}
		}
	}
}

func dispatchOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case apierr.Retryable(err):
		return "retry"
	default:
		return "failed"
	}
}

func stageOf(err error) string {
	if s := apierr.StageOf(err); s != "" {
		return s
	}
	return "run"
}

package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"

	jobrepo "github.com/yungbote/vidforge-backend/internal/data/repos/jobs"
	"github.com/yungbote/vidforge-backend/internal/domain"
	"github.com/yungbote/vidforge-backend/internal/observability"
	"github.com/yungbote/vidforge-backend/internal/platform/apierr"
	"github.com/yungbote/vidforge-backend/internal/platform/ctxutil"
	"github.com/yungbote/vidforge-backend/internal/platform/dbctx"
	"github.com/yungbote/vidforge-backend/internal/platform/logger"
	"github.com/yungbote/vidforge-backend/internal/progress"
	"github.com/yungbote/vidforge-backend/internal/sse"
)

// Context is the execution handle for one claimed job. Pipelines never touch
// the jobs row directly; progress and termination go through this object so
// the guards (terminal status is sticky, progress is monotone) live in one
// place.
type Context struct {
	Ctx      context.Context
	Job      *domain.Job
	Config   domain.VideoConfig
	Repo     jobrepo.Repo
	Reporter *progress.Reporter
	WorkerID string

	log *logger.Logger
}

var terminalStatuses = []string{
	domain.JobStatusCompleted,
	domain.JobStatusFailed,
	domain.JobStatusCancelled,
}

func NewContext(ctx context.Context, log *logger.Logger, job *domain.Job, cfg domain.VideoConfig, repo jobrepo.Repo, reporter *progress.Reporter, workerID string) *Context {
	return &Context{
		Ctx:      ctx,
		Job:      job,
		Config:   cfg,
		Repo:     repo,
		Reporter: reporter,
		WorkerID: workerID,
		log:      log.With("component", "JobContext", "job_id", job.ID),
	}
}

func (c *Context) dbc() dbctx.Context { return dbctx.Context{Ctx: c.Ctx} }

// Progress reports a coalescable update.
func (c *Context) Progress(stage string, pct float64, msg string) {
	c.report(stage, pct, msg, false)
}

// ProgressFinal reports an update that must not be coalesced away, typically
// stage entry and completion.
func (c *Context) ProgressFinal(stage string, pct float64, msg string) {
	c.report(stage, pct, msg, true)
}

func (c *Context) report(stage string, pct float64, msg string, final bool) {
	if c == nil || c.Reporter == nil || c.Job == nil {
		return
	}
	emitted := c.Reporter.Report(c.dbc(), progress.Update{
		JobID:      c.Job.ID,
		Stage:      stage,
		Percentage: pct,
		Message:    msg,
		Final:      final,
	})
	if emitted && pct > c.Job.Progress {
		c.Job.Progress = pct
		c.Job.CurrentStage = &stage
	}
}

// MarkStageCompleted checkpoints stage into stages_completed.
func (c *Context) MarkStageCompleted(stage string) error {
	return c.Repo.MarkStageCompleted(c.dbc(), c.Job, stage)
}

// SaveState persists the orchestrator checkpoint.
func (c *Context) SaveState(state []byte) error {
	if err := c.Repo.SaveState(c.dbc(), c.Job.ID, state); err != nil {
		return err
	}
	c.Job.State = datatypes.JSON(state)
	return nil
}

// Cancelled reports whether the job was cancelled out from under us. It
// checks the run context first, then the persisted status.
func (c *Context) Cancelled() bool {
	if c.Ctx.Err() != nil {
		return true
	}
	cur, err := c.Repo.GetByID(dbctx.Context{Ctx: ctxutil.Default(c.Ctx)}, c.Job.ID)
	if err != nil || cur == nil {
		return false
	}
	if cur.Status == domain.JobStatusCancelled {
		c.Job.Status = domain.JobStatusCancelled
		return true
	}
	return false
}

// Fail terminates the job with a persisted error record. A cancelled or
// already-terminal job is left untouched.
func (c *Context) Fail(stage string, err error) {
	if c == nil || c.Job == nil {
		return
	}
	ctx := ctxutil.Default(c.Ctx)
	now := time.Now().UTC()

	kind := apierr.KindOf(err)
	rec := domain.ErrorRecord{
		Kind:          string(kind),
		Message:       err.Error(),
		Stage:         stage,
		Retryable:     apierr.Retryable(err),
		CorrelationID: correlationFrom(ctx, err),
		TS:            now,
	}
	raw, _ := json.Marshal(rec)

	ok, uerr := c.Repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: ctx}, c.Job.ID, terminalStatuses, map[string]interface{}{
		"status":        domain.JobStatusFailed,
		"current_stage": stage,
		"error":         datatypes.JSON(raw),
		"completed_at":  now,
	})
	if uerr != nil {
		c.log.Error("Failed persisting job failure", "error", uerr)
		return
	}
	if !ok {
		return
	}

	c.Job.Status = domain.JobStatusFailed
	c.Job.CurrentStage = &stage
	c.Job.Error = datatypes.JSON(raw)
	c.Job.CompletedAt = &now

	c.log.Warn("Job failed", "stage", stage, "kind", string(kind), "error", err.Error())
	observability.Current().IncJobOutcome(domain.JobStatusFailed)
	if c.Reporter != nil {
		c.Reporter.Terminal(dbctx.Context{Ctx: ctx}, c.Job.ID, sse.EventJobFailed, rec)
		c.Reporter.Forget(c.Job.ID)
	}
}

// Succeed terminates the job as completed with 100% progress.
func (c *Context) Succeed() {
	if c == nil || c.Job == nil {
		return
	}
	ctx := ctxutil.Default(c.Ctx)
	now := time.Now().UTC()

	ok, uerr := c.Repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: ctx}, c.Job.ID, terminalStatuses, map[string]interface{}{
		"status":        domain.JobStatusCompleted,
		"current_stage": domain.StageCompleted,
		"progress":      100.0,
		"completed_at":  now,
	})
	if uerr != nil {
		c.log.Error("Failed persisting job completion", "error", uerr)
		return
	}
	if !ok {
		return
	}

	stage := domain.StageCompleted
	c.Job.Status = domain.JobStatusCompleted
	c.Job.CurrentStage = &stage
	c.Job.Progress = 100
	c.Job.CompletedAt = &now

	c.log.Info("Job completed")
	observability.Current().IncJobOutcome(domain.JobStatusCompleted)
	if c.Reporter != nil {
		c.Reporter.Terminal(dbctx.Context{Ctx: ctx}, c.Job.ID, sse.EventJobCompleted, map[string]any{
			"job_id": c.Job.ID,
			"status": domain.JobStatusCompleted,
		})
		c.Reporter.Forget(c.Job.ID)
	}
}

// MarkCancelled finalizes a cooperative cancellation observed mid-run.
func (c *Context) MarkCancelled(stage string) {
	if c == nil || c.Job == nil {
		return
	}
	ctx := ctxutil.Default(c.Ctx)
	now := time.Now().UTC()

	// Status is usually already cancelled via the API; this covers the
	// processing -> cancelled edge when the worker notices first.
	_, _ = c.Repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: ctx}, c.Job.ID,
		[]string{domain.JobStatusCompleted, domain.JobStatusFailed},
		map[string]interface{}{
			"status":        domain.JobStatusCancelled,
			"current_stage": stage,
			"completed_at":  now,
		})
	c.Job.Status = domain.JobStatusCancelled

	c.log.Info("Job cancelled", "stage", stage)
	observability.Current().IncJobOutcome(domain.JobStatusCancelled)
	if c.Reporter != nil {
		c.Reporter.Terminal(dbctx.Context{Ctx: ctx}, c.Job.ID, sse.EventJobCancelled, map[string]any{
			"job_id": c.Job.ID,
			"status": domain.JobStatusCancelled,
			"stage":  stage,
		})
		c.Reporter.Forget(c.Job.ID)
	}
}

func correlationFrom(ctx context.Context, err error) string {
	var ae *apierr.Error
	if errors.As(err, &ae) && ae.CorrelationID != "" {
		return ae.CorrelationID
	}
	return ctxutil.CorrelationID(ctx)
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jobrepo "github.com/yungbote/vidforge-backend/internal/data/repos/jobs"
	"github.com/yungbote/vidforge-backend/internal/domain"
	"github.com/yungbote/vidforge-backend/internal/jobs/runtime"
	"github.com/yungbote/vidforge-backend/internal/observability"
	"github.com/yungbote/vidforge-backend/internal/platform/apierr"
	"github.com/yungbote/vidforge-backend/internal/platform/retry"
)

// Stage is one pipeline step. Timeout may depend on accumulated state (the
// render budget scales with scene count).
type Stage struct {
	Name    string
	Timeout func(st *State) time.Duration
	Run     func(jc *runtime.Context, st *State) error
}

// Engine drives a job through its stage list. Completed stages are skipped
// on re-dispatch; failures are either retried in place (per the retry
// policy), surfaced to the worker for a backoff re-queue, or terminal.
type Engine struct {
	Policy retry.Policy
}

func NewEngine(policy retry.Policy) *Engine {
	return &Engine{Policy: policy}
}

// Run executes stages in order. A non-nil return means the job should go
// back to the queue with backoff; terminal outcomes (success, failure,
// cancellation) are settled here and return nil.
func (e *Engine) Run(jc *runtime.Context, stages []Stage) error {
	if jc == nil || jc.Job == nil {
		return nil
	}
	if err := validateStages(stages); err != nil {
		jc.Fail("validate", apierr.E(apierr.KindInternal, "validate", err))
		return nil
	}

	st := LoadState(jc)
	completed := map[string]bool{}
	for _, s := range jobStagePrefix(jc) {
		completed[s] = true
	}

	for _, def := range stages {
		if completed[def.Name] {
			continue
		}
		if jc.Cancelled() {
			jc.MarkCancelled(def.Name)
			return nil
		}

		jc.ProgressFinal(def.Name, entryPct(def.Name, st), "")

		stageStart := time.Now()
		if err := e.runStage(jc, st, def); err != nil {
			observability.Current().ObservePipelineStage(def.Name, stageStatus(err), time.Since(stageStart))
			if apierr.Is(err, apierr.KindCancelled) || jc.Cancelled() {
				_ = SaveState(jc, st)
				jc.MarkCancelled(def.Name)
				return nil
			}
			_ = SaveState(jc, st)
			if apierr.Retryable(err) {
				// Out of in-process attempts; hand back to the queue.
				return err
			}
			jc.Fail(def.Name, err)
			return nil
		}

		observability.Current().ObservePipelineStage(def.Name, "ok", time.Since(stageStart))

		delete(st.Attempts, def.Name)
		if err := SaveState(jc, st); err != nil {
			jc.Fail(def.Name, apierr.E(apierr.KindInternal, def.Name, fmt.Errorf("checkpoint: %w", err)))
			return nil
		}
		if err := jc.MarkStageCompleted(def.Name); err != nil {
			jc.Fail(def.Name, apierr.E(apierr.KindInternal, def.Name, fmt.Errorf("record stage completion: %w", err)))
			return nil
		}
	}

	jc.Succeed()
	return nil
}

// runStage retries the stage body in process until the retry budget for the
// error kind is spent.
func (e *Engine) runStage(jc *runtime.Context, st *State, def Stage) error {
	for {
		err := e.runOnce(jc, st, def)
		if err == nil {
			return nil
		}
		err = tagStage(err, def.Name)

		st.Attempts[def.Name]++
		attempts := st.Attempts[def.Name]

		delay, ok := e.Policy.Next(err, attempts)
		if !ok {
			return err
		}
		_ = SaveState(jc, st)

		select {
		case <-jc.Ctx.Done():
			return apierr.E(apierr.KindCancelled, def.Name, jc.Ctx.Err())
		case <-time.After(delay):
		}
	}
}

func (e *Engine) runOnce(jc *runtime.Context, st *State, def Stage) error {
	timeout := time.Duration(0)
	if def.Timeout != nil {
		timeout = def.Timeout(st)
	}
	if timeout <= 0 {
		return def.Run(jc, st)
	}

	tctx, cancel := context.WithTimeout(jc.Ctx, timeout)
	defer cancel()
	scoped := *jc
	scoped.Ctx = tctx

	// The goroutine gets its own checkpoint copy; an abandoned stage body
	// cannot race the SaveState that follows a timeout.
	scopedState := st.clone()
	done := make(chan error, 1)
	go func() {
		done <- def.Run(&scoped, scopedState)
	}()

	select {
	case <-tctx.Done():
		if jc.Ctx.Err() != nil {
			return apierr.E(apierr.KindCancelled, def.Name, jc.Ctx.Err())
		}
		return apierr.E(apierr.KindTimeout, def.Name, fmt.Errorf("stage %q exceeded %s", def.Name, timeout))
	case err := <-done:
		*st = *scopedState
		return err
	}
}

func entryPct(stage string, st *State) float64 {
	pct, ok := domain.StageEntryPct[stage]
	if !ok {
		return st.LastProgress
	}
	if pct > st.LastProgress {
		st.LastProgress = pct
	}
	return st.LastProgress
}

func jobStagePrefix(jc *runtime.Context) []string {
	return jobrepo.DecodeStages(jc.Job.StagesCompleted)
}

func validateStages(stages []Stage) error {
	if len(stages) == 0 {
		return fmt.Errorf("no stages")
	}
	seen := map[string]bool{}
	for _, s := range stages {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("stage missing Name")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate stage name %q", s.Name)
		}
		if s.Run == nil {
			return fmt.Errorf("stage %q: Run is nil", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

func stageStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case apierr.Is(err, apierr.KindCancelled):
		return "cancelled"
	case apierr.Is(err, apierr.KindTimeout):
		return "timeout"
	default:
		return "error"
	}
}

func tagStage(err error, stage string) error {
	var ae *apierr.Error
	if errors.As(err, &ae) {
		if ae.Stage == "" {
			cp := *ae
			cp.Stage = stage
			return &cp
		}
		return err
	}
	return apierr.E(apierr.KindInternal, stage, err)
}

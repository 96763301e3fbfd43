package progress

import (
	"sync"
	"time"

	"github.com/google/uuid"

	jobrepo "github.com/yungbote/vidforge-backend/internal/data/repos/jobs"
	progressrepo "github.com/yungbote/vidforge-backend/internal/data/repos/progress"
	"github.com/yungbote/vidforge-backend/internal/domain"
	"github.com/yungbote/vidforge-backend/internal/platform/clock"
	"github.com/yungbote/vidforge-backend/internal/platform/dbctx"
	"github.com/yungbote/vidforge-backend/internal/platform/logger"
	"github.com/yungbote/vidforge-backend/internal/realtime"
	"github.com/yungbote/vidforge-backend/internal/sse"
)

const coalesceWindow = 250 * time.Millisecond

// Update is one progress emission from a pipeline stage.
type Update struct {
	JobID      uuid.UUID
	Stage      string
	Percentage float64
	Message    string
	Severity   string
	// Final bypasses coalescing; stage entry/exit and terminal updates always
	// land.
	Final bool
}

// Reporter persists progress events, advances the job row, and fans updates
// out over the SSE hub and the cross-instance bus. Updates inside the
// per-(job, stage) coalescing window are dropped unless marked Final.
type Reporter struct {
	log      *logger.Logger
	jobRepo  jobrepo.Repo
	progRepo progressrepo.Repo
	hub      *sse.Hub
	bus      realtime.Bus
	clk      clock.Clock

	mu   sync.Mutex
	last map[coalesceKey]time.Time
}

type coalesceKey struct {
	jobID uuid.UUID
	stage string
}

func NewReporter(log *logger.Logger, jobRepo jobrepo.Repo, progRepo progressrepo.Repo, hub *sse.Hub, bus realtime.Bus, clk clock.Clock) *Reporter {
	if clk == nil {
		clk = clock.System()
	}
	return &Reporter{
		log:      log.With("component", "ProgressReporter"),
		jobRepo:  jobRepo,
		progRepo: progRepo,
		hub:      hub,
		bus:      bus,
		clk:      clk,
		last:     make(map[coalesceKey]time.Time),
	}
}

// Report applies one update. Returns true when the update was emitted, false
// when coalesced away.
func (r *Reporter) Report(dbc dbctx.Context, u Update) bool {
	now := r.clk.Now()
	if !u.Final && !r.admit(u.JobID, u.Stage, now) {
		return false
	}

	if u.Severity == "" {
		u.Severity = "info"
	}

	if _, err := r.jobRepo.UpdateProgress(dbc, u.JobID, u.Stage, u.Percentage); err != nil {
		r.log.Warn("Failed updating job progress", "job_id", u.JobID, "error", err)
	}

	ev := &domain.ProgressEvent{
		JobID:      u.JobID,
		TS:         now,
		Stage:      u.Stage,
		Percentage: u.Percentage,
		Message:    u.Message,
		Severity:   u.Severity,
	}
	if err := r.progRepo.Append(dbc, ev); err != nil {
		r.log.Warn("Failed appending progress event", "job_id", u.JobID, "error", err)
	}

	msg := sse.Message{
		Channel: sse.JobChannel(u.JobID),
		Event:   sse.EventJobProgress,
		Data:    ev,
	}
	if r.hub != nil {
		r.hub.Broadcast(msg)
	}
	if r.bus != nil {
		if err := r.bus.Publish(dbc.Ctx, msg); err != nil {
			r.log.Debug("Bus publish failed", "job_id", u.JobID, "error", err)
		}
	}
	return true
}

// Terminal broadcasts a lifecycle event (completed, failed, cancelled).
func (r *Reporter) Terminal(dbc dbctx.Context, jobID uuid.UUID, event sse.Event, data any) {
	msg := sse.Message{
		Channel: sse.JobChannel(jobID),
		Event:   event,
		Data:    data,
	}
	if r.hub != nil {
		r.hub.Broadcast(msg)
	}
	if r.bus != nil {
		if err := r.bus.Publish(dbc.Ctx, msg); err != nil {
			r.log.Debug("Bus publish failed", "job_id", jobID, "error", err)
		}
	}
}

// Forget drops coalescing state for a finished job.
func (r *Reporter) Forget(jobID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.last {
		if k.jobID == jobID {
			delete(r.last, k)
		}
	}
}

func (r *Reporter) admit(jobID uuid.UUID, stage string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := coalesceKey{jobID: jobID, stage: stage}
	if prev, ok := r.last[k]; ok && now.Sub(prev) < coalesceWindow {
		return false
	}
	r.last[k] = now
	return true
}

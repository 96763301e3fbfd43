package progress

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/vidforge-backend/internal/domain"
	"github.com/yungbote/vidforge-backend/internal/platform/clock"
	"github.com/yungbote/vidforge-backend/internal/platform/dbctx"
	"github.com/yungbote/vidforge-backend/internal/platform/logger"
)

type stubJobRepo struct {
	progress []float64
}

func (s *stubJobRepo) Insert(dbctx.Context, *domain.Job) (*domain.Job, error) { return nil, nil }
func (s *stubJobRepo) GetByID(dbctx.Context, uuid.UUID) (*domain.Job, error)  { return nil, nil }
func (s *stubJobRepo) ListByUser(dbctx.Context, uuid.UUID, int) ([]*domain.Job, error) {
	return nil, nil
}
func (s *stubJobRepo) FindByIdempotencyKey(dbctx.Context, uuid.UUID, string, time.Time) (*domain.Job, error) {
	return nil, nil
}
func (s *stubJobRepo) UpdateFieldsUnlessStatus(dbctx.Context, uuid.UUID, []string, map[string]interface{}) (bool, error) {
	return true, nil
}
func (s *stubJobRepo) UpdateProgress(_ dbctx.Context, _ uuid.UUID, _ string, pct float64) (bool, error) {
	s.progress = append(s.progress, pct)
	return true, nil
}
func (s *stubJobRepo) MarkStageCompleted(dbctx.Context, *domain.Job, string) error { return nil }
func (s *stubJobRepo) SaveState(dbctx.Context, uuid.UUID, []byte) error            { return nil }
func (s *stubJobRepo) ListTerminalBefore(dbctx.Context, time.Time, int) ([]*domain.Job, error) {
	return nil, nil
}

type stubProgressRepo struct {
	events []*domain.ProgressEvent
}

func (s *stubProgressRepo) Append(_ dbctx.Context, ev *domain.ProgressEvent) error {
	s.events = append(s.events, ev)
	return nil
}
func (s *stubProgressRepo) ListByJob(dbctx.Context, uuid.UUID, int) ([]*domain.ProgressEvent, error) {
	return s.events, nil
}

func newTestReporter(t *testing.T, clk clock.Clock) (*Reporter, *stubJobRepo, *stubProgressRepo) {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	jr := &stubJobRepo{}
	pr := &stubProgressRepo{}
	return NewReporter(log, jr, pr, nil, nil, clk), jr, pr
}

func TestReporterCoalesces(t *testing.T) {
	clk := clock.NewFake(time.Now())
	r, _, pr := newTestReporter(t, clk)
	dbc := dbctx.Context{Ctx: context.Background()}
	jobID := uuid.New()

	if !r.Report(dbc, Update{JobID: jobID, Stage: domain.StageRendering, Percentage: 80}) {
		t.Fatalf("first update should emit")
	}
	// Inside the window: dropped.
	clk.Advance(100 * time.Millisecond)
	if r.Report(dbc, Update{JobID: jobID, Stage: domain.StageRendering, Percentage: 81}) {
		t.Fatalf("update inside window should coalesce")
	}
	// Outside the window: emitted.
	clk.Advance(200 * time.Millisecond)
	if !r.Report(dbc, Update{JobID: jobID, Stage: domain.StageRendering, Percentage: 82}) {
		t.Fatalf("update outside window should emit")
	}
	if len(pr.events) != 2 {
		t.Fatalf("expected 2 persisted events, got %d", len(pr.events))
	}
}

func TestReporterFinalBypassesWindow(t *testing.T) {
	clk := clock.NewFake(time.Now())
	r, jr, pr := newTestReporter(t, clk)
	dbc := dbctx.Context{Ctx: context.Background()}
	jobID := uuid.New()

	r.Report(dbc, Update{JobID: jobID, Stage: domain.StageRendering, Percentage: 80})
	clk.Advance(10 * time.Millisecond)
	if !r.Report(dbc, Update{JobID: jobID, Stage: domain.StageRendering, Percentage: 89, Final: true}) {
		t.Fatalf("final update must not be coalesced")
	}
	if len(pr.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(pr.events))
	}
	if got := jr.progress; len(got) != 2 || got[1] != 89 {
		t.Fatalf("job progress updates: %v", got)
	}
}

func TestReporterPerStageWindows(t *testing.T) {
	clk := clock.NewFake(time.Now())
	r, _, pr := newTestReporter(t, clk)
	dbc := dbctx.Context{Ctx: context.Background()}
	jobID := uuid.New()

	r.Report(dbc, Update{JobID: jobID, Stage: domain.StageRendering, Percentage: 80})
	clk.Advance(10 * time.Millisecond)
	// A different stage has its own window.
	if !r.Report(dbc, Update{JobID: jobID, Stage: domain.StageCombining, Percentage: 90}) {
		t.Fatalf("different stage should not share the window")
	}
	// A different job too.
	if !r.Report(dbc, Update{JobID: uuid.New(), Stage: domain.StageRendering, Percentage: 80}) {
		t.Fatalf("different job should not share the window")
	}
	if len(pr.events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(pr.events))
	}
}

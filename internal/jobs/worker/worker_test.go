package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/vidforge-backend/internal/domain"
	"github.com/yungbote/vidforge-backend/internal/platform/dbctx"
	"github.com/yungbote/vidforge-backend/internal/platform/logger"
)

// statusRepo serves GetByID from a mutable status; the rest of the interface
// is inert.
type statusRepo struct {
	mu     sync.Mutex
	job    *domain.Job
	status string
}

func (s *statusRepo) setStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

func (s *statusRepo) GetByID(_ dbctx.Context, id uuid.UUID) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job == nil || s.job.ID != id {
		return nil, nil
	}
	cp := *s.job
	cp.Status = s.status
	return &cp, nil
}

func (s *statusRepo) Insert(_ dbctx.Context, job *domain.Job) (*domain.Job, error) {
	return job, nil
}

func (s *statusRepo) ListByUser(_ dbctx.Context, _ uuid.UUID, _ int) ([]*domain.Job, error) {
	return nil, nil
}

func (s *statusRepo) FindByIdempotencyKey(_ dbctx.Context, _ uuid.UUID, _ string, _ time.Time) (*domain.Job, error) {
	return nil, nil
}

func (s *statusRepo) UpdateFieldsUnlessStatus(_ dbctx.Context, _ uuid.UUID, _ []string, _ map[string]interface{}) (bool, error) {
	return true, nil
}

func (s *statusRepo) UpdateProgress(_ dbctx.Context, _ uuid.UUID, _ string, _ float64) (bool, error) {
	return true, nil
}

func (s *statusRepo) MarkStageCompleted(_ dbctx.Context, _ *domain.Job, _ string) error {
	return nil
}

func (s *statusRepo) SaveState(_ dbctx.Context, _ uuid.UUID, _ []byte) error { return nil }

func (s *statusRepo) ListTerminalBefore(_ dbctx.Context, _ time.Time, _ int) ([]*domain.Job, error) {
	return nil, nil
}

func testPool(t *testing.T, repo *statusRepo) *Pool {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return &Pool{
		log:        log.With("component", "WorkerPool"),
		jobRepo:    repo,
		cancelPoll: 5 * time.Millisecond,
	}
}

func TestCancelWatchStopsRunningJob(t *testing.T) {
	job := &domain.Job{ID: uuid.New(), Status: domain.JobStatusProcessing}
	repo := &statusRepo{job: job, status: domain.JobStatusProcessing}
	p := testPool(t, repo)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go p.cancelWatch(runCtx, p.log, job.ID, cancel, done)

	// The run is live; the watcher must leave it alone.
	select {
	case <-runCtx.Done():
		t.Fatal("watcher cancelled a job that is still processing")
	case <-time.After(30 * time.Millisecond):
	}

	repo.setStatus(domain.JobStatusCancelled)

	select {
	case <-runCtx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("run context never cancelled after the status flipped")
	}
	<-done
}

func TestCancelWatchStopsWithRun(t *testing.T) {
	job := &domain.Job{ID: uuid.New(), Status: domain.JobStatusProcessing}
	repo := &statusRepo{job: job, status: domain.JobStatusProcessing}
	p := testPool(t, repo)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go p.cancelWatch(runCtx, p.log, job.ID, cancel, done)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not exit with the run context")
	}
}

func TestStartFieldsPreservesOriginalStart(t *testing.T) {
	now := time.Now().UTC()
	fresh := &domain.Job{ID: uuid.New(), Status: domain.JobStatusQueued}
	fields := startFields(fresh, now)
	if fields["status"] != domain.JobStatusProcessing {
		t.Fatalf("status = %v", fields["status"])
	}
	if _, ok := fields["started_at"]; !ok {
		t.Fatal("first dispatch must set started_at")
	}

	earlier := now.Add(-time.Hour)
	resumed := &domain.Job{ID: uuid.New(), Status: domain.JobStatusQueued, StartedAt: &earlier}
	fields = startFields(resumed, now)
	if _, ok := fields["started_at"]; ok {
		t.Fatal("re-dispatch must not overwrite started_at")
	}
}

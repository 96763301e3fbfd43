package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/vidforge-backend/internal/domain"
	jobrt "github.com/yungbote/vidforge-backend/internal/jobs/runtime"
	"github.com/yungbote/vidforge-backend/internal/platform/apierr"
	"github.com/yungbote/vidforge-backend/internal/platform/dbctx"
	"github.com/yungbote/vidforge-backend/internal/platform/logger"
	"github.com/yungbote/vidforge-backend/internal/platform/retry"
)

type memJobRepo struct {
	jobs map[uuid.UUID]*domain.Job
}

func newMemJobRepo(jobs ...*domain.Job) *memJobRepo {
	m := &memJobRepo{jobs: map[uuid.UUID]*domain.Job{}}
	for _, j := range jobs {
		m.jobs[j.ID] = j
	}
	return m
}

func (m *memJobRepo) Insert(_ dbctx.Context, job *domain.Job) (*domain.Job, error) {
	m.jobs[job.ID] = job
	return job, nil
}

func (m *memJobRepo) GetByID(_ dbctx.Context, id uuid.UUID) (*domain.Job, error) {
	j, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (m *memJobRepo) ListByUser(_ dbctx.Context, _ uuid.UUID, _ int) ([]*domain.Job, error) {
	return nil, nil
}

func (m *memJobRepo) FindByIdempotencyKey(_ dbctx.Context, _ uuid.UUID, _ string, _ time.Time) (*domain.Job, error) {
	return nil, nil
}

func (m *memJobRepo) UpdateFieldsUnlessStatus(_ dbctx.Context, id uuid.UUID, disallowed []string, updates map[string]interface{}) (bool, error) {
	j, ok := m.jobs[id]
	if !ok {
		return false, nil
	}
	for _, s := range disallowed {
		if j.Status == s {
			return false, nil
		}
	}
	if v, ok := updates["status"]; ok {
		j.Status = v.(string)
	}
	if v, ok := updates["current_stage"]; ok {
		s := v.(string)
		j.CurrentStage = &s
	}
	if v, ok := updates["progress"]; ok {
		j.Progress = v.(float64)
	}
	if v, ok := updates["error"]; ok {
		j.Error = v.(datatypes.JSON)
	}
	return true, nil
}

func (m *memJobRepo) UpdateProgress(_ dbctx.Context, id uuid.UUID, stage string, pct float64) (bool, error) {
	j, ok := m.jobs[id]
	if !ok {
		return false, nil
	}
	if domain.TerminalStatus(j.Status) {
		return false, nil
	}
	if pct > j.Progress {
		j.Progress = pct
	}
	j.CurrentStage = &stage
	return true, nil
}

func (m *memJobRepo) MarkStageCompleted(_ dbctx.Context, job *domain.Job, stage string) error {
	stages := []string{}
	if len(job.StagesCompleted) > 0 {
		_ = json.Unmarshal(job.StagesCompleted, &stages)
	}
	for _, s := range stages {
		if s == stage {
			return nil
		}
	}
	stages = append(stages, stage)
	raw, _ := json.Marshal(stages)
	job.StagesCompleted = datatypes.JSON(raw)
	if j, ok := m.jobs[job.ID]; ok {
		j.StagesCompleted = datatypes.JSON(raw)
	}
	return nil
}

func (m *memJobRepo) SaveState(_ dbctx.Context, id uuid.UUID, state []byte) error {
	if j, ok := m.jobs[id]; ok {
		j.State = datatypes.JSON(state)
	}
	return nil
}

func (m *memJobRepo) ListTerminalBefore(_ dbctx.Context, _ time.Time, _ int) ([]*domain.Job, error) {
	return nil, nil
}

func testPolicy() retry.Policy {
	p := retry.Default()
	p.MinBackoff = time.Millisecond
	p.MaxBackoff = 2 * time.Millisecond
	return p
}

func testContext(t *testing.T, ctx context.Context, repo *memJobRepo, job *domain.Job) *jobrt.Context {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return jobrt.NewContext(ctx, log, job, domain.VideoConfig{}, repo, nil, "worker-test")
}

func processingJob() *domain.Job {
	return &domain.Job{
		ID:     uuid.New(),
		UserID: uuid.New(),
		Status: domain.JobStatusProcessing,
	}
}

func TestEngineRunsStagesInOrder(t *testing.T) {
	job := processingJob()
	repo := newMemJobRepo(job)
	jc := testContext(t, context.Background(), repo, job)

	var order []string
	mk := func(name string) Stage {
		return Stage{Name: name, Run: func(_ *jobrt.Context, _ *State) error {
			order = append(order, name)
			return nil
		}}
	}
	stages := []Stage{mk(domain.StagePlanning), mk(domain.StageScenarioCreation), mk(domain.StageCodeGeneration)}

	if err := NewEngine(testPolicy()).Run(jc, stages); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(order) != 3 || order[0] != domain.StagePlanning || order[2] != domain.StageCodeGeneration {
		t.Fatalf("unexpected stage order: %v", order)
	}

	stored := repo.jobs[job.ID]
	if stored.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s, want completed", stored.Status)
	}
	if stored.Progress != 100 {
		t.Fatalf("progress = %v, want 100", stored.Progress)
	}
	var done []string
	if err := json.Unmarshal(stored.StagesCompleted, &done); err != nil {
		t.Fatalf("decode stages_completed: %v", err)
	}
	if len(done) != 3 {
		t.Fatalf("stages_completed = %v, want 3 entries", done)
	}
}

func TestEngineSkipsCompletedStages(t *testing.T) {
	job := processingJob()
	job.StagesCompleted = datatypes.JSON([]byte(`["planning","scenario_creation"]`))
	repo := newMemJobRepo(job)
	jc := testContext(t, context.Background(), repo, job)

	var ran []string
	mk := func(name string) Stage {
		return Stage{Name: name, Run: func(_ *jobrt.Context, _ *State) error {
			ran = append(ran, name)
			return nil
		}}
	}
	stages := []Stage{mk(domain.StagePlanning), mk(domain.StageScenarioCreation), mk(domain.StageCodeGeneration)}

	if err := NewEngine(testPolicy()).Run(jc, stages); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(ran) != 1 || ran[0] != domain.StageCodeGeneration {
		t.Fatalf("ran = %v, want only code_generation", ran)
	}
}

func TestEngineResumeReadsCheckpoint(t *testing.T) {
	job := processingJob()
	job.StagesCompleted = datatypes.JSON([]byte(`["planning"]`))
	job.State = datatypes.JSON([]byte(`{"version":1,"data":{"planning":{"topic":"fourier"}},"last_progress":15}`))
	repo := newMemJobRepo(job)
	jc := testContext(t, context.Background(), repo, job)

	var got map[string]string
	stages := []Stage{
		{Name: domain.StagePlanning, Run: func(_ *jobrt.Context, _ *State) error {
			t.Fatal("planning must be skipped")
			return nil
		}},
		{Name: domain.StageScenarioCreation, Run: func(_ *jobrt.Context, st *State) error {
			ok, err := st.Get(domain.StagePlanning, &got)
			if err != nil || !ok {
				t.Fatalf("checkpoint read: ok=%v err=%v", ok, err)
			}
			return nil
		}},
	}

	if err := NewEngine(testPolicy()).Run(jc, stages); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got["topic"] != "fourier" {
		t.Fatalf("checkpoint data = %v", got)
	}
}

func TestEngineNonRetryableFailsJob(t *testing.T) {
	job := processingJob()
	repo := newMemJobRepo(job)
	jc := testContext(t, context.Background(), repo, job)

	calls := 0
	stages := []Stage{{Name: domain.StagePlanning, Run: func(_ *jobrt.Context, _ *State) error {
		calls++
		return apierr.Ef(apierr.KindValidation, "", "outline rejected")
	}}}

	if err := NewEngine(testPolicy()).Run(jc, stages); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (validation never retries)", calls)
	}

	stored := repo.jobs[job.ID]
	if stored.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", stored.Status)
	}
	var rec domain.ErrorRecord
	if err := json.Unmarshal(stored.Error, &rec); err != nil {
		t.Fatalf("decode error record: %v", err)
	}
	if rec.Kind != string(apierr.KindValidation) || rec.Stage != domain.StagePlanning || rec.Retryable {
		t.Fatalf("error record = %+v", rec)
	}
}

func TestEngineRetriesThenSucceeds(t *testing.T) {
	job := processingJob()
	repo := newMemJobRepo(job)
	jc := testContext(t, context.Background(), repo, job)

	calls := 0
	stages := []Stage{{Name: domain.StageRendering, Run: func(_ *jobrt.Context, _ *State) error {
		calls++
		if calls < 3 {
			return apierr.Ef(apierr.KindDependencyError, "", "renderer exit 1")
		}
		return nil
	}}}

	if err := NewEngine(testPolicy()).Run(jc, stages); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if repo.jobs[job.ID].Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s, want completed", repo.jobs[job.ID].Status)
	}
}

func TestEngineExhaustedRetryableSurfacesToQueue(t *testing.T) {
	job := processingJob()
	repo := newMemJobRepo(job)
	jc := testContext(t, context.Background(), repo, job)

	calls := 0
	stages := []Stage{{Name: domain.StageRendering, Run: func(_ *jobrt.Context, _ *State) error {
		calls++
		return apierr.Ef(apierr.KindDependencyError, "", "renderer exit 1")
	}}}

	err := NewEngine(testPolicy()).Run(jc, stages)
	if err == nil {
		t.Fatal("Run must surface exhausted retryable error for re-queue")
	}
	if !apierr.Is(err, apierr.KindDependencyError) {
		t.Fatalf("kind = %s", apierr.KindOf(err))
	}
	// dependency_error budget is 3 attempts.
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if domain.TerminalStatus(repo.jobs[job.ID].Status) {
		t.Fatalf("job must stay non-terminal for re-dispatch, got %s", repo.jobs[job.ID].Status)
	}
	if len(repo.jobs[job.ID].State) == 0 {
		t.Fatal("checkpoint must be saved before handing back to the queue")
	}
}

func TestEngineStageTimeout(t *testing.T) {
	job := processingJob()
	repo := newMemJobRepo(job)
	jc := testContext(t, context.Background(), repo, job)

	policy := testPolicy()
	policy.MaxAttempts[apierr.KindTimeout] = 1

	stages := []Stage{{
		Name:    domain.StageRendering,
		Timeout: func(_ *State) time.Duration { return 10 * time.Millisecond },
		Run: func(sc *jobrt.Context, _ *State) error {
			select {
			case <-sc.Ctx.Done():
				return sc.Ctx.Err()
			case <-time.After(5 * time.Second):
				return nil
			}
		},
	}}

	err := NewEngine(policy).Run(jc, stages)
	if err == nil {
		t.Fatal("expected timeout to surface")
	}
	if !apierr.Is(err, apierr.KindTimeout) {
		t.Fatalf("kind = %s, want timeout", apierr.KindOf(err))
	}
}

func TestEngineTimeoutDropsLateStageWrites(t *testing.T) {
	job := processingJob()
	repo := newMemJobRepo(job)
	jc := testContext(t, context.Background(), repo, job)

	policy := testPolicy()
	policy.MaxAttempts[apierr.KindTimeout] = 1

	wrote := make(chan struct{})
	stages := []Stage{{
		Name:    domain.StageRendering,
		Timeout: func(_ *State) time.Duration { return 10 * time.Millisecond },
		Run: func(_ *jobrt.Context, st *State) error {
			// Ignores its deadline, then writes after the engine has moved on.
			time.Sleep(50 * time.Millisecond)
			_ = st.Put(domain.StageRendering, map[string]string{"late": "write"})
			close(wrote)
			return nil
		},
	}}

	err := NewEngine(policy).Run(jc, stages)
	if err == nil {
		t.Fatal("expected timeout to surface")
	}
	<-wrote

	var st State
	if len(repo.jobs[job.ID].State) > 0 {
		if derr := json.Unmarshal(repo.jobs[job.ID].State, &st); derr != nil {
			t.Fatalf("decode checkpoint: %v", derr)
		}
	}
	if _, ok := st.Data[domain.StageRendering]; ok {
		t.Fatal("late write from an abandoned stage leaked into the checkpoint")
	}
}

func TestEngineCancellationMidRun(t *testing.T) {
	job := processingJob()
	repo := newMemJobRepo(job)
	ctx, cancel := context.WithCancel(context.Background())
	jc := testContext(t, ctx, repo, job)

	stages := []Stage{
		{Name: domain.StagePlanning, Run: func(_ *jobrt.Context, _ *State) error {
			cancel()
			return nil
		}},
		{Name: domain.StageScenarioCreation, Run: func(_ *jobrt.Context, _ *State) error {
			t.Fatal("must not run after cancellation")
			return nil
		}},
	}

	if err := NewEngine(testPolicy()).Run(jc, stages); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if repo.jobs[job.ID].Status != domain.JobStatusCancelled {
		t.Fatalf("status = %s, want cancelled", repo.jobs[job.ID].Status)
	}
}

func TestEngineEntryProgressIsMonotone(t *testing.T) {
	job := processingJob()
	job.Progress = 50
	job.StagesCompleted = datatypes.JSON([]byte(`["planning","scenario_creation","code_generation"]`))
	repo := newMemJobRepo(job)
	jc := testContext(t, context.Background(), repo, job)

	stages := []Stage{
		{Name: domain.StagePlanning, Run: func(_ *jobrt.Context, _ *State) error { return nil }},
		{Name: domain.StageScenarioCreation, Run: func(_ *jobrt.Context, _ *State) error { return nil }},
		{Name: domain.StageCodeGeneration, Run: func(_ *jobrt.Context, _ *State) error { return nil }},
		{Name: domain.StageRendering, Run: func(_ *jobrt.Context, _ *State) error { return nil }},
	}

	if err := NewEngine(testPolicy()).Run(jc, stages); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if repo.jobs[job.ID].Progress != 100 {
		t.Fatalf("progress = %v", repo.jobs[job.ID].Progress)
	}
}

func TestEngineUntaggedErrorGetsStageAndKind(t *testing.T) {
	job := processingJob()
	repo := newMemJobRepo(job)
	jc := testContext(t, context.Background(), repo, job)

	stages := []Stage{{Name: domain.StagePlanning, Run: func(_ *jobrt.Context, _ *State) error {
		return errors.New("plain failure")
	}}}

	if err := NewEngine(testPolicy()).Run(jc, stages); err != nil {
		t.Fatalf("Run: %v", err)
	}
	var rec domain.ErrorRecord
	if err := json.Unmarshal(repo.jobs[job.ID].Error, &rec); err != nil {
		t.Fatalf("decode error record: %v", err)
	}
	if rec.Kind != string(apierr.KindInternal) || rec.Stage != domain.StagePlanning {
		t.Fatalf("error record = %+v", rec)
	}
}

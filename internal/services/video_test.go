package services

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	filerepo "github.com/yungbote/vidforge-backend/internal/data/repos/files"
	jobrepo "github.com/yungbote/vidforge-backend/internal/data/repos/jobs"
	progressrepo "github.com/yungbote/vidforge-backend/internal/data/repos/progress"
	"github.com/yungbote/vidforge-backend/internal/data/repos/testutil"
	userrepo "github.com/yungbote/vidforge-backend/internal/data/repos/user"
	"github.com/yungbote/vidforge-backend/internal/domain"
	"github.com/yungbote/vidforge-backend/internal/jobs/queue"
	"github.com/yungbote/vidforge-backend/internal/platform/apierr"
	"github.com/yungbote/vidforge-backend/internal/platform/breaker"
	"github.com/yungbote/vidforge-backend/internal/platform/clock"
	"github.com/yungbote/vidforge-backend/internal/platform/ctxutil"
	"github.com/yungbote/vidforge-backend/internal/platform/dbctx"
	"github.com/yungbote/vidforge-backend/internal/progress"
	"github.com/yungbote/vidforge-backend/internal/realtime"
	"github.com/yungbote/vidforge-backend/internal/sse"
	"github.com/yungbote/vidforge-backend/internal/storage"
)

func testService(t *testing.T, tx *gorm.DB) (VideoService, *queue.Queue) {
	t.Helper()
	log := testutil.Logger(t)

	t.Setenv("STORAGE_MODE", "local_only")
	t.Setenv("LOCAL_STORAGE_ROOT", t.TempDir())

	users := userrepo.NewRepo(tx, log)
	jobs := jobrepo.NewRepo(tx, log)
	queueRepo := jobrepo.NewQueueRepo(tx, log)
	progRepo := progressrepo.NewRepo(tx, log)
	fileRepo := filerepo.NewRepo(tx, log)

	q := queue.New(log, queueRepo, nil)
	hub := sse.NewHub(log)
	reporter := progress.NewReporter(log, jobs, progRepo, hub, realtime.NoopBus{}, nil)

	store, err := storage.NewManager(log, fileRepo, breaker.NewRegistry(log, clock.System()))
	if err != nil {
		t.Fatalf("storage manager: %v", err)
	}

	return NewVideoService(tx, log, nil, users, jobs, fileRepo, progRepo, q, store, reporter), q
}

func principal() *ctxutil.RequestData {
	return &ctxutil.RequestData{UserID: uuid.New(), Role: domain.RoleUser}
}

func submitReq(topic, key string) SubmitRequest {
	raw, _ := json.Marshal(map[string]any{"topic": topic})
	return SubmitRequest{Configuration: raw, IdempotencyKey: key}
}

func TestSubmitEnqueuesJob(t *testing.T) {
	gdb := testutil.DB(t)
	tx := testutil.Tx(t, gdb)
	ctx := context.Background()
	svc, q := testService(t, tx)
	rd := principal()

	view, err := svc.Submit(ctx, rd, submitReq("fourier series", ""))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if view.Status != domain.JobStatusQueued {
		t.Fatalf("status = %q, want %q", view.Status, domain.JobStatusQueued)
	}
	if view.Progress.Percentage != 0 {
		t.Fatalf("progress = %v, want 0", view.Progress.Percentage)
	}

	depth, err := q.Depth(dbctx.Context{Ctx: ctx, Tx: tx})
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	total := int64(0)
	for _, n := range depth {
		total += n
	}
	if total != 1 {
		t.Fatalf("queue depth = %d, want 1", total)
	}
}

func TestSubmitRejectsUnknownField(t *testing.T) {
	gdb := testutil.DB(t)
	tx := testutil.Tx(t, gdb)
	svc, _ := testService(t, tx)

	req := SubmitRequest{Configuration: json.RawMessage(`{"topic":"x","qualty":"high"}`)}
	_, err := svc.Submit(context.Background(), principal(), req)
	if apierr.KindOf(err) != apierr.KindValidation {
		t.Fatalf("kind = %v, want validation (err=%v)", apierr.KindOf(err), err)
	}
}

func TestSubmitRejectsBadPriority(t *testing.T) {
	gdb := testutil.DB(t)
	tx := testutil.Tx(t, gdb)
	svc, _ := testService(t, tx)

	req := submitReq("topic", "")
	req.Priority = "asap"
	_, err := svc.Submit(context.Background(), principal(), req)
	if apierr.KindOf(err) != apierr.KindValidation {
		t.Fatalf("kind = %v, want validation", apierr.KindOf(err))
	}
}

func TestSubmitIdempotencyReturnsExistingJob(t *testing.T) {
	gdb := testutil.DB(t)
	tx := testutil.Tx(t, gdb)
	ctx := context.Background()
	svc, q := testService(t, tx)
	rd := principal()

	first, err := svc.Submit(ctx, rd, submitReq("fourier series", "key-1"))
	if err != nil {
		t.Fatalf("Submit 1: %v", err)
	}
	second, err := svc.Submit(ctx, rd, submitReq("fourier series", "key-1"))
	if err != nil {
		t.Fatalf("Submit 2: %v", err)
	}
	if first.JobID != second.JobID {
		t.Fatalf("idempotent resubmit created a new job: %s vs %s", first.JobID, second.JobID)
	}

	depth, err := q.Depth(dbctx.Context{Ctx: ctx, Tx: tx})
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	total := int64(0)
	for _, n := range depth {
		total += n
	}
	if total != 1 {
		t.Fatalf("queue depth = %d, want 1", total)
	}

	// A different key is a different job.
	third, err := svc.Submit(ctx, rd, submitReq("fourier series", "key-2"))
	if err != nil {
		t.Fatalf("Submit 3: %v", err)
	}
	if third.JobID == first.JobID {
		t.Fatalf("distinct keys must yield distinct jobs")
	}
}

func TestSubmitIdempotencyRaceFallsBackToExistingJob(t *testing.T) {
	gdb := testutil.DB(t)
	tx := testutil.Tx(t, gdb)
	ctx := context.Background()
	svc, q := testService(t, tx)
	rd := principal()

	// A job older than the lookup window but holding the same key. The
	// pre-insert lookup misses it, so Submit reaches the unique index the
	// same way a racing duplicate would.
	key := "key-race"
	cfgRaw, _ := json.Marshal(map[string]any{"topic": "fourier series"})
	created := time.Now().UTC().Add(-48 * time.Hour)
	old := &domain.Job{
		ID:             uuid.New(),
		UserID:         rd.UserID,
		Priority:       domain.PriorityNormal,
		Status:         domain.JobStatusCompleted,
		Configuration:  datatypes.JSON(cfgRaw),
		IdempotencyKey: &key,
		CreatedAt:      created,
		UpdatedAt:      created,
	}
	jobs := jobrepo.NewRepo(tx, testutil.Logger(t))
	if _, err := jobs.Insert(dbctx.Context{Ctx: ctx, Tx: tx}, old); err != nil {
		t.Fatalf("seed job: %v", err)
	}

	view, err := svc.Submit(ctx, rd, submitReq("fourier series", key))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if view.JobID != old.ID {
		t.Fatalf("duplicate key created a second job: %s vs %s", view.JobID, old.ID)
	}

	depth, err := q.Depth(dbctx.Context{Ctx: ctx, Tx: tx})
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	for class, n := range depth {
		if n != 0 {
			t.Fatalf("queue class %d has %d entries, want none", class, n)
		}
	}
}

func TestArtifactMetadataUsesDurationField(t *testing.T) {
	raw, err := json.Marshal(ArtifactMetadata{Duration: 12000, Quality: "medium", Format: "mp4", FileSize: 5})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"duration":12000`) {
		t.Fatalf("metadata = %s, want a duration field", raw)
	}
	if strings.Contains(string(raw), "duration_ms") {
		t.Fatalf("metadata = %s, duration_ms is not part of the response", raw)
	}
}

func TestStatusAuthz(t *testing.T) {
	gdb := testutil.DB(t)
	tx := testutil.Tx(t, gdb)
	ctx := context.Background()
	svc, _ := testService(t, tx)

	owner := principal()
	view, err := svc.Submit(ctx, owner, submitReq("fourier series", ""))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Another user is rejected without leaking existence.
	if _, err := svc.Status(ctx, principal(), view.JobID); apierr.KindOf(err) != apierr.KindPermission {
		t.Fatalf("stranger kind = %v, want permission", apierr.KindOf(err))
	}

	// Admin can read any job.
	admin := &ctxutil.RequestData{UserID: uuid.New(), Role: domain.RoleAdmin}
	if _, err := svc.Status(ctx, admin, view.JobID); err != nil {
		t.Fatalf("admin Status: %v", err)
	}

	// Unknown job is not found.
	if _, err := svc.Status(ctx, owner, uuid.New()); apierr.KindOf(err) != apierr.KindNotFound {
		t.Fatalf("unknown kind = %v, want not_found", apierr.KindOf(err))
	}
}

func TestCancelQueuedJob(t *testing.T) {
	gdb := testutil.DB(t)
	tx := testutil.Tx(t, gdb)
	ctx := context.Background()
	svc, q := testService(t, tx)
	rd := principal()

	view, err := svc.Submit(ctx, rd, submitReq("fourier series", ""))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	cancelled, err := svc.Cancel(ctx, rd, view.JobID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != domain.JobStatusCancelled {
		t.Fatalf("status = %q, want cancelled", cancelled.Status)
	}

	// The queue entry is gone; cancel again conflicts.
	depth, err := q.Depth(dbctx.Context{Ctx: ctx, Tx: tx})
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	for class, n := range depth {
		if n != 0 {
			t.Fatalf("queue class %d still has %d entries", class, n)
		}
	}
	if _, err := svc.Cancel(ctx, rd, view.JobID); apierr.KindOf(err) != apierr.KindConflict {
		t.Fatalf("second cancel kind = %v, want conflict", apierr.KindOf(err))
	}
}

func TestArtifactsBeforeCompletionConflicts(t *testing.T) {
	gdb := testutil.DB(t)
	tx := testutil.Tx(t, gdb)
	ctx := context.Background()
	svc, _ := testService(t, tx)
	rd := principal()

	view, err := svc.Submit(ctx, rd, submitReq("fourier series", ""))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := svc.Artifacts(ctx, rd, view.JobID); apierr.KindOf(err) != apierr.KindConflict {
		t.Fatalf("kind = %v, want conflict", apierr.KindOf(err))
	}
}

func TestListReturnsOwnJobsOnly(t *testing.T) {
	gdb := testutil.DB(t)
	tx := testutil.Tx(t, gdb)
	ctx := context.Background()
	svc, _ := testService(t, tx)

	alice := principal()
	bob := principal()
	if _, err := svc.Submit(ctx, alice, submitReq("topic a", "")); err != nil {
		t.Fatalf("Submit alice: %v", err)
	}
	if _, err := svc.Submit(ctx, bob, submitReq("topic b", "")); err != nil {
		t.Fatalf("Submit bob: %v", err)
	}

	views, err := svc.List(ctx, alice, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("len = %d, want 1", len(views))
	}
}

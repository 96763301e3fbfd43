package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/vidforge-backend/internal/data/repos/testutil"
	"github.com/yungbote/vidforge-backend/internal/domain"
	"github.com/yungbote/vidforge-backend/internal/platform/dbctx"
)

func TestJobRepo(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewRepo(db, testutil.Logger(t))

	user := testutil.SeedUser(t, ctx, tx, "")
	job := testutil.SeedJob(t, ctx, tx, user.ID, domain.PriorityNormal, domain.JobStatusQueued)

	got, err := repo.GetByID(dbc, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got == nil || got.ID != job.ID {
		t.Fatalf("GetByID: expected %v got %v", job.ID, got)
	}

	if got, err := repo.GetByID(dbc, uuid.New()); err != nil || got != nil {
		t.Fatalf("GetByID miss: err=%v got=%v", err, got)
	}

	// ListByUser orders newest first.
	second := testutil.SeedJob(t, ctx, tx, user.ID, domain.PriorityHigh, domain.JobStatusQueued)
	if err := tx.Model(second).Update("created_at", time.Now().UTC().Add(time.Hour)).Error; err != nil {
		t.Fatalf("bump created_at: %v", err)
	}
	list, err := repo.ListByUser(dbc, user.ID, 10)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(list) != 2 || list[0].ID != second.ID {
		t.Fatalf("ListByUser: expected [%v first], got %d rows", second.ID, len(list))
	}

	// Progress is monotone.
	ok, err := repo.UpdateProgress(dbc, job.ID, domain.StagePlanning, 15)
	if err != nil || !ok {
		t.Fatalf("UpdateProgress up: ok=%v err=%v", ok, err)
	}
	if _, err := repo.UpdateProgress(dbc, job.ID, domain.StageInitializing, 5); err != nil {
		t.Fatalf("UpdateProgress down: %v", err)
	}
	got, err = repo.GetByID(dbc, job.ID)
	if err != nil {
		t.Fatalf("GetByID after progress: %v", err)
	}
	if got.Progress != 15 {
		t.Fatalf("progress regressed: got %v want 15", got.Progress)
	}

	// Terminal status is sticky against guarded updates.
	ok, err = repo.UpdateFieldsUnlessStatus(dbc, job.ID, nil, map[string]interface{}{"status": domain.JobStatusCancelled})
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	ok, err = repo.UpdateFieldsUnlessStatus(dbc, job.ID,
		[]string{domain.JobStatusCompleted, domain.JobStatusFailed, domain.JobStatusCancelled},
		map[string]interface{}{"status": domain.JobStatusProcessing})
	if err != nil {
		t.Fatalf("guarded update: %v", err)
	}
	if ok {
		t.Fatalf("guarded update: expected rejection on cancelled job")
	}
	if ok, err := repo.UpdateProgress(dbc, job.ID, domain.StageRendering, 80); err != nil || ok {
		t.Fatalf("UpdateProgress on terminal: ok=%v err=%v", ok, err)
	}

	// MarkStageCompleted appends once.
	active := testutil.SeedJob(t, ctx, tx, user.ID, domain.PriorityNormal, domain.JobStatusProcessing)
	if err := repo.MarkStageCompleted(dbc, active, domain.StageInitializing); err != nil {
		t.Fatalf("MarkStageCompleted: %v", err)
	}
	if err := repo.MarkStageCompleted(dbc, active, domain.StageInitializing); err != nil {
		t.Fatalf("MarkStageCompleted dup: %v", err)
	}
	got, err = repo.GetByID(dbc, active.ID)
	if err != nil {
		t.Fatalf("GetByID after stage: %v", err)
	}
	stages := DecodeStages(got.StagesCompleted)
	if len(stages) != 1 || stages[0] != domain.StageInitializing {
		t.Fatalf("stages_completed: got %v", stages)
	}
}

func TestJobRepoIdempotencyKey(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewRepo(db, testutil.Logger(t))

	user := testutil.SeedUser(t, ctx, tx, "")
	key := "client-key-1"
	job := testutil.SeedJob(t, ctx, tx, user.ID, domain.PriorityNormal, domain.JobStatusQueued)
	if err := tx.Model(job).Update("idempotency_key", key).Error; err != nil {
		t.Fatalf("set key: %v", err)
	}

	since := time.Now().UTC().Add(-24 * time.Hour)
	got, err := repo.FindByIdempotencyKey(dbc, user.ID, key, since)
	if err != nil {
		t.Fatalf("FindByIdempotencyKey: %v", err)
	}
	if got == nil || got.ID != job.ID {
		t.Fatalf("FindByIdempotencyKey: expected %v got %v", job.ID, got)
	}

	// Outside the window the key is free again.
	if err := tx.Model(job).Update("created_at", time.Now().UTC().Add(-48*time.Hour)).Error; err != nil {
		t.Fatalf("age job: %v", err)
	}
	got, err = repo.FindByIdempotencyKey(dbc, user.ID, key, since)
	if err != nil || got != nil {
		t.Fatalf("FindByIdempotencyKey aged: err=%v got=%v", err, got)
	}

	// Keys are per user.
	other := testutil.SeedUser(t, ctx, tx, "")
	got, err = repo.FindByIdempotencyKey(dbc, other.ID, key, since)
	if err != nil || got != nil {
		t.Fatalf("FindByIdempotencyKey other user: err=%v got=%v", err, got)
	}
}

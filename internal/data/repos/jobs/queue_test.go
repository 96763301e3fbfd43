package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/yungbote/vidforge-backend/internal/data/repos/testutil"
	"github.com/yungbote/vidforge-backend/internal/domain"
	"github.com/yungbote/vidforge-backend/internal/platform/dbctx"
)

func TestQueueRepoDequeueOrder(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewQueueRepo(db, testutil.Logger(t))

	user := testutil.SeedUser(t, ctx, tx, "")
	now := time.Now().UTC()

	lowJob := testutil.SeedJob(t, ctx, tx, user.ID, domain.PriorityLow, domain.JobStatusQueued)
	normalOld := testutil.SeedJob(t, ctx, tx, user.ID, domain.PriorityNormal, domain.JobStatusQueued)
	normalNew := testutil.SeedJob(t, ctx, tx, user.ID, domain.PriorityNormal, domain.JobStatusQueued)
	urgentJob := testutil.SeedJob(t, ctx, tx, user.ID, domain.PriorityUrgent, domain.JobStatusQueued)

	testutil.SeedQueueEntry(t, ctx, tx, lowJob.ID, 0, now.Add(-4*time.Hour))
	testutil.SeedQueueEntry(t, ctx, tx, normalOld.ID, 1, now.Add(-3*time.Hour))
	testutil.SeedQueueEntry(t, ctx, tx, normalNew.ID, 1, now.Add(-1*time.Hour))
	testutil.SeedQueueEntry(t, ctx, tx, urgentJob.ID, 3, now.Add(-time.Minute))

	ttl := time.Minute
	want := []struct {
		name string
		job  *domain.Job
	}{
		{"urgent", urgentJob},
		{"normal fifo old", normalOld},
		{"normal fifo new", normalNew},
		{"low", lowJob},
	}
	for _, w := range want {
		e, err := repo.Dequeue(dbc, "w1", now, ttl)
		if err != nil {
			t.Fatalf("Dequeue %s: %v", w.name, err)
		}
		if e == nil || e.JobID != w.job.ID {
			t.Fatalf("Dequeue %s: expected %v got %v", w.name, w.job.ID, e)
		}
		if e.LeaseOwner == nil || *e.LeaseOwner != "w1" {
			t.Fatalf("Dequeue %s: lease owner not set", w.name)
		}
	}

	e, err := repo.Dequeue(dbc, "w1", now, ttl)
	if err != nil {
		t.Fatalf("Dequeue empty: %v", err)
	}
	if e != nil {
		t.Fatalf("Dequeue empty: expected nil got %v", e.JobID)
	}
}

func TestQueueRepoLeaseLifecycle(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewQueueRepo(db, testutil.Logger(t))

	user := testutil.SeedUser(t, ctx, tx, "")
	now := time.Now().UTC()
	ttl := time.Minute

	job := testutil.SeedJob(t, ctx, tx, user.ID, domain.PriorityNormal, domain.JobStatusQueued)
	testutil.SeedQueueEntry(t, ctx, tx, job.ID, 1, now.Add(-time.Hour))

	e, err := repo.Dequeue(dbc, "w1", now, ttl)
	if err != nil || e == nil {
		t.Fatalf("Dequeue: e=%v err=%v", e, err)
	}

	// A leased entry is invisible to other workers until the lease expires.
	if e2, err := repo.Dequeue(dbc, "w2", now, ttl); err != nil || e2 != nil {
		t.Fatalf("Dequeue while leased: e=%v err=%v", e2, err)
	}

	ok, err := repo.RenewLease(dbc, job.ID, "w1", now.Add(30*time.Second), ttl)
	if err != nil || !ok {
		t.Fatalf("RenewLease: ok=%v err=%v", ok, err)
	}
	if ok, err := repo.RenewLease(dbc, job.ID, "w2", now, ttl); err != nil || ok {
		t.Fatalf("RenewLease wrong owner: ok=%v err=%v", ok, err)
	}

	// Lease expiry makes the entry claimable again.
	late := now.Add(2 * ttl)
	e2, err := repo.Dequeue(dbc, "w2", late, ttl)
	if err != nil || e2 == nil || e2.JobID != job.ID {
		t.Fatalf("Dequeue after expiry: e=%v err=%v", e2, err)
	}
	// The original holder has lost the lease.
	if ok, err := repo.RenewLease(dbc, job.ID, "w1", late, ttl); err != nil || ok {
		t.Fatalf("RenewLease lost: ok=%v err=%v", ok, err)
	}
	if ok, err := repo.Ack(dbc, job.ID, "w1"); err != nil || ok {
		t.Fatalf("Ack lost lease: ok=%v err=%v", ok, err)
	}

	ok, err = repo.Ack(dbc, job.ID, "w2")
	if err != nil || !ok {
		t.Fatalf("Ack: ok=%v err=%v", ok, err)
	}
	if e, err := repo.Get(dbc, job.ID); err != nil || e != nil {
		t.Fatalf("Get after ack: e=%v err=%v", e, err)
	}
}

func TestQueueRepoNackAndDeadLetter(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewQueueRepo(db, testutil.Logger(t))

	user := testutil.SeedUser(t, ctx, tx, "")
	now := time.Now().UTC()
	ttl := time.Minute
	maxAttempts := 2

	job := testutil.SeedJob(t, ctx, tx, user.ID, domain.PriorityNormal, domain.JobStatusQueued)
	testutil.SeedQueueEntry(t, ctx, tx, job.ID, 1, now.Add(-time.Hour))

	if e, err := repo.Dequeue(dbc, "w1", now, ttl); err != nil || e == nil {
		t.Fatalf("Dequeue #1: e=%v err=%v", e, err)
	}
	e, err := repo.Nack(dbc, job.ID, "w1", now, 10*time.Second, maxAttempts)
	if err != nil {
		t.Fatalf("Nack #1: %v", err)
	}
	if e == nil || e.Attempts != 1 || e.DeadLettered {
		t.Fatalf("Nack #1: got %+v", e)
	}

	// Hidden until visible_after.
	if e2, err := repo.Dequeue(dbc, "w1", now, ttl); err != nil || e2 != nil {
		t.Fatalf("Dequeue during backoff: e=%v err=%v", e2, err)
	}
	t2 := now.Add(11 * time.Second)
	if e2, err := repo.Dequeue(dbc, "w1", t2, ttl); err != nil || e2 == nil {
		t.Fatalf("Dequeue #2: e=%v err=%v", e2, err)
	}
	if e, err = repo.Nack(dbc, job.ID, "w1", t2, 0, maxAttempts); err != nil || e.Attempts != 2 || e.DeadLettered {
		t.Fatalf("Nack #2: e=%+v err=%v", e, err)
	}

	if e2, err := repo.Dequeue(dbc, "w1", t2, ttl); err != nil || e2 == nil {
		t.Fatalf("Dequeue #3: e=%v err=%v", e2, err)
	}
	e, err = repo.Nack(dbc, job.ID, "w1", t2, 0, maxAttempts)
	if err != nil {
		t.Fatalf("Nack #3: %v", err)
	}
	if e == nil || !e.DeadLettered {
		t.Fatalf("Nack #3: expected dead letter, got %+v", e)
	}

	// Dead-lettered entries never dispatch again.
	if e2, err := repo.Dequeue(dbc, "w1", t2.Add(time.Hour), ttl); err != nil || e2 != nil {
		t.Fatalf("Dequeue dead-lettered: e=%v err=%v", e2, err)
	}
}

func TestQueueRepoDepth(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewQueueRepo(db, testutil.Logger(t))

	user := testutil.SeedUser(t, ctx, tx, "")
	now := time.Now().UTC()

	a := testutil.SeedJob(t, ctx, tx, user.ID, domain.PriorityNormal, domain.JobStatusQueued)
	b := testutil.SeedJob(t, ctx, tx, user.ID, domain.PriorityNormal, domain.JobStatusQueued)
	c := testutil.SeedJob(t, ctx, tx, user.ID, domain.PriorityUrgent, domain.JobStatusQueued)
	testutil.SeedQueueEntry(t, ctx, tx, a.ID, 1, now.Add(-time.Minute))
	testutil.SeedQueueEntry(t, ctx, tx, b.ID, 1, now.Add(-time.Minute))
	testutil.SeedQueueEntry(t, ctx, tx, c.ID, 3, now.Add(-time.Minute))

	depth, err := repo.Depth(dbc, now)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth[1] != 2 || depth[3] != 1 {
		t.Fatalf("Depth: got %v", depth)
	}
}

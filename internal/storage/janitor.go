package storage

import (
	"context"
	"time"

	"gorm.io/gorm"

	jobrepo "github.com/yungbote/vidforge-backend/internal/data/repos/jobs"
	"github.com/yungbote/vidforge-backend/internal/platform/dbctx"
	"github.com/yungbote/vidforge-backend/internal/platform/envutil"
	"github.com/yungbote/vidforge-backend/internal/platform/logger"
)

// Janitor sweeps local scratch data for jobs that reached a terminal status
// longer than the retention window ago. Removal is idempotent, so a job seen
// on consecutive sweeps is harmless.
type Janitor struct {
	log       *logger.Logger
	db        *gorm.DB
	jobs      jobrepo.Repo
	store     Manager
	retention time.Duration
	interval  time.Duration
	batch     int
}

func NewJanitor(log *logger.Logger, db *gorm.DB, jobs jobrepo.Repo, store Manager) *Janitor {
	return &Janitor{
		log:       log.With("component", "StorageJanitor"),
		db:        db,
		jobs:      jobs,
		store:     store,
		retention: time.Duration(envutil.Int("PARTIAL_RETENTION_HOURS", 24)) * time.Hour,
		interval:  time.Duration(envutil.Int("JANITOR_INTERVAL_MINUTES", 30)) * time.Minute,
		batch:     envutil.Int("JANITOR_BATCH_SIZE", 100),
	}
}

func (j *Janitor) Start(ctx context.Context) {
	if j == nil || j.store == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.sweep(ctx)
			}
		}
	}()
}

func (j *Janitor) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-j.retention)
	jobs, err := j.jobs.ListTerminalBefore(dbctx.Context{Ctx: ctx}, cutoff, j.batch)
	if err != nil {
		j.log.Warn("Janitor sweep query failed", "error", err)
		return
	}
	removed := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		if err := j.store.RemoveLocalJobData(job.UserID, job.ID); err != nil {
			j.log.Warn("Janitor removal failed", "job_id", job.ID, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		j.log.Info("Janitor sweep done", "removed", removed, "cutoff", cutoff)
	}
}

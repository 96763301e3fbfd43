package progress

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/vidforge-backend/internal/domain"
	"github.com/yungbote/vidforge-backend/internal/platform/dbctx"
	"github.com/yungbote/vidforge-backend/internal/platform/logger"
)

type Repo interface {
	Append(dbc dbctx.Context, ev *domain.ProgressEvent) error
	ListByJob(dbc dbctx.Context, jobID uuid.UUID, limit int) ([]*domain.ProgressEvent, error)
}

type repo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRepo(db *gorm.DB, baseLog *logger.Logger) Repo {
	return &repo{db: db, log: baseLog.With("repo", "ProgressRepo")}
}

func (r *repo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *repo) Append(dbc dbctx.Context, ev *domain.ProgressEvent) error {
	if ev == nil || ev.JobID == uuid.Nil {
		return nil
	}
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	if ev.Severity == "" {
		ev.Severity = "info"
	}
	return r.tx(dbc).WithContext(dbc.Ctx).Create(ev).Error
}

func (r *repo) ListByJob(dbc dbctx.Context, jobID uuid.UUID, limit int) ([]*domain.ProgressEvent, error) {
	if jobID == uuid.Nil {
		return nil, nil
	}
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	var out []*domain.ProgressEvent
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("job_id = ?", jobID).
		Order("id ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/vidforge-backend/internal/domain"
	"github.com/yungbote/vidforge-backend/internal/platform/dbctx"
	"github.com/yungbote/vidforge-backend/internal/platform/logger"
)

type Repo interface {
	Insert(dbc dbctx.Context, job *domain.Job) (*domain.Job, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Job, error)
	ListByUser(dbc dbctx.Context, userID uuid.UUID, limit int) ([]*domain.Job, error)
	FindByIdempotencyKey(dbc dbctx.Context, userID uuid.UUID, key string, since time.Time) (*domain.Job, error)

	// UpdateFieldsUnlessStatus applies updates guarded by status; returns
	// false when the guard rejected the write.
	UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowed []string, updates map[string]interface{}) (bool, error)

	// UpdateProgress raises progress to pct and sets current_stage; the write
	// is dropped when the job is terminal or already past pct.
	UpdateProgress(dbc dbctx.Context, id uuid.UUID, stage string, pct float64) (bool, error)

	// MarkStageCompleted appends stage to stages_completed.
	MarkStageCompleted(dbc dbctx.Context, job *domain.Job, stage string) error

	SaveState(dbc dbctx.Context, id uuid.UUID, state []byte) error

	// ListTerminalBefore returns jobs that reached a terminal status before
	// cutoff, oldest first.
	ListTerminalBefore(dbc dbctx.Context, cutoff time.Time, limit int) ([]*domain.Job, error)
}

type repo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRepo(db *gorm.DB, baseLog *logger.Logger) Repo {
	return &repo{db: db, log: baseLog.With("repo", "JobRepo")}
}

func (r *repo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *repo) Insert(dbc dbctx.Context, job *domain.Job) (*domain.Job, error) {
	if job == nil {
		return nil, nil
	}
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

func (r *repo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Job, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var job domain.Job
	err := r.tx(dbc).WithContext(dbc.Ctx).Where("id = ?", id).Limit(1).Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *repo) ListByUser(dbc dbctx.Context, userID uuid.UUID, limit int) ([]*domain.Job, error) {
	if userID == uuid.Nil {
		return nil, nil
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var out []*domain.Job
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repo) FindByIdempotencyKey(dbc dbctx.Context, userID uuid.UUID, key string, since time.Time) (*domain.Job, error) {
	if userID == uuid.Nil || key == "" {
		return nil, nil
	}
	var job domain.Job
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("user_id = ? AND idempotency_key = ? AND created_at >= ?", userID, key, since).
		Order("created_at DESC").
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *repo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowed []string, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	q := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.Job{}).
		Where("id = ?", id)
	if len(disallowed) == 1 {
		q = q.Where("status <> ?", disallowed[0])
	} else if len(disallowed) > 1 {
		q = q.Where("status NOT IN ?", disallowed)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

var terminalStatuses = []string{domain.JobStatusCompleted, domain.JobStatusFailed, domain.JobStatusCancelled}

func (r *repo) UpdateProgress(dbc dbctx.Context, id uuid.UUID, stage string, pct float64) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	now := time.Now().UTC()
	res := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.Job{}).
		Where("id = ? AND status NOT IN ? AND progress < ?", id, terminalStatuses, pct).
		Updates(map[string]interface{}{
			"progress":      pct,
			"current_stage": stage,
			"updated_at":    now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	// Same stage, same pct is fine; still refresh current_stage for
	// stage transitions that do not move the percentage.
	res = r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.Job{}).
		Where("id = ? AND status NOT IN ?", id, terminalStatuses).
		Updates(map[string]interface{}{
			"current_stage": stage,
			"updated_at":    now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkStageCompleted(dbc dbctx.Context, job *domain.Job, stage string) error {
	if job == nil || job.ID == uuid.Nil {
		return nil
	}
	completed := DecodeStages(job.StagesCompleted)
	for _, s := range completed {
		if s == stage {
			return nil
		}
	}
	completed = append(completed, stage)
	raw, err := json.Marshal(completed)
	if err != nil {
		return err
	}
	ok, err := r.UpdateFieldsUnlessStatus(dbc, job.ID, terminalStatuses, map[string]interface{}{
		"stages_completed": datatypes.JSON(raw),
	})
	if err != nil {
		return err
	}
	if ok {
		job.StagesCompleted = datatypes.JSON(raw)
	}
	return nil
}

func (r *repo) SaveState(dbc dbctx.Context, id uuid.UUID, state []byte) error {
	_, err := r.UpdateFieldsUnlessStatus(dbc, id, terminalStatuses, map[string]interface{}{
		"state": datatypes.JSON(state),
	})
	return err
}

func (r *repo) ListTerminalBefore(dbc dbctx.Context, cutoff time.Time, limit int) ([]*domain.Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []*domain.Job
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("status IN ? AND completed_at IS NOT NULL AND completed_at < ?", terminalStatuses, cutoff).
		Order("completed_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeStages parses the stages_completed column, empty on malformed input.
func DecodeStages(raw datatypes.JSON) []string {
	if len(raw) == 0 || string(raw) == "null" {
		return []string{}
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return []string{}
	}
	return out
}

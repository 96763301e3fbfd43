package files

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/vidforge-backend/internal/domain"
	"github.com/yungbote/vidforge-backend/internal/platform/dbctx"
	"github.com/yungbote/vidforge-backend/internal/platform/logger"
)

type Repo interface {
	Insert(dbc dbctx.Context, f *domain.FileMetadata) (*domain.FileMetadata, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.FileMetadata, error)
	ListByJob(dbc dbctx.Context, jobID uuid.UUID) ([]*domain.FileMetadata, error)

	// FindByLogicalName locates a prior upload of the same logical artifact;
	// scene-scoped kinds pass sceneIndex, the rest pass nil.
	FindByLogicalName(dbc dbctx.Context, jobID uuid.UUID, kind string, sceneIndex *int, logicalName string) (*domain.FileMetadata, error)

	Delete(dbc dbctx.Context, id uuid.UUID) error
	DeleteByJob(dbc dbctx.Context, jobID uuid.UUID) error
}

type repo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRepo(db *gorm.DB, baseLog *logger.Logger) Repo {
	return &repo{db: db, log: baseLog.With("repo", "FileRepo")}
}

func (r *repo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *repo) Insert(dbc dbctx.Context, f *domain.FileMetadata) (*domain.FileMetadata, error) {
	if f == nil {
		return nil, nil
	}
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(f).Error; err != nil {
		return nil, err
	}
	return f, nil
}

func (r *repo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.FileMetadata, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var f domain.FileMetadata
	err := r.tx(dbc).WithContext(dbc.Ctx).Where("id = ?", id).Limit(1).Find(&f).Error
	if err != nil {
		return nil, err
	}
	if f.ID == uuid.Nil {
		return nil, nil
	}
	return &f, nil
}

func (r *repo) ListByJob(dbc dbctx.Context, jobID uuid.UUID) ([]*domain.FileMetadata, error) {
	if jobID == uuid.Nil {
		return nil, nil
	}
	var out []*domain.FileMetadata
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("job_id = ?", jobID).
		Order("kind ASC, scene_index ASC NULLS FIRST, created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repo) FindByLogicalName(dbc dbctx.Context, jobID uuid.UUID, kind string, sceneIndex *int, logicalName string) (*domain.FileMetadata, error) {
	if jobID == uuid.Nil || logicalName == "" {
		return nil, nil
	}
	q := r.tx(dbc).WithContext(dbc.Ctx).
		Where("job_id = ? AND kind = ? AND logical_name = ?", jobID, kind, logicalName)
	if sceneIndex != nil {
		q = q.Where("scene_index = ?", *sceneIndex)
	} else {
		q = q.Where("scene_index IS NULL")
	}
	var f domain.FileMetadata
	if err := q.Limit(1).Find(&f).Error; err != nil {
		return nil, err
	}
	if f.ID == uuid.Nil {
		return nil, nil
	}
	return &f, nil
}

func (r *repo) Delete(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	return r.tx(dbc).WithContext(dbc.Ctx).Where("id = ?", id).Delete(&domain.FileMetadata{}).Error
}

func (r *repo) DeleteByJob(dbc dbctx.Context, jobID uuid.UUID) error {
	if jobID == uuid.Nil {
		return nil
	}
	return r.tx(dbc).WithContext(dbc.Ctx).Where("job_id = ?", jobID).Delete(&domain.FileMetadata{}).Error
}

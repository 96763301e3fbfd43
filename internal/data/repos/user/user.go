package user

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/vidforge-backend/internal/domain"
	"github.com/yungbote/vidforge-backend/internal/platform/dbctx"
	"github.com/yungbote/vidforge-backend/internal/platform/logger"
)

type Repo interface {
	CreateIfAbsent(dbc dbctx.Context, id uuid.UUID, role string) (*domain.User, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.User, error)
}

type repo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRepo(db *gorm.DB, baseLog *logger.Logger) Repo {
	return &repo{db: db, log: baseLog.With("repo", "UserRepo")}
}

func (r *repo) CreateIfAbsent(dbc dbctx.Context, id uuid.UUID, role string) (*domain.User, error) {
	tx := dbc.Tx
	if tx == nil {
		tx = r.db
	}
	if role == "" {
		role = domain.RoleUser
	}
	u := &domain.User{ID: id, Role: role, CreatedAt: time.Now().UTC()}
	err := tx.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(u).Error
	if err != nil {
		return nil, err
	}
	return r.GetByID(dbc, id)
}

func (r *repo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.User, error) {
	tx := dbc.Tx
	if tx == nil {
		tx = r.db
	}
	var u domain.User
	err := tx.WithContext(dbc.Ctx).Where("id = ?", id).Limit(1).Find(&u).Error
	if err != nil {
		return nil, err
	}
	if u.ID == uuid.Nil {
		return nil, nil
	}
	return &u, nil
}

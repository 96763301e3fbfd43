package app

import (
	"gorm.io/gorm"

	filerepo "github.com/yungbote/vidforge-backend/internal/data/repos/files"
	jobrepo "github.com/yungbote/vidforge-backend/internal/data/repos/jobs"
	progressrepo "github.com/yungbote/vidforge-backend/internal/data/repos/progress"
	userrepo "github.com/yungbote/vidforge-backend/internal/data/repos/user"
	"github.com/yungbote/vidforge-backend/internal/platform/logger"
)

type Repos struct {
	Users    userrepo.Repo
	Jobs     jobrepo.Repo
	Queue    jobrepo.QueueRepo
	Progress progressrepo.Repo
	Files    filerepo.Repo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		Users:    userrepo.NewRepo(db, log),
		Jobs:     jobrepo.NewRepo(db, log),
		Queue:    jobrepo.NewQueueRepo(db, log),
		Progress: progressrepo.NewRepo(db, log),
		Files:    filerepo.NewRepo(db, log),
	}
}

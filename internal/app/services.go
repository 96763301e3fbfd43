package app

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/yungbote/vidforge-backend/internal/clients/llm"
	"github.com/yungbote/vidforge-backend/internal/jobs/pipeline"
	"github.com/yungbote/vidforge-backend/internal/jobs/queue"
	jobrt "github.com/yungbote/vidforge-backend/internal/jobs/runtime"
	"github.com/yungbote/vidforge-backend/internal/jobs/worker"
	"github.com/yungbote/vidforge-backend/internal/platform/breaker"
	"github.com/yungbote/vidforge-backend/internal/platform/clock"
	"github.com/yungbote/vidforge-backend/internal/platform/logger"
	"github.com/yungbote/vidforge-backend/internal/platform/retry"
	"github.com/yungbote/vidforge-backend/internal/progress"
	"github.com/yungbote/vidforge-backend/internal/rag"
	"github.com/yungbote/vidforge-backend/internal/realtime"
	"github.com/yungbote/vidforge-backend/internal/render"
	"github.com/yungbote/vidforge-backend/internal/services"
	"github.com/yungbote/vidforge-backend/internal/sse"
	"github.com/yungbote/vidforge-backend/internal/storage"
	"github.com/yungbote/vidforge-backend/internal/videogen"
)

type Services struct {
	Breakers *breaker.Registry
	Queue    *queue.Queue
	Store    storage.Manager
	Bus      realtime.Bus
	Reporter *progress.Reporter
	Video    services.VideoService
	Pool     *worker.Pool
	Janitor  *storage.Janitor
}

func wireServices(db *gorm.DB, log *logger.Logger, repos Repos, hub *sse.Hub, bus realtime.Bus) (Services, error) {
	log.Info("Wiring services...")
	clk := clock.System()

	breakers := breaker.NewRegistry(log, clk)
	limiter := videogen.NewLimiter()

	llmClient, err := llm.NewClient(log)
	if err != nil {
		return Services{}, fmt.Errorf("init llm client: %w", err)
	}
	ragClient, err := rag.NewClient(log)
	if err != nil {
		return Services{}, fmt.Errorf("init rag client: %w", err)
	}

	store, err := storage.NewManager(log, repos.Files, breakers)
	if err != nil {
		return Services{}, fmt.Errorf("init storage manager: %w", err)
	}

	profiles, err := render.LoadProfiles()
	if err != nil {
		return Services{}, fmt.Errorf("load render profiles: %w", err)
	}

	q := queue.New(log, repos.Queue, clk)
	reporter := progress.NewReporter(log, repos.Jobs, repos.Progress, hub, bus, clk)

	planner := videogen.NewPlanner(log, llmClient, breakers, limiter)
	scenarios := videogen.NewScenarioBuilder(log, llmClient, breakers, limiter)
	codegen := videogen.NewCodeGenerator(log, llmClient, ragClient, breakers, limiter)

	renderer := render.NewRenderer(log, breakers)
	combiner := render.NewCombiner(log)
	thumbs := render.NewThumbnailer(log)
	cover := render.NewCoverRenderer(log)

	policy := retry.FromEnv()

	handler := pipeline.NewHandler(log, planner, scenarios, codegen, renderer, combiner, thumbs, cover, store, profiles, policy)
	registry := jobrt.NewRegistry()
	if err := registry.Register(handler); err != nil {
		return Services{}, fmt.Errorf("register pipeline handler: %w", err)
	}

	pool := worker.NewPool(log, q, repos.Jobs, registry, reporter, policy, 4)
	janitor := storage.NewJanitor(log, db, repos.Jobs, store)

	video := services.NewVideoService(db, log, clk, repos.Users, repos.Jobs, repos.Files, repos.Progress, q, store, reporter)

	return Services{
		Breakers: breakers,
		Queue:    q,
		Store:    store,
		Bus:      bus,
		Reporter: reporter,
		Video:    video,
		Pool:     pool,
		Janitor:  janitor,
	}, nil
}

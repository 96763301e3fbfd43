package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/yungbote/vidforge-backend/internal/db"
	"github.com/yungbote/vidforge-backend/internal/observability"
	"github.com/yungbote/vidforge-backend/internal/platform/dbctx"
	"github.com/yungbote/vidforge-backend/internal/platform/envutil"
	"github.com/yungbote/vidforge-backend/internal/platform/logger"
	"github.com/yungbote/vidforge-backend/internal/realtime"
	"github.com/yungbote/vidforge-backend/internal/server"
	"github.com/yungbote/vidforge-backend/internal/sse"
)

// App owns the full process wiring: database, queue, workers, HTTP surface,
// and the observability side-cars.
type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Router   *gin.Engine
	Repos    Repos
	Services Services
	Hub      *sse.Hub

	pg           *db.PostgresService
	httpSrv      *server.HTTPServer
	metrics      *observability.Metrics
	otelShutdown func(context.Context) error
	cancel       context.CancelFunc
}

func New(ctx context.Context) (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	metrics := observability.Init(log)
	otelShutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: envutil.Str("OTEL_SERVICE_NAME", "vidforge-backend"),
		Environment: envutil.Str("ENVIRONMENT", "development"),
		Version:     envutil.Str("SERVICE_VERSION", "dev"),
	})

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}
	theDB := pg.DB()

	hub := sse.NewHub(log)
	bus := wireBus(log)

	repos := wireRepos(theDB, log)
	svcs, err := wireServices(theDB, log, repos, hub, bus)
	if err != nil {
		log.Sync()
		return nil, err
	}

	handlers := wireHandlers(log, svcs, hub)
	middleware, err := wireMiddleware(log)
	if err != nil {
		log.Sync()
		return nil, err
	}
	router := wireRouter(log, handlers, middleware)

	addr := ":" + envutil.Str("PORT", "8080")

	return &App{
		Log:          log,
		DB:           theDB,
		Router:       router,
		Repos:        repos,
		Services:     svcs,
		Hub:          hub,
		pg:           pg,
		httpSrv:      server.NewHTTPServer(log, router, addr),
		metrics:      metrics,
		otelShutdown: otelShutdown,
	}, nil
}

// wireBus picks Redis fanout when configured, single-instance noop otherwise.
func wireBus(log *logger.Logger) realtime.Bus {
	if strings.TrimSpace(os.Getenv("REDIS_ADDR")) == "" {
		log.Info("No REDIS_ADDR configured; using in-process event bus")
		return realtime.NoopBus{}
	}
	bus, err := realtime.NewRedisBus(log)
	if err != nil {
		log.Warn("Redis bus init failed; falling back to in-process bus", "error", err)
		return realtime.NoopBus{}
	}
	return bus
}

// Start launches the background machinery: worker pool, bus forwarder,
// janitor, and metric collectors.
func (a *App) Start() error {
	if a == nil || a.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if err := a.Services.Bus.StartForwarder(ctx, a.Hub.Broadcast); err != nil {
		return fmt.Errorf("start bus forwarder: %w", err)
	}
	a.Services.Pool.Start(ctx)
	a.Services.Janitor.Start(ctx)

	if a.metrics != nil {
		a.metrics.StartServer(ctx, a.Log, envutil.Str("METRICS_ADDR", ":9100"))
		a.metrics.StartPostgresCollector(ctx, a.Log, a.DB)
		a.metrics.StartRedisCollector(ctx, a.Log, os.Getenv("REDIS_ADDR"))
		a.metrics.StartBreakerCollector(ctx, a.Services.Breakers.Snapshots)
		a.metrics.StartQueueCollector(ctx, a.Log, func(ctx context.Context) (map[int]int64, error) {
			return a.Services.Queue.Depth(dbctx.Context{Ctx: ctx})
		})
		go a.sampleSSEClients(ctx)
	}
	return nil
}

func (a *App) sampleSSEClients(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.metrics.SetSSEClients(a.Hub.ClientCount())
		}
	}
}

// Run serves HTTP until the listener stops.
func (a *App) Run() error {
	return a.httpSrv.Start()
}

// Shutdown drains in order: stop accepting requests, stop background loops,
// wait for in-flight jobs to reach a checkpoint, then release resources.
func (a *App) Shutdown(ctx context.Context) {
	if a == nil {
		return
	}
	if err := a.httpSrv.Shutdown(ctx); err != nil {
		a.Log.Warn("HTTP shutdown failed", "error", err)
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.Services.Pool.Wait()

	if err := a.Services.Bus.Close(); err != nil {
		a.Log.Warn("Bus close failed", "error", err)
	}
	if err := a.Services.Store.Close(); err != nil {
		a.Log.Warn("Storage close failed", "error", err)
	}
	if err := a.pg.Close(); err != nil {
		a.Log.Warn("Postgres close failed", "error", err)
	}
	if a.otelShutdown != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.otelShutdown(sctx); err != nil {
			a.Log.Warn("OTel shutdown failed", "error", err)
		}
		cancel()
	}
	a.Log.Sync()
}

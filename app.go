package flows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/jdziat/durable-flows/pkg/blob"
	"github.com/jdziat/durable-flows/pkg/config"
	"github.com/jdziat/durable-flows/pkg/core"
	"github.com/jdziat/durable-flows/pkg/engine"
	"github.com/jdziat/durable-flows/pkg/flowrun"
	"github.com/jdziat/durable-flows/pkg/lock"
	"github.com/jdziat/durable-flows/pkg/log"
	"github.com/jdziat/durable-flows/pkg/queue"
	"github.com/jdziat/durable-flows/pkg/runner"
	"github.com/jdziat/durable-flows/pkg/sandbox"
	"github.com/jdziat/durable-flows/pkg/storage"
	"github.com/jdziat/durable-flows/pkg/worker"
)

// ServiceName is the service attribute on every log line.
const ServiceName = "flows-worker"

// Deps are the collaborators that live outside this process.
type Deps struct {
	// Versions is required.
	Versions FlowVersions
	Notifier Notifier
	// Installer defaults to a WorkspaceInstaller running the configured
	// install command.
	Installer sandbox.Installer
	// Logger defaults to a JSON logger at the configured level.
	Logger *slog.Logger
}

// App is the process context. It is built once by New and owns every
// component; nothing in it is global.
type App struct {
	Config       *config.Config
	DB           *gorm.DB
	Jobs         *storage.GormStorage
	Runs         *storage.GormFlowRunStore
	Locker       lock.Locker
	Queue        *queue.Queue
	Blobs        *blob.Store
	Sandboxes    *sandbox.Cache
	Gateway      *engine.Gateway
	Orchestrator *flowrun.Orchestrator
	Runner       *runner.Runner
	Worker       *worker.Worker

	logger  *slog.Logger
	ready   chan struct{}
	closers []func() error
}

// New validates cfg and builds every component. Nothing is migrated or
// started until Start.
func New(ctx context.Context, cfg *config.Config, deps Deps) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("flows: invalid config: %w", err)
	}
	if deps.Versions == nil {
		return nil, errors.New("flows: a FlowVersions collaborator is required")
	}

	logger := deps.Logger
	if logger == nil {
		l, err := log.New(ServiceName, cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		logger = l
	}

	app := &App{Config: cfg, logger: logger, ready: make(chan struct{})}
	if err := app.build(ctx, deps); err != nil {
		_ = app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context, deps Deps) error {
	cfg := a.Config

	db, err := storage.Open(storage.Backend(cfg.QueueBackend), cfg.DatabaseDSN,
		storage.MaxOpenConns(cfg.MaxOpenConns),
		storage.MaxIdleConns(cfg.MaxIdleConns),
		storage.ConnMaxLifetime(cfg.ConnMaxLifetime),
	)
	if err != nil {
		return err
	}
	a.DB = db
	a.closers = append(a.closers, func() error { return storage.Close(db) })
	a.Jobs = storage.NewGormStorage(db)
	a.Runs = storage.NewGormFlowRunStore(db)

	lockCfg := lock.Config{Backend: lock.Backend(cfg.LockBackend), LeaseTTL: cfg.LockLeaseTTL}
	if lockCfg.Backend == lock.BackendRedis {
		lockCfg.Redis = &redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	}
	locker, closeLocker, err := lock.New(lockCfg)
	if err != nil {
		return err
	}
	a.Locker = locker
	a.closers = append(a.closers, closeLocker)

	a.Queue = queue.New(a.Jobs, locker,
		queue.WithLogger(a.logger),
		queue.WithMigrationLockTimeout(cfg.LockTimeout),
	)

	blobs, err := blob.Open(ctx, cfg.BlobURL, cfg.BlobPrefix)
	if err != nil {
		return fmt.Errorf("flows: %w", err)
	}
	a.Blobs = blobs
	a.closers = append(a.closers, blobs.Close)

	procs, err := sandbox.NewRunner(sandbox.Mode(cfg.SandboxMode), sandbox.RunnerConfig{
		IsolateBinary: cfg.IsolateBinary,
		Boxes:         cfg.OneTimeWidth + cfg.ScheduledWidth,
	})
	if err != nil {
		return err
	}
	installer := deps.Installer
	if installer == nil {
		installer = &sandbox.WorkspaceInstaller{Runner: procs, Command: cfg.InstallCommand, Archives: blobs}
	}
	a.Sandboxes = sandbox.NewCache(cfg.CacheRoot, installer, locker,
		sandbox.WithLogger(a.logger),
		sandbox.WithLockTimeout(cfg.LockTimeout),
	)

	a.Gateway = engine.NewGateway(procs, cfg.EngineCommand,
		engine.WithTimeout(cfg.EngineTimeout),
		engine.WithAPIURL(cfg.APIURL),
		engine.WithLogger(a.logger),
	)
	triggerGateway := engine.NewGateway(procs, cfg.EngineCommand,
		engine.WithTimeout(cfg.TriggerTimeout),
		engine.WithAPIURL(cfg.APIURL),
		engine.WithLogger(a.logger),
	)

	opts := []flowrun.Option{
		flowrun.WithLogger(a.logger),
		flowrun.WithNotifyTimeout(cfg.NotifyTimeout),
		flowrun.WithPolicy(
			flowrun.NewQuotaPolicy(a.Runs, locker, int64(cfg.MonthlyRunQuota)).WithLockTimeout(cfg.LockTimeout),
		),
	}
	if deps.Notifier != nil {
		opts = append(opts, flowrun.WithNotifier(deps.Notifier))
	}
	a.Orchestrator = flowrun.New(a.Runs, deps.Versions, a.Queue, opts...)

	a.Runner = runner.New(runner.Deps{
		Orchestrator: a.Orchestrator,
		Versions:     deps.Versions,
		Jobs:         a.Queue,
		Sandboxes:    a.Sandboxes,
		Gateway:      a.Gateway,
		Logs:         blobs,
		Triggers:     runner.NewEngineTriggers(a.Sandboxes, triggerGateway, cfg.WebhookBaseURL),
	}, runner.WithLogger(a.logger))
	a.Queue.OnJobFail(a.Runner.OnJobFailed)

	a.Worker = worker.NewWorker(a.Queue, a.Runner,
		worker.WorkerQueue(core.QueueOneTime, worker.Concurrency(cfg.OneTimeWidth)),
		worker.WorkerQueue(core.QueueScheduled, worker.Concurrency(cfg.ScheduledWidth)),
		worker.WithScheduler(true),
		worker.WithPollInterval(cfg.PollInterval),
		worker.WithLogger(a.logger),
	)
	return nil
}

// Start creates the tables, migrates stored job payloads to the latest
// schema and then processes jobs until ctx is cancelled. A failed
// migration is returned before any job is taken.
func (a *App) Start(ctx context.Context) error {
	if err := a.Jobs.Migrate(ctx); err != nil {
		return fmt.Errorf("flows: migrate tables: %w", err)
	}
	if _, err := a.Queue.Migrate(ctx); err != nil {
		a.logger.Error("startup aborted", log.Error(err))
		return err
	}
	close(a.ready)

	err := a.Worker.Start(ctx)
	a.Orchestrator.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Ready is closed once Start has migrated and before it takes jobs.
func (a *App) Ready() <-chan struct{} {
	return a.ready
}

// Close releases every client New opened, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

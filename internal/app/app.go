// -----------------------------------------------------------------------
// Application wiring - storage, queues, object store, orchestration
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/harmony-eo/harmony/internal/common"
	"github.com/harmony-eo/harmony/internal/interfaces"
	"github.com/harmony-eo/harmony/internal/objectstore"
	"github.com/harmony-eo/harmony/internal/orchestrator"
	"github.com/harmony-eo/harmony/internal/queue"
	"github.com/harmony-eo/harmony/internal/storage/sqlite"
)

// App holds all application components and dependencies
type App struct {
	Config    *common.Config
	Logger    arbor.ILogger
	ctx       context.Context
	cancelCtx context.CancelFunc

	// Storage
	DB             *sqlite.SQLiteDB
	StorageManager interfaces.StorageManager

	// Queues and object store
	QueueProvider interfaces.QueueProvider
	ObjectStore   interfaces.ObjectStore

	// Orchestration services
	JobService      *orchestrator.JobService
	Dispatcher      *orchestrator.Dispatcher
	UpdateProcessor *orchestrator.UpdateProcessor
	Failer          *orchestrator.Failer
}

// New creates the application and wires all components. Background loops
// are not started until Start is called.
func New(config *common.Config, logger arbor.ILogger) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())

	app := &App{
		Config:    config,
		Logger:    logger,
		ctx:       ctx,
		cancelCtx: cancel,
	}

	db, err := sqlite.NewSQLiteDB(logger, &config.Database)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	app.DB = db
	app.StorageManager = sqlite.NewManager(db, logger)

	queues, err := queue.NewProvider(config, db.DB(), logger)
	if err != nil {
		cancel()
		db.Close()
		return nil, fmt.Errorf("failed to create queue provider: %w", err)
	}
	app.QueueProvider = queues

	objects, err := objectstore.NewFilesystemStore(&config.ObjectStore, logger)
	if err != nil {
		cancel()
		queues.Close()
		db.Close()
		return nil, fmt.Errorf("failed to create object store: %w", err)
	}
	app.ObjectStore = objects

	app.JobService = orchestrator.NewJobService(app.StorageManager, queues, config, logger)
	app.Dispatcher = orchestrator.NewDispatcher(app.StorageManager, queues, config, logger)
	app.UpdateProcessor = orchestrator.NewUpdateProcessor(app.StorageManager, queues, objects, config, logger)
	app.Failer = orchestrator.NewFailer(app.StorageManager, queues, config, logger, nil)

	logger.Info().
		Str("database", config.Database.Path).
		Str("queue_provider", config.Queue.Provider).
		Str("object_store", config.ObjectStore.Root).
		Msg("Application initialization complete")

	return app, nil
}

// Start launches the background loops: the scheduler pump, the update
// consumers, and the failer sweep.
func (a *App) Start() error {
	go func() {
		if err := a.Dispatcher.Run(a.ctx); err != nil && a.ctx.Err() == nil {
			a.Logger.Error().Err(err).Msg("Dispatcher stopped")
		}
	}()

	go func() {
		if err := a.UpdateProcessor.Run(a.ctx); err != nil && a.ctx.Err() == nil {
			a.Logger.Error().Err(err).Msg("Update processor stopped")
		}
	}()

	if err := a.Failer.Start(); err != nil {
		return fmt.Errorf("failed to start work failer: %w", err)
	}

	a.Logger.Info().Msg("Background services started")
	return nil
}

// Close stops background loops and releases resources in reverse
// dependency order.
func (a *App) Close() error {
	if a.cancelCtx != nil {
		a.Logger.Info().Msg("Cancelling background goroutines")
		a.cancelCtx()
		// Allow consumers to observe cancellation before queues close
		time.Sleep(100 * time.Millisecond)
	}

	if a.Failer != nil {
		a.Failer.Stop()
		a.Logger.Info().Msg("Work failer stopped")
	}

	if a.ObjectStore != nil {
		if closer, ok := a.ObjectStore.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("Failed to close object store")
			}
		}
	}

	if a.QueueProvider != nil {
		if err := a.QueueProvider.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close queue provider")
		}
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}

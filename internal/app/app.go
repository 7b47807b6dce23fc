package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/converge/internal/common"
	"github.com/ternarybob/converge/internal/dispatch"
	"github.com/ternarybob/converge/internal/handlers"
	"github.com/ternarybob/converge/internal/interfaces"
	"github.com/ternarybob/converge/internal/models"
	"github.com/ternarybob/converge/internal/services/barrier"
	"github.com/ternarybob/converge/internal/services/continuation"
	"github.com/ternarybob/converge/internal/services/events"
	"github.com/ternarybob/converge/internal/services/ledger"
	"github.com/ternarybob/converge/internal/services/llm"
	"github.com/ternarybob/converge/internal/services/reaper"
	"github.com/ternarybob/converge/internal/services/runs"
	"github.com/ternarybob/converge/internal/services/status"
	"github.com/ternarybob/converge/internal/services/stream"
	"github.com/ternarybob/converge/internal/services/supervisor"
	"github.com/ternarybob/converge/internal/storage"
)

// App holds all application components and dependencies
type App struct {
	Config    *common.Config
	Logger    arbor.ILogger
	ctx       context.Context
	cancelCtx context.CancelFunc

	StorageManager interfaces.StorageManager

	// Event-driven core
	EventService  interfaces.EventService
	LedgerService interfaces.LedgerService
	StreamBroker  *stream.Broker

	// Run orchestration
	ProfileStore        *supervisor.ProfileStore
	ProviderFactory     *llm.ProviderFactory
	SupervisorService   *supervisor.Service
	BarrierService      *barrier.Service
	ReaperService       *reaper.Service
	Dispatcher          *dispatch.Dispatcher
	ContinuationService *continuation.Service
	RunsService         *runs.Service
	StatusService       *status.Service

	// HTTP handlers
	APIHandler          *handlers.APIHandler
	RunHandler          *handlers.RunHandler
	ContinuationHandler *handlers.ContinuationHandler
	StreamHandler       *handlers.StreamHandler
	StatusHandler       *handlers.StatusHandler
	WSHandler           *handlers.WebSocketHandler
	WSWriter            *handlers.WebSocketWriter
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}
	app.ctx, app.cancelCtx = context.WithCancel(context.Background())

	// Initialize database
	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Event bus and WebSocket handler are created before the services so
	// that startup logs and early bus traffic already reach connected clients
	app.EventService = events.NewService(app.Logger)
	app.WSHandler = handlers.NewWebSocketHandler(app.Logger)

	// Route arbor's context log channel onto the WebSocket
	app.WSWriter = handlers.NewWebSocketWriter(app.WSHandler, &cfg.WebSocket, app.Logger)
	app.Logger.SetChannel("context", app.WSWriter.Channel())

	if err := app.initServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := app.initHandlers(); err != nil {
		return nil, fmt.Errorf("failed to initialize handlers: %w", err)
	}

	return app, nil
}

// initDatabase initializes the storage layer (Badger)
func (a *App) initDatabase() error {
	storageManager, err := storage.NewStorageManager(a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}

	a.StorageManager = storageManager
	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")

	return nil
}

// initServices initializes all business services in dependency order.
//
// RUN ORCHESTRATION ARCHITECTURE:
// 1. LedgerService - append-only run event log, fanned out through the bus
// 2. StreamBroker - SSE subscriptions that replay from the ledger and follow live events
// 3. BarrierService - counts worker completions and resumes the supervisor
// 4. SupervisorService - executes planner rounds against the LLM provider
// 5. Dispatcher - claims queued worker jobs and runs them through executors
// 6. Reaper - sweeps expired barriers so stalled rounds resume with partial results
//
// The barrier and the supervisor reference each other: the supervisor
// registers rounds with the barrier, and the barrier resumes the supervisor
// when a round completes. The cycle is broken by injecting the supervisor
// into the barrier after both are constructed.
func (a *App) initServices() error {
	// Bus diagnostics. Run events are high volume, so the subscriber logs
	// them at trace and everything else at debug.
	busLogger := events.NewLoggerSubscriber(a.Logger)
	for _, eventType := range []interfaces.EventType{
		interfaces.EventRunEventAppended,
		interfaces.EventRunStatusChanged,
		interfaces.EventJobQueued,
		interfaces.EventJobStatusChanged,
		interfaces.EventAppStatusChanged,
	} {
		if err := a.EventService.Subscribe(eventType, busLogger); err != nil {
			return fmt.Errorf("failed to subscribe bus logger: %w", err)
		}
	}

	a.LedgerService = ledger.NewService(
		a.StorageManager.EventStorage(),
		a.EventService,
		a.Logger,
	)

	broker, err := stream.NewBroker(
		a.LedgerService,
		a.StorageManager.RunStorage(),
		a.EventService,
		&a.Config.Stream,
		a.Logger,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize stream broker: %w", err)
	}
	a.StreamBroker = broker

	a.BarrierService = barrier.NewService(
		a.StorageManager.BarrierStorage(),
		a.StorageManager.JobStorage(),
		a.StorageManager.RunStorage(),
		a.LedgerService,
		a.EventService,
		&a.Config.Barrier,
		a.Logger,
	)

	// Provider factory routes per-model between Claude and Gemini; clients
	// are created lazily on first use
	a.ProviderFactory = llm.NewProviderFactory(
		&a.Config.Gemini,
		&a.Config.Claude,
		&a.Config.LLM,
		a.StorageManager.KeyValueStorage(),
		a.Logger,
	)

	a.ProfileStore = supervisor.NewProfileStore(&a.Config.Supervisor, a.Logger)

	a.SupervisorService = supervisor.NewService(
		a.StorageManager.RunStorage(),
		a.StorageManager.BarrierStorage(),
		a.StorageManager.MessageStorage(),
		a.BarrierService,
		a.LedgerService,
		a.EventService,
		a.ProviderFactory,
		a.ProfileStore,
		&a.Config.Supervisor,
		a.Logger,
	)
	a.BarrierService.SetResumer(a.SupervisorService)

	a.Dispatcher = dispatch.NewDispatcher(
		a.StorageManager.JobStorage(),
		a.BarrierService,
		a.LedgerService,
		a.EventService,
		&a.Config.Workers,
		a.Logger,
	)
	a.Dispatcher.RegisterExecutor(models.JobTypeEcho, dispatch.NewEchoExecutor())
	a.Dispatcher.RegisterExecutor(models.JobTypeLLM, dispatch.NewLLMExecutor(a.ProviderFactory, a.Logger))
	a.Dispatcher.RegisterExecutor(models.JobTypeWebFetch, dispatch.NewFetchExecutor(&a.Config.Fetch, a.Logger))
	a.Dispatcher.Start()

	a.ReaperService = reaper.NewService(
		a.StorageManager.BarrierStorage(),
		a.BarrierService,
		&a.Config.Reaper,
		a.Logger,
	)
	if err := a.ReaperService.Start(); err != nil {
		return fmt.Errorf("failed to start reaper: %w", err)
	}

	a.ContinuationService = continuation.NewService(
		a.StorageManager.RunStorage(),
		a.StorageManager.JobStorage(),
		a.StorageManager.MessageStorage(),
		a.LedgerService,
		a.SupervisorService,
		a.Logger,
	)

	a.RunsService = runs.NewService(
		a.StorageManager.RunStorage(),
		a.StorageManager.JobStorage(),
		a.StorageManager.BarrierStorage(),
		a.StorageManager.MessageStorage(),
		a.LedgerService,
		&a.Config.Stream,
		a.Logger,
	)

	a.StatusService = status.NewService(a.EventService, a.Logger)
	a.StatusService.SubscribeToRunEvents()

	a.Logger.Debug().
		Int("worker_concurrency", a.Config.Workers.Concurrency).
		Msg("Services initialized")

	return nil
}

// initHandlers initializes all HTTP handlers
func (a *App) initHandlers() error {
	a.APIHandler = handlers.NewAPIHandler()

	// EventSubscriber bridges bus events onto the WebSocket with
	// config-driven filtering and throttling
	_ = handlers.NewEventSubscriber(a.WSHandler, a.EventService, a.Logger, &a.Config.WebSocket)
	a.Logger.Debug().
		Int("allowed_events", len(a.Config.WebSocket.AllowedEvents)).
		Int("throttle_intervals", len(a.Config.WebSocket.ThrottleIntervals)).
		Msg("EventSubscriber initialized")

	a.RunHandler = handlers.NewRunHandler(a.SupervisorService, a.RunsService, a.BarrierService, a.Logger)
	a.ContinuationHandler = handlers.NewContinuationHandler(a.ContinuationService, a.Logger)
	a.StreamHandler = handlers.NewStreamHandler(a.StreamBroker, a.Logger)
	a.StatusHandler = handlers.NewStatusHandler(a.StatusService, a.RunsService, a.StorageManager.JobStorage(), a.Logger)

	return nil
}

// Close closes all application resources
func (a *App) Close() error {
	// Cancel background goroutines first
	if a.cancelCtx != nil {
		a.Logger.Info().Msg("Cancelling background goroutines")
		a.cancelCtx()
		// Allow goroutines to finish gracefully
		time.Sleep(100 * time.Millisecond)
	}

	// Stop the dispatcher so no new jobs get claimed mid-shutdown
	if a.Dispatcher != nil {
		a.Dispatcher.Stop()
		a.Logger.Info().Msg("Dispatcher stopped")
	}

	// Stop the reaper sweep loop
	if a.ReaperService != nil {
		a.ReaperService.Stop()
		a.Logger.Info().Msg("Reaper stopped")
	}

	// Close stream subscriptions before the bus goes away
	if a.StreamBroker != nil {
		if err := a.StreamBroker.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close stream broker")
		}
	}

	// Close LLM provider clients
	if a.ProviderFactory != nil {
		if err := a.ProviderFactory.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close LLM provider factory")
		} else {
			a.Logger.Info().Msg("LLM provider factory closed")
		}
	}

	// Close event service
	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	// Drain the WebSocket log broadcaster after the last services logged
	if a.WSWriter != nil {
		if err := a.WSWriter.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close WebSocket log writer")
		}
	}

	// Close storage
	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}

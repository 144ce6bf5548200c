package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"liveclass/internal/api"
	"liveclass/internal/cache"
	"liveclass/internal/config"
	"liveclass/internal/database"
	"liveclass/internal/hub"
	"liveclass/internal/queue"
	"liveclass/internal/recording"
	"liveclass/internal/router"
	"liveclass/internal/session"
	"liveclass/internal/storage"
	"liveclass/internal/websocket"
	"liveclass/pkg/interfaces"
	pkgdatabase "liveclass/pkg/database"
)

// Application owns every long-lived component and their lifecycle.
type Application struct {
	cfg    *config.Config
	logger zerolog.Logger

	db           *database.Manager
	sessions     *session.Registry
	orchestrator *recording.Orchestrator
	connections  *websocket.Registry
	hub          *hub.Hub
	consumer     *queue.Consumer
	httpServer   *http.Server

	// closers run in reverse order on Close
	closers []io.Closer
}

// Migrate brings the database schema up to date.
func Migrate(cfg *pkgdatabase.Config) error {
	if err := pkgdatabase.NewMigrationManager(cfg.DatabasePath).ApplyMigrations(); err != nil {
		return err
	}
	return nil
}

// New builds the component graph. Dependency order:
// database → cache → sessions → recording → queue/storage → sockets → hub → HTTP.
// The logger is taken from ctx.
func New(ctx context.Context, cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := zerolog.Ctx(ctx).With().Str("component", "app").Logger()

	a := &Application{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	// STEP 1: schema, then the pooled manager
	if err := Migrate(&cfg.Database); err != nil {
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	db, err := database.NewManager(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, db)
	if err := pkgdatabase.NewSchemaValidator(db.GetDB()).Validate(); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	// STEP 2: shared session cache
	var sessionCache interfaces.Cache = cache.NewMemory()
	var registryOpts []websocket.RegistryOption
	if cfg.Cache.Enabled() {
		rc, err := cache.Dial(ctx, cfg.Cache.RedisAddr, cfg.Cache.Password, cfg.Cache.DB, cfg.Cache.TTL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		sessionCache = rc
		a.closers = append(a.closers, rc)
		registryOpts = append(registryOpts, websocket.WithBus(rc.Bus(cfg.Cache.RelayPrefix())))
	}

	// STEP 3: sessions
	a.sessions = session.NewRegistry(db,
		session.WithCache(sessionCache),
		session.WithNamespace(cfg.Cache.Namespace),
	)

	// STEP 4: recording
	tokens := recording.NewTokenSigner(cfg.Recording.TokenSecret, cfg.Recording.TokenTTL)
	tracker := recording.NewService(recording.NewClient(cfg.Recording.ClientConfig(), nil), tokens)
	orchOpts := []recording.OrchestratorOption{
		recording.WithStore(db),
		recording.WithQueryPolicy(cfg.Recording.QueryPolicy(), cfg.Recording.QueryRetries, cfg.Recording.RetryInterval),
		recording.WithParallelism(cfg.Recording.Parallelism),
	}

	// STEP 5: archive pipeline
	var conn *amqp.Connection
	if cfg.Queue.Enabled() {
		conn, err = queue.Dial(ctx, cfg.Queue.URL, cfg.Queue.MaxTries)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to broker: %w", err)
		}
		a.closers = append(a.closers, amqpCloser{conn})
		pub, err := queue.NewPublisher(ctx, conn, cfg.Queue)
		if err != nil {
			return nil, fmt.Errorf("failed to create copy job publisher: %w", err)
		}
		a.closers = append(a.closers, pub)
		orchOpts = append(orchOpts, recording.WithPublisher(pub, tokens))
	}
	a.orchestrator = recording.NewOrchestrator(a.sessions, tracker, orchOpts...)
	if conn != nil {
		a.consumer = queue.NewConsumer(conn, cfg.Queue, a.orchestrator.HandleCopyComplete)
	}

	var files api.FileLister
	if cfg.Storage.Enabled() {
		archive, err := storage.New(cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage client: %w", err)
		}
		files = archive
	}

	// STEP 6: sockets and routing
	limiter := router.NewRateLimiter(cfg.WebSocket.RateLimit, cfg.WebSocket.RateWindow)
	msgRouter := router.NewRouter(a.sessions, a.orchestrator, router.WithRateLimiter(limiter))
	a.connections = websocket.NewRegistry(logger, registryOpts...)

	// STEP 7: maintenance hub
	a.hub = hub.NewHub(a.orchestrator, a.connections, cfg.Maintenance.Interval, logger, hub.WithLimiter(limiter))

	wsHandler := websocket.NewHandler(a.connections, msgRouter, websocket.HandlerConfig{
		Options: websocket.Options{
			BufferSize:   cfg.WebSocket.BufferSize,
			WriteTimeout: cfg.WebSocket.WriteTimeout,
		},
		HeartbeatInterval: cfg.WebSocket.HeartbeatInterval,
		PingInterval:      cfg.WebSocket.PingInterval,
		ReadTimeout:       cfg.WebSocket.ReadTimeout,
	}, logger, websocket.WithDisconnectHook(func(connID string) {
		if err := a.hub.Disconnected(connID); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
			logger.Warn().Err(err).Str("connection_id", connID).Msg("Disconnect cleanup not queued")
		}
	}))

	// STEP 8: HTTP surface
	apiServer := api.NewServer(api.Deps{
		Sessions:    a.sessions,
		Connections: a.connections,
		Recorder:    a.orchestrator,
		Store:       db,
		Database:    db,
		Cache:       sessionCache,
		Files:       files,
		WebSocket:   http.HandlerFunc(wsHandler.HandleWebSocket),
		Logger:      logger,
	})
	a.httpServer = &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return logger.WithContext(context.Background()) },
	}

	ok = true
	return a, nil
}

// Handler is the root HTTP handler.
func (a *Application) Handler() http.Handler { return a.httpServer.Handler }

// Addr is the configured listen address.
func (a *Application) Addr() string { return a.httpServer.Addr }

// Reconcile settles recordings a previous process left running.
func (a *Application) Reconcile(ctx context.Context) error {
	return a.orchestrator.ReconcileOrphans(a.logger.WithContext(ctx))
}

// Run serves until ctx is cancelled or a component fails, then shuts down
// in reverse order: HTTP → consumer and relay → hub.
func (a *Application) Run(ctx context.Context) error {
	ctx = a.logger.WithContext(ctx)

	if a.cfg.Maintenance.ReconcileOnStart {
		if err := a.Reconcile(ctx); err != nil {
			// Startup continues; every record that could be settled was.
			a.logger.Error().Err(err).Msg("Orphan reconciliation incomplete")
		}
	}

	if err := a.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}
	defer func() {
		if err := a.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
			a.logger.Warn().Err(err).Msg("Hub shutdown error")
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info().Str("addr", a.httpServer.Addr).Msg("HTTP server listening")
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})
	if a.consumer != nil {
		g.Go(func() error {
			if err := a.consumer.Consume(gctx); err != nil && gctx.Err() == nil {
				return fmt.Errorf("copy-complete consumer: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		if err := a.connections.Relay(gctx); err != nil && gctx.Err() == nil {
			return fmt.Errorf("event relay: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP shutdown: %w", err)
		}
		return nil
	})

	err := g.Wait()
	a.logger.Info().Msg("Application stopped")
	return err
}

// Close releases external resources. It is safe to call on a partially
// built application.
func (a *Application) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// amqpCloser lets the broker connection sit in the closer list.
type amqpCloser struct{ conn *amqp.Connection }

func (c amqpCloser) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

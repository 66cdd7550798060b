package daemon

import (
	"context"
	"net/http"
	"time"

	"github.com/matheus3301/convsync/internal/api"
	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/config"
	"github.com/matheus3301/convsync/internal/index"
	"github.com/matheus3301/convsync/internal/lock"
	"github.com/matheus3301/convsync/internal/logging"
	"github.com/matheus3301/convsync/internal/metrics"
	"github.com/matheus3301/convsync/internal/outbox"
	"github.com/matheus3301/convsync/internal/present"
	"github.com/matheus3301/convsync/internal/relay"
	"github.com/matheus3301/convsync/internal/session"
	"github.com/matheus3301/convsync/internal/status"
	"github.com/matheus3301/convsync/internal/store"
	intsync "github.com/matheus3301/convsync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
	OpenID  string // conversation to open once the list is loaded
	Debug   bool

	SocketPath string         // optional override for testing; empty = use default
	Config     *config.Config // optional override for testing; nil = load from disk
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideLock,
			provideStore,
			provideBus,
			provideStateMachine,
			provideMetrics,
			provideIndex,
			provideHub,
			providePresenter,
			provideController,
			provideEngine,
			provideReconciler,
			provideUploader,
			provideAdapter,
			provideStream,
			providePipeline,
			provideBinder,
			providePresentationServer,
			provideControlService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	cfg, err := config.LoadOrDefault(session.ConfigPath())
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(session.EnvPath(p.Profile)); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := session.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	return logging.New(session.LogPath(p.Profile), p.Profile, p.Debug)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(session.LockPath(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is only opened by the
// process holding it.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideMetrics() *metrics.Metrics {
	return metrics.New()
}

func provideIndex(b *bus.Bus, logger *zap.Logger) *index.Index {
	return index.New(b, logger.Named("index"))
}

func provideHub(m *metrics.Metrics, logger *zap.Logger) *present.Hub {
	return present.NewHub(m, logger.Named("present"))
}

func providePresenter(hub *present.Hub, db *store.DB, cfg *config.Config, logger *zap.Logger) *present.Presenter {
	return present.NewPresenter(hub, db, cfg.Presentation.HistoryLimit, logger.Named("present"))
}

func provideController(idx *index.Index, presenter *present.Presenter, b *bus.Bus, logger *zap.Logger) *intsync.Controller {
	return intsync.NewController(idx, presenter, presenter, b, logger.Named("sync"))
}

func provideEngine(db *store.DB, controller *intsync.Controller, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, controller, b, m, logger.Named("sync"))
}

func provideReconciler(db *store.DB, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(db, logger.Named("sync"))
}

func provideUploader(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *relay.Uploader {
	return relay.NewUploader(&http.Client{Timeout: cfg.Outbox.UploadTimeout}, b, logger.Named("relay"))
}

func provideAdapter(cfg *config.Config, uploader *relay.Uploader, logger *zap.Logger) (*relay.Adapter, error) {
	return relay.NewAdapter(cfg.Relay, cfg.Storage, uploader, logger.Named("relay"))
}

func provideStream(adapter *relay.Adapter, engine *intsync.Engine, reconciler *intsync.Reconciler, machine *status.Machine, m *metrics.Metrics, logger *zap.Logger) *relay.Stream {
	return relay.NewStream(adapter, engine, reconciler, machine, m, logger.Named("relay"))
}

func providePipeline(p Params, cfg *config.Config, db *store.DB, adapter *relay.Adapter, controller *intsync.Controller, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *outbox.Pipeline {
	tempDir := cfg.Outbox.TempDir
	if tempDir == "" {
		tempDir = session.AttachmentTempDir(p.Profile)
	}
	return outbox.NewPipeline(db, adapter, controller, tempDir, b, m, logger.Named("outbox"))
}

func provideBinder(b *bus.Bus, hub *present.Hub, logger *zap.Logger) *present.Binder {
	return present.NewBinder(b, hub, logger.Named("present"))
}

func providePresentationServer(cfg *config.Config, hub *present.Hub, controller *intsync.Controller, machine *status.Machine, m *metrics.Metrics, logger *zap.Logger) *present.Server {
	return present.NewServer(cfg.Presentation.Listen, hub, controller, machine, m, logger.Named("present"))
}

func provideControlService(p Params, machine *status.Machine, controller *intsync.Controller, pipeline *outbox.Pipeline, db *store.DB, logger *zap.Logger) *api.ControlService {
	return api.NewControlService(p.Profile, machine, controller, pipeline, db, logger.Named("api"))
}

type lifecycleDeps struct {
	fx.In

	Params     Params
	Server     *Server
	Lock       *lock.Lock
	DB         *store.DB
	Controller *intsync.Controller
	Engine     *intsync.Engine
	Adapter    *relay.Adapter
	Stream     *relay.Stream
	Binder     *present.Binder
	HTTP       *present.Server
	Logger     *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	ctx, cancel := context.WithCancel(context.Background())
	logger := d.Logger

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			// Forward list diffs before the first list is built.
			d.Binder.Start(ctx)

			if d.Params.OpenID != "" {
				if err := d.Controller.RequestConversation(d.Params.OpenID); err != nil {
					logger.Warn("cannot open requested conversation", zap.String("conversation_id", d.Params.OpenID), zap.Error(err))
				}
			}
			convs, err := d.DB.ListConversations(startCtx)
			if err != nil {
				return err
			}
			if err := d.Controller.OnConversationListReplaced(convs); err != nil {
				logger.Warn("requested conversation not found", zap.String("conversation_id", d.Params.OpenID), zap.Error(err))
			}
			logger.Info("conversation list loaded", zap.Int("conversations", len(convs)))

			// Outbox events on the bus.
			d.Engine.Start(ctx)

			if err := d.HTTP.Start(); err != nil {
				return err
			}

			go func() {
				if err := d.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			go func() {
				connectCtx, cancelConnect := context.WithTimeout(ctx, 30*time.Second)
				defer cancelConnect()
				if err := d.Adapter.Connect(connectCtx); err != nil {
					logger.Warn("attachment storage unavailable", zap.Error(err))
				}
			}()
			// The stream drives the connection state and retries on its own.
			d.Stream.Start(ctx)
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			d.Stream.Stop()
			d.Engine.Stop()
			d.Server.Stop(stopCtx)
			if err := d.HTTP.Stop(stopCtx); err != nil {
				logger.Warn("error stopping presentation server", zap.Error(err))
			}
			d.Binder.Stop()
			if err := d.Adapter.Close(); err != nil {
				logger.Warn("error closing relay", zap.Error(err))
			}
			if err := d.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}

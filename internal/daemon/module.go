package daemon

import (
	"context"
	"io"

	"github.com/campusnet/chatsync/internal/api"
	"github.com/campusnet/chatsync/internal/bus"
	"github.com/campusnet/chatsync/internal/config"
	"github.com/campusnet/chatsync/internal/engine"
	"github.com/campusnet/chatsync/internal/logging"
	"github.com/campusnet/chatsync/internal/loop"
	"github.com/campusnet/chatsync/internal/metrics"
	"github.com/campusnet/chatsync/internal/realtime"
	"github.com/campusnet/chatsync/internal/rest"
	"github.com/campusnet/chatsync/internal/search"
	"github.com/campusnet/chatsync/internal/session"
	"github.com/campusnet/chatsync/internal/status"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	// Config overrides ~/.chatsync/config.toml when set.
	Config *config.Config
	// Console receives the human-readable log copy; nil means stderr.
	Console io.Writer
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			metrics.New,
			provideBus,
			status.NewMachine,
			provideLock,
			provideLoop,
			provideRealtime,
			provideREST,
			provideEngine,
			provideIndex,
			provideIndexer,
			provideChatServer,
			NewServer,
			NewDebugServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg := p.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOrDefault(session.ConfigPath()); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(logging.Options{
		Path:    session.LogPath(p.SessionName),
		Session: p.SessionName,
		Level:   cfg.LogLevel,
		Console: p.Console,
	})
}

func provideBus(m *metrics.Metrics) *bus.Bus {
	return bus.New(bus.WithDropHook(m.Dropped))
}

func provideLock(p Params, logger *zap.Logger) (*session.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := session.AcquireLock(p.SessionName)
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideLoop() *loop.Loop {
	return loop.New()
}

func provideRealtime(cfg *config.Config, b *bus.Bus, m *status.Machine, logger *zap.Logger) *realtime.Client {
	return realtime.New(realtime.Config{
		URL:               cfg.Backend.StreamURL,
		Token:             cfg.Backend.Token,
		ReconnectInitial:  cfg.Sync.ReconnectInitial.Duration,
		ReconnectMax:      cfg.Sync.ReconnectMax.Duration,
		ReconnectAttempts: cfg.Sync.ReconnectAttempts,
		AckTimeout:        cfg.Sync.AckTimeout.Duration,
	}, b, m, logger.Named("realtime"))
}

func provideREST(cfg *config.Config, logger *zap.Logger) *rest.Client {
	return rest.New(rest.Config{
		BaseURL: cfg.Backend.BaseURL,
		Token:   cfg.Backend.Token,
		Timeout: cfg.Backend.Timeout.Duration,
		RPS:     cfg.Backend.RPS,
		Burst:   cfg.Backend.Burst,
	}, logger.Named("rest"))
}

func provideEngine(cfg *config.Config, l *loop.Loop, b *bus.Bus, rt *realtime.Client, rc *rest.Client, m *metrics.Metrics, logger *zap.Logger) *engine.Engine {
	return engine.New(engine.Config{
		Viewer:         cfg.Viewer,
		HistoryLimit:   cfg.Sync.HistoryLimit,
		PollInterval:   cfg.Sync.PollInterval.Duration,
		StaleAfter:     cfg.Sync.StaleAfter.Duration,
		TypingTimeout:  cfg.Sync.TypingTimeout.Duration,
		TypingIdle:     cfg.Sync.TypingIdle.Duration,
		TypingRefresh:  cfg.Sync.TypingRefresh.Duration,
		BufferLimit:    cfg.Sync.BufferLimit,
		MatchWindow:    cfg.Sync.MatchWindow.Duration,
		NetworkTimeout: cfg.Backend.Timeout.Duration,
	}, l, b, engine.RealtimeChannel(rt), rc, logger.Named("engine"), engine.WithObserver(m))
}

func provideIndex(logger *zap.Logger) (*search.Index, error) {
	idx, err := search.Open()
	if err != nil {
		return nil, err
	}
	logger.Info("search index ready")
	return idx, nil
}

func provideIndexer(idx *search.Index, b *bus.Bus, logger *zap.Logger) *search.Indexer {
	return search.NewIndexer(idx, b, logger.Named("search"))
}

func provideChatServer(p Params, eng *engine.Engine, idx *search.Index, b *bus.Bus, logger *zap.Logger) *api.Server {
	return api.NewServer(p.SessionName, eng, idx, b, logger.Named("api"))
}

type lifecycleDeps struct {
	fx.In

	Server   *Server
	Debug    *DebugServer
	Lock     *session.Lock
	Engine   *engine.Engine
	Realtime *realtime.Client
	Index    *search.Index
	Indexer  *search.Indexer
	Metrics  *metrics.Metrics
	Bus      *bus.Bus
	Logger   *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	runCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			d.Engine.Start(runCtx)
			go d.Indexer.Run(runCtx)
			go d.Metrics.Watch(runCtx, d.Bus)

			go func() {
				if err := d.Server.Start(); err != nil {
					d.Logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			if err := d.Debug.Start(); err != nil {
				return err
			}

			// The conversation list loads in the background. After a failure
			// the engine reloads it on the next list read, on opening an
			// unknown conversation, and on every poll or reconnect.
			go func() {
				if err := d.Engine.Bootstrap(runCtx); err != nil {
					d.Logger.Warn("bootstrap failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			d.Server.Stop(ctx)
			d.Debug.Stop(ctx)
			d.Realtime.Disconnect()
			d.Engine.Stop()
			if err := d.Index.Close(); err != nil {
				d.Logger.Warn("error closing search index", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				d.Logger.Warn("error releasing lock", zap.Error(err))
			}
			d.Logger.Info("daemon stopped")
			return nil
		},
	})
}

package daemon

import (
	"context"
	"path/filepath"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/mlschat/internal/api"
	"github.com/matheus3301/mlschat/internal/bus"
	"github.com/matheus3301/mlschat/internal/channel"
	"github.com/matheus3301/mlschat/internal/config"
	"github.com/matheus3301/mlschat/internal/engine"
	"github.com/matheus3301/mlschat/internal/engine/devengine"
	"github.com/matheus3301/mlschat/internal/journal"
	"github.com/matheus3301/mlschat/internal/lock"
	"github.com/matheus3301/mlschat/internal/logging"
	"github.com/matheus3301/mlschat/internal/metrics"
	"github.com/matheus3301/mlschat/internal/orchestrator"
	"github.com/matheus3301/mlschat/internal/profile"
	"github.com/matheus3301/mlschat/internal/store"
)

// Params holds the resolved profile passed to the fx module.
type Params struct {
	ProfileName string
	// Dir relocates every profile file (settings, journal, lock, socket,
	// log) into one directory. Empty means the profile's default directory.
	Dir string
	// SocketPath overrides only the socket location.
	SocketPath string
}

func (p Params) path(def func(string) string) string {
	if p.Dir == "" {
		return def(p.ProfileName)
	}
	return filepath.Join(p.Dir, filepath.Base(def(p.ProfileName)))
}

func (p Params) socketPath() string {
	if p.SocketPath != "" {
		return p.SocketPath
	}
	return p.path(profile.SocketPath)
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideLock,
			provideSettings,
			provideIdentity,
			provideEngine,
			provideBus,
			provideMetrics,
			provideChannel,
			provideStore,
			provideJournal,
			provideOrchestrator,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(p.path(profile.LogPath), p.ProfileName)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	dir := p.Dir
	if dir == "" {
		if err := profile.EnsureDir(p.ProfileName); err != nil {
			return nil, err
		}
		dir = profile.Dir(p.ProfileName)
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(dir)
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideSettings depends on the lock so a second daemon fails before
// touching any profile file.
func provideSettings(p Params, _ *lock.Lock, logger *zap.Logger) (*config.Settings, error) {
	path := p.path(profile.SettingsPath)
	s, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	logger.Info("settings loaded",
		zap.String("path", path),
		zap.String("username", s.Username),
		zap.String("delivery_service", s.DeliveryServiceAddress),
	)
	return s, nil
}

func provideIdentity(s *config.Settings) (*engine.Identity, error) {
	return engine.NewIdentity(s.Username)
}

func provideEngine(id *engine.Identity) engine.Engine {
	return devengine.New(id)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideMetrics(b *bus.Bus) *metrics.Metrics {
	return metrics.New(b.Dropped)
}

func provideChannel(s *config.Settings, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *channel.Channel {
	return channel.New(s.DeliveryServiceAddress, channel.Options{Bus: b, Log: logger, Metrics: m})
}

func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := p.path(profile.JournalPath)
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
		logger.Info("migrations applied", zap.Uint("from", result.From), zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("journal initialized", zap.String("path", dbPath))
	return db, nil
}

func provideJournal(db *store.DB, b *bus.Bus, logger *zap.Logger) *journal.Writer {
	return journal.NewWriter(db, b, logger)
}

func provideOrchestrator(p Params, s *config.Settings, eng engine.Engine, id *engine.Identity, ch *channel.Channel, b *bus.Bus, m *metrics.Metrics, db *store.DB, logger *zap.Logger) *orchestrator.Orchestrator {
	settingsPath := p.path(profile.SettingsPath)
	return orchestrator.New(orchestrator.Deps{
		Engine:   eng,
		Identity: id,
		Channel:  ch,
		Bus:      b,
		Log:      logger,
		Metrics:  m,
		History:  db,
		SaveSettings: func(next config.Settings) error {
			return config.Save(settingsPath, &next)
		},
	}, orchestrator.Options{
		Settings:         *s,
		RequestTimeout:   s.RequestTimeout.Std(),
		PollInterval:     s.PollInterval.Std(),
		PushBufferWindow: s.PushBufferWindow.Std(),
	})
}

func provideService(o *orchestrator.Orchestrator, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(o, b, logger)
}

type lifecycleParams struct {
	fx.In

	Server       *Server
	Lock         *lock.Lock
	Settings     *config.Settings
	Channel      *channel.Channel
	Orchestrator *orchestrator.Orchestrator
	Journal      *journal.Writer
	DB           *store.DB
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, p lifecycleParams) {
	var (
		cancel     context.CancelFunc
		metricsSrv *metrics.Server
	)
	logger := p.Logger
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())

			// Journal first so the first registrations are recorded.
			p.Journal.Start(ctx)
			reportOutbox(p.DB, logger)
			go p.Orchestrator.Run(ctx)
			p.Channel.Start(ctx)

			if addr := p.Settings.MetricsAddress; addr != "" {
				metricsSrv = metrics.NewServer(addr, p.Metrics, logger)
				if err := metricsSrv.Start(); err != nil {
					logger.Warn("metrics server not started", zap.String("addr", addr), zap.Error(err))
					metricsSrv = nil
				}
			}

			go func() {
				if err := p.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			p.Server.Stop(ctx)
			if metricsSrv != nil {
				_ = metricsSrv.Stop(ctx)
			}
			cancel()
			<-p.Orchestrator.Done()
			p.Channel.Stop()
			p.Journal.Stop()
			if err := p.DB.Close(); err != nil {
				logger.Warn("error closing journal", zap.Error(err))
			}
			if err := p.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}

// reportOutbox logs messages a previous run never got accepted. Group state
// does not survive a restart, so they stay in the journal only.
func reportOutbox(db *store.DB, logger *zap.Logger) {
	entries, err := db.UndeliveredOutbox("")
	if err != nil {
		logger.Warn("read outbox", zap.Error(err))
		return
	}
	if len(entries) == 0 {
		return
	}
	groups := make(map[string]int)
	for _, e := range entries {
		groups[e.GroupID]++
	}
	logger.Warn("undelivered messages from an earlier run",
		zap.Int("messages", len(entries)), zap.Int("groups", len(groups)))
}

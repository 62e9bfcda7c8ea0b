// Package daemon composes the sync daemon: stores, engine, gateway, and
// their lifecycle.
package daemon

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"tgsync/internal/bus"
	"tgsync/internal/config"
	"tgsync/internal/dialog"
	"tgsync/internal/filter"
	"tgsync/internal/gateway"
	"tgsync/internal/lock"
	"tgsync/internal/logging"
	"tgsync/internal/message"
	"tgsync/internal/outbox"
	"tgsync/internal/peer"
	"tgsync/internal/session"
	"tgsync/internal/snapshot"
	"tgsync/internal/status"
	intsync "tgsync/internal/sync"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	GatewayAddr string // optional override for testing; empty = use config
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideSnapshotDB,
			provideDirectory,
			provideFilters,
			provideMessageStore,
			provideDialogStorage,
			provideBridge,
			provideCoordinator,
			provideEngine,
			provideGateway,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() *config.Config {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		return config.Default()
	}
	return cfg
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideSnapshotDB(p Params, logger *zap.Logger) (*snapshot.DB, error) {
	dbPath := session.SnapshotDBPath(p.SessionName)
	db, err := snapshot.Open(dbPath)
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
	logger.Info("snapshot store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideDirectory() *peer.Directory {
	return peer.NewDirectory()
}

func provideFilters(b *bus.Bus) *filter.Registry {
	return filter.NewRegistry(b)
}

func provideMessageStore(directory *peer.Directory, logger *zap.Logger) *message.Store {
	return message.NewStore(directory, logger)
}

func provideDialogStorage(directory *peer.Directory, filters *filter.Registry, logger *zap.Logger) *dialog.Storage {
	return dialog.NewStorage(directory, filters, logger)
}

func provideBridge(logger *zap.Logger) *gateway.Bridge {
	return gateway.NewBridge(logger)
}

func provideCoordinator(store *message.Store, bridge *gateway.Bridge, b *bus.Bus, logger *zap.Logger) *outbox.Coordinator {
	return outbox.NewCoordinator(store, bridge, b, logger)
}

func provideEngine(
	cfg *config.Config,
	store *message.Store,
	dialogs *dialog.Storage,
	filters *filter.Registry,
	coordinator *outbox.Coordinator,
	directory *peer.Directory,
	bridge *gateway.Bridge,
	b *bus.Bus,
	logger *zap.Logger,
) *intsync.Engine {
	engine := intsync.NewEngine(store, dialogs, filters, coordinator, directory, bridge, b, logger, intsync.Options{
		NotifyDebounce:  time.Duration(cfg.NotifyDebounceMS) * time.Millisecond,
		MigrateGrace:    time.Duration(cfg.MigrateGraceMS) * time.Millisecond,
		HistoryPageSize: cfg.HistoryPageSize,
	})
	bridge.OnUpdates(engine.Apply)
	return engine
}

func provideGateway(p Params, cfg *config.Config, bridge *gateway.Bridge, engine *intsync.Engine, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *gateway.Server {
	addr := p.GatewayAddr
	if addr == "" {
		addr = cfg.GatewayAddr
	}
	return gateway.NewServer(addr, bridge, engine, b, machine, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	srv *gateway.Server,
	lk *lock.Lock,
	db *snapshot.DB,
	engine *intsync.Engine,
	coordinator *outbox.Coordinator,
	dialogs *dialog.Storage,
	store *message.Store,
	filters *filter.Registry,
	machine *status.Machine,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			_ = machine.Transition(status.Restoring)
			st, err := db.LoadState()
			if err != nil {
				logger.Warn("snapshot restore failed, starting cold", zap.Error(err))
			} else if st != nil {
				st.Restore(dialogs, store, filters)
				engine.SetMaxSeen(st.MaxSeen)
				logger.Info("snapshot restored",
					zap.Int("dialogs", len(st.Dialogs)),
					zap.Int64("saved_at", st.SavedAt))
			}
			_ = machine.Transition(status.Syncing)

			engine.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gateway error", zap.Error(err))
				}
			}()

			// Bootstrap needs the bridge; until one attaches the daemon runs
			// degraded on the restored snapshot.
			go func() {
				if err := engine.Bootstrap(context.Background()); err != nil {
					logger.Warn("bootstrap failed", zap.Error(err))
					_ = machine.Transition(status.Degraded)
					return
				}
				_ = machine.Transition(status.Ready)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			engine.Stop()
			coordinator.Wait()
			engine.Flush()

			st := snapshot.Capture(dialogs, store, filters, engine.MaxSeen())
			if err := db.SaveState(st); err != nil {
				logger.Error("snapshot save failed", zap.Error(err))
			} else {
				logger.Info("snapshot saved", zap.Int("dialogs", len(st.Dialogs)))
			}

			srv.Stop(ctx)
			_ = db.Close()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

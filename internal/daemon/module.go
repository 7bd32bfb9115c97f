// Package daemon composes the session daemon: one process per session,
// holding the realtime connection, the conversation cache and the outbox.
package daemon

import (
	"context"

	"github.com/adchat/adchat/internal/block"
	"github.com/adchat/adchat/internal/bus"
	"github.com/adchat/adchat/internal/cache"
	"github.com/adchat/adchat/internal/config"
	"github.com/adchat/adchat/internal/lock"
	"github.com/adchat/adchat/internal/logging"
	"github.com/adchat/adchat/internal/outbox"
	"github.com/adchat/adchat/internal/presence"
	"github.com/adchat/adchat/internal/realtime"
	"github.com/adchat/adchat/internal/rest"
	"github.com/adchat/adchat/internal/session"
	"github.com/adchat/adchat/internal/status"
	"github.com/adchat/adchat/internal/store"
	intsync "github.com/adchat/adchat/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
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
			provideStore,
			provideTokens,
			provideRESTClient,
			provideCache,
			providePresence,
			provideBlocks,
			provideChannel,
			provideController,
			provideSender,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	return config.Load(session.ConfigPath())
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

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
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

func provideTokens(p Params) session.TokenSource {
	return session.NewFileTokenSource(p.SessionName)
}

func provideRESTClient(cfg *config.Config, tokens session.TokenSource, logger *zap.Logger) *rest.Client {
	return rest.NewClient(cfg.APIBaseURL, cfg.Locale, tokens, logger)
}

func provideCache(b *bus.Bus) *cache.Cache {
	return cache.New(b)
}

func providePresence() *presence.Tracker {
	return presence.NewTracker()
}

func provideBlocks() *block.Machine {
	return block.NewMachine()
}

func provideChannel(cfg *config.Config, tokens session.TokenSource, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *realtime.Channel {
	return realtime.NewChannel(cfg.StreamURL, tokens, b, machine, logger)
}

func provideController(client *rest.Client, c *cache.Cache, db *store.DB, pt *presence.Tracker, bm *block.Machine, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *intsync.Controller {
	return intsync.NewController(client, c, db, pt, bm, b, cfg.ChatPageSize, cfg.MessagePageSize, logger)
}

func provideSender(db *store.DB, client *rest.Client, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, client, machine, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, sh fx.Shutdowner, p Params, lk *lock.Lock, db *store.DB, channel *realtime.Channel, ctl *intsync.Controller, sender *outbox.Sender, logger *zap.Logger) {
	runCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ctl.Start(runCtx)
			sender.Start(runCtx)

			// The realtime channel reconnects on its own; it only returns
			// when the session is logged out or the daemon stops.
			go func() {
				if err := channel.Run(runCtx); err != nil {
					logger.Warn("realtime channel stopped", zap.Error(err))
					_ = sh.Shutdown()
				}
			}()

			logger.Info("daemon started", zap.String("session", p.SessionName))
			return nil
		},
		OnStop: func(_ context.Context) error {
			cancel()
			sender.Stop()
			ctl.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

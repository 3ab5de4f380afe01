package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/confideapp/confide/internal/bus"
	"github.com/confideapp/confide/internal/cache"
	"github.com/confideapp/confide/internal/chat"
	"github.com/confideapp/confide/internal/clock"
	"github.com/confideapp/confide/internal/config"
	"github.com/confideapp/confide/internal/lock"
	"github.com/confideapp/confide/internal/logging"
	"github.com/confideapp/confide/internal/model"
	"github.com/confideapp/confide/internal/rest"
	"github.com/confideapp/confide/internal/store"
)

// Params holds the resolved configuration passed to the fx module.
type Params struct {
	Config *config.Config
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideClock,
			provideLock,
			provideCache,
			provideRESTClient,
			provideStore,
			provideSessions,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger() (*zap.Logger, error) {
	return logging.New(config.LogPath())
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideClock() clock.Clock {
	return clock.New()
}

func provideLock(logger *zap.Logger) (*lock.Lock, error) {
	if err := config.EnsureDirs(); err != nil {
		return nil, err
	}
	l, err := lock.Acquire(config.BaseDir())
	if err != nil {
		return nil, err
	}
	logger.Info("daemon lock acquired")
	return l, nil
}

func provideCache(logger *zap.Logger) (*cache.DB, error) {
	dbPath := config.CacheDBPath()
	db, err := cache.Open(dbPath)
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
	logger.Info("cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRESTClient(p Params) *rest.Client {
	return rest.NewClient(p.Config.APIURL, p.Config.Token, nil)
}

func provideStore(clk clock.Clock, b *bus.Bus, logger *zap.Logger) *store.Store {
	return store.New(clk, b, logger)
}

func provideSessions(p Params, st *store.Store, db *cache.DB, client *rest.Client, clk clock.Clock, b *bus.Bus, logger *zap.Logger) *chat.Manager {
	return chat.NewManager(chat.Deps{
		Self:   model.User{ID: p.Config.SelfUserID, Username: p.Config.SelfUsername},
		WSURL:  p.Config.WSURL,
		Token:  p.Config.Token,
		Store:  st,
		Cache:  db,
		API:    client,
		Clock:  clk,
		Bus:    b,
		Logger: logger,
	})
}

func provideServer(p Params, st *store.Store, sessions *chat.Manager, client *rest.Client, b *bus.Bus, logger *zap.Logger) *Server {
	return NewServer(p.Config.Listen, p.Config.AllowedOrigins, st, sessions, client, b, logger)
}

// preloadConversations seeds the in-memory store from the on-disk cache
// so the conversation list is served before the first backend refresh.
func preloadConversations(ctx context.Context, db *cache.DB, st *store.Store, logger *zap.Logger) {
	convs, err := db.ListConversations(ctx)
	if err != nil {
		logger.Warn("conversation preload failed", zap.Error(err))
		return
	}
	if len(convs) > 0 {
		st.SetConversations(convs)
		logger.Info("conversations preloaded", zap.Int("count", len(convs)))
	}
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, sessions *chat.Manager, st *store.Store, db *cache.DB, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			preloadConversations(ctx, db, st, logger)
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("http server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			sessions.CloseAll()
			srv.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

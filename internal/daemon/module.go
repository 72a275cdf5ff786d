package daemon

import (
	"context"
	"time"

	"github.com/courierapp/courier/internal/api"
	"github.com/courierapp/courier/internal/appstate"
	"github.com/courierapp/courier/internal/bus"
	"github.com/courierapp/courier/internal/cache"
	"github.com/courierapp/courier/internal/config"
	"github.com/courierapp/courier/internal/lock"
	"github.com/courierapp/courier/internal/logging"
	"github.com/courierapp/courier/internal/outbox"
	"github.com/courierapp/courier/internal/profile"
	"github.com/courierapp/courier/internal/push"
	"github.com/courierapp/courier/internal/store"
	intsync "github.com/courierapp/courier/internal/sync"
	"github.com/courierapp/courier/internal/unread"
	"github.com/courierapp/courier/internal/writer"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// resyncInterval is the cadence of the background full conversation re-sync.
const resyncInterval = 2 * time.Minute

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
}

// Module returns the fx module for the engine daemon, composing all
// providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideConfig,
			provideStore,
			provideWriter,
			provideCache,
			provideClient,
			provideOrchestrator,
			provideOutbox,
			provideUnread,
			providePushVerifier,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *appstate.Machine {
	return appstate.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.LockPath(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideConfig(p Params) (*config.Engine, error) {
	return config.Load(profile.EnginePath(p.ProfileName))
}

// provideStore opens the profile database. An unopenable database does not
// abort startup: the engine runs degraded so cached snapshots still serve
// the UI.
func provideStore(p Params, logger *zap.Logger) *store.Store {
	dbPath := profile.DBPath(p.ProfileName)
	st, err := store.Open(dbPath, logger)
	if err != nil {
		logger.Error("failed to open store, running degraded", zap.String("path", dbPath), zap.Error(err))
		return store.Degraded(logger)
	}
	result, err := st.Migrate()
	if err != nil {
		logger.Error("migration failed, running degraded", zap.Error(err))
		_ = st.Close()
		return store.Degraded(logger)
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return st
}

func provideWriter(st *store.Store, logger *zap.Logger) *writer.Queue {
	return writer.New(st, logger)
}

func provideCache(p Params, logger *zap.Logger) *cache.Cache {
	return cache.New(profile.CacheDir(p.ProfileName), logger)
}

func provideClient(cfg *config.Engine, logger *zap.Logger) *api.Client {
	return api.NewClient(cfg.APIBaseURL, api.StaticToken(cfg.APIToken), logger)
}

func provideOrchestrator(st *store.Store, q *writer.Queue, c *cache.Cache, client *api.Client, b *bus.Bus, cfg *config.Engine, logger *zap.Logger) *intsync.Orchestrator {
	return intsync.New(st, q, c, client, b, logger, cfg.PageSize, cfg.SyncDebounce(), nil)
}

func provideOutbox(st *store.Store, q *writer.Queue, client *api.Client, b *bus.Bus, machine *appstate.Machine, cfg *config.Engine, logger *zap.Logger) *outbox.Service {
	return outbox.New(st, q, client, b, machine, logger, cfg.RetryIntervalForeground(), cfg.RetryIntervalBackground(), nil)
}

func provideUnread(st *store.Store, b *bus.Bus, logger *zap.Logger) *unread.Aggregator {
	return unread.New(st, b, nil, logger)
}

func providePushVerifier(client *api.Client, cfg *config.Engine, logger *zap.Logger) *push.Verifier {
	return push.New(client, logger, cfg.PushVerifyThrottle(), nil)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, st *store.Store, q *writer.Queue, c *cache.Cache, orch *intsync.Orchestrator, sender *outbox.Service, agg *unread.Aggregator, verifier *push.Verifier, machine *appstate.Machine, b *bus.Bus, cfg *config.Engine, logger *zap.Logger) {
	var resyncStop context.CancelFunc

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			resyncStop = cancel

			// Cached snapshots go out before any network round trip so a
			// freshly launched UI paints the last known conversation list.
			var cached []store.Conversation
			if c.Load(cache.KeyConversations, &cached) {
				logger.Info("serving cached conversations", zap.Int("count", len(cached)))
				b.Publish(bus.Event{Kind: bus.KindConversationsSaved, Payload: cached})
			}

			agg.Start(ctx)
			sender.Start(ctx)

			if err := machine.Transition(appstate.Foreground); err != nil {
				logger.Warn("state transition failed", zap.Error(err))
			}

			// Push registration happens once at start and again on every
			// return to foreground; the verifier's throttle absorbs the
			// repeats.
			if cfg.PushToken != "" {
				go func() {
					_ = verifier.Verify(ctx, cfg.PushToken)
				}()
				stateCh, unsub := b.Subscribe("app.", 16)
				go func() {
					defer unsub()
					for {
						select {
						case evt := <-stateCh:
							change, ok := evt.Payload.(appstate.Change)
							if ok && change.To == appstate.Foreground {
								_ = verifier.Verify(ctx, cfg.PushToken)
							}
						case <-ctx.Done():
							return
						}
					}
				}()
			}

			// Initial sync plus a slow background re-sync. Each pass also
			// rewrites the cache snapshots, so a UI restart always finds a
			// fresh conversation list.
			go func() {
				if err := orch.SyncConversations(ctx); err != nil {
					logger.Warn("initial conversation sync failed", zap.Error(err))
				}
				ticker := time.NewTicker(resyncInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ticker.C:
						if err := orch.SyncConversations(ctx); err != nil {
							logger.Warn("periodic conversation sync failed", zap.Error(err))
						}
					case <-ctx.Done():
						return
					}
				}
			}()

			return nil
		},
		OnStop: func(_ context.Context) error {
			if resyncStop != nil {
				resyncStop()
			}
			sender.Stop()
			agg.Stop()
			_ = machine.Transition(appstate.Terminated)
			q.Close()
			if err := st.Close(); err != nil {
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

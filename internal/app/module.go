package app

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"plansync/internal/bus"
	"plansync/internal/client"
	"plansync/internal/config"
	"plansync/internal/contracts"
	"plansync/internal/feed"
	"plansync/internal/lock"
	"plansync/internal/logging"
	"plansync/internal/outbox"
	"plansync/internal/presence"
	"plansync/internal/remote"
	"plansync/internal/status"
	"plansync/internal/store"
	"plansync/internal/subs"
	intsync "plansync/internal/sync"
)

// Params holds the resolved configuration passed to the fx module.
type Params struct {
	Config *config.Config
}

// Module returns the fx module for the client, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("app",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideRemote,
			provideFeedClient,
			provideSyncEngine,
			provideSubsManager,
			providePresence,
			provideController,
			provideSender,
			provideStatusWatcher,
			provideClient,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(p.Config.LogPath(), p.Config.UserID)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data directory lock", zap.String("dir", p.Config.DataDir))
	l, err := lock.Acquire(p.Config.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data directory lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := p.Config.DBPath()
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

func provideRemote(p Params, logger *zap.Logger) *remote.Service {
	return remote.New(remote.Config{
		BaseURL: p.Config.Remote.BaseURL,
		APIKey:  p.Config.Remote.APIKey,
		Timeout: p.Config.RemoteTimeout(),
	}, logger)
}

func provideFeedClient(p Params, logger *zap.Logger) *feed.Client {
	return feed.NewClient(p.Config.Feed.URL, p.Config.Feed.APIKey, logger)
}

func provideSyncEngine(db *store.DB, svc *remote.Service, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, svc, b, logger)
}

// feedTransport adapts the websocket client to the subscription manager's
// transport interface.
type feedTransport struct {
	client *feed.Client
}

func (t feedTransport) Subscribe(ctx context.Context, topic feed.Topic) (subs.Stream, error) {
	s, err := t.client.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func provideSubsManager(p Params, fc *feed.Client, engine *intsync.Engine, b *bus.Bus, logger *zap.Logger) *subs.Manager {
	subscribeTimeout, initial, max, budget := p.Config.SubscriptionConfig()
	cfg := subs.Config{
		SubscribeTimeout: subscribeTimeout,
		BackoffInitial:   initial,
		BackoffMax:       max,
		BackoffBudget:    budget,
	}
	return subs.NewManager(feedTransport{fc}, engine, b, logger, cfg)
}

// typingBroadcaster adapts the data service's presence upsert to the
// coordinator's broadcaster interface.
type typingBroadcaster struct {
	svc *remote.Service
}

func (b typingBroadcaster) SetTyping(ctx context.Context, contractID, userID string, typing bool) error {
	return b.svc.UpsertTyping(ctx, store.TypingSignal{
		ContractID: contractID,
		UserID:     userID,
		IsTyping:   typing,
		UpdatedAt:  time.Now().UnixMilli(),
	})
}

func providePresence(p Params, svc *remote.Service, b *bus.Bus, logger *zap.Logger) *presence.Coordinator {
	cfg := presence.Config{
		IdleTimeout: p.Config.PresenceIdleTimeout(),
		Staleness:   p.Config.PresenceStaleness(),
	}
	return presence.NewCoordinator(typingBroadcaster{svc}, presence.SystemClock(), b, logger, p.Config.UserID, cfg)
}

func provideController(svc *remote.Service, engine *intsync.Engine, logger *zap.Logger) *contracts.Controller {
	return contracts.NewController(svc, engine, logger)
}

func provideSender(db *store.DB, svc *remote.Service, engine *intsync.Engine, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, svc, engine, b, logger)
}

func provideStatusWatcher(m *status.Machine, b *bus.Bus, logger *zap.Logger) *status.Watcher {
	return status.NewWatcher(m, b, logger)
}

func provideClient(p Params, db *store.DB, ctl *contracts.Controller, mgr *subs.Manager, coord *presence.Coordinator, engine *intsync.Engine, svc *remote.Service, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *client.Client {
	return client.New(client.Deps{
		DB:        db,
		Contracts: ctl,
		Subs:      mgr,
		Presence:  coord,
		Writer:    engine,
		Reader:    svc,
		Machine:   machine,
		Bus:       b,
		Logger:    logger,
		UserID:    p.Config.UserID,
	})
}

func registerLifecycle(lc fx.Lifecycle, p Params, lk *lock.Lock, engine *intsync.Engine, sender *outbox.Sender, coord *presence.Coordinator, watcher *status.Watcher, machine *status.Machine, cl *client.Client, logger *zap.Logger) {
	var baseline []*subs.Handle

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Reconciler first: subscriptions resync through it.
			engine.Start(context.Background())
			coord.Start(context.Background())
			watcher.Start(context.Background())
			sender.Start(context.Background())

			_ = machine.Transition(status.Connecting)

			// Baseline topics every run cares about. Screens layer their
			// own Watch/Unwatch on top of these.
			baseline = append(baseline,
				cl.Watch(feed.Catalog()),
				cl.Watch(feed.UserContracts(p.Config.UserID)),
			)
			logger.Info("client started", zap.String("user", p.Config.UserID))
			return nil
		},
		OnStop: func(_ context.Context) error {
			for _, h := range baseline {
				cl.Unwatch(h)
			}
			sender.Stop()
			coord.Stop()
			watcher.Stop()
			engine.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("client stopped")
			return nil
		},
	})
}

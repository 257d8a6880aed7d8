// Package daemon composes the voxd session daemon: storage, credential
// store, delivery queue, sync engine and the control API, wired through
// fx with a shared lifecycle.
package daemon

import (
	"context"
	"net/http"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/gbarbosa/vox/internal/api"
	"github.com/gbarbosa/vox/internal/backend"
	"github.com/gbarbosa/vox/internal/bus"
	"github.com/gbarbosa/vox/internal/channel"
	"github.com/gbarbosa/vox/internal/config"
	"github.com/gbarbosa/vox/internal/creds"
	"github.com/gbarbosa/vox/internal/delivery"
	"github.com/gbarbosa/vox/internal/ledger"
	"github.com/gbarbosa/vox/internal/lock"
	"github.com/gbarbosa/vox/internal/logging"
	"github.com/gbarbosa/vox/internal/session"
	"github.com/gbarbosa/vox/internal/status"
	"github.com/gbarbosa/vox/internal/store"
	intsync "github.com/gbarbosa/vox/internal/sync"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	ConfigPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
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
			provideCreds,
			provideHTTPClient,
			provideBackendClient,
			provideChannels,
			provideQueue,
			provideDrainer,
			provideSyncEngine,
			provideHandler,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) *config.Config {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	return config.LoadOrDefault(path)
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

	// Inflight rows from a previous process are orphans; make them due again.
	requeued, err := db.RequeueStaleInflight(time.Now().UnixMilli())
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if requeued > 0 {
		logger.Info("requeued interrupted deliveries", zap.Int("count", requeued))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideCreds(p Params, cfg *config.Config) creds.Store {
	// The platform account storage is external; the daemon picks up the
	// blob from the environment when the session file has none yet.
	source := func(context.Context) (string, error) {
		if tok := os.Getenv("VOX_TOKEN"); tok != "" {
			return tok, nil
		}
		return "", creds.ErrNoToken
	}
	return creds.NewFileStore(cfg.Account.Email, session.TokenPath(p.SessionName), source)
}

func provideHTTPClient(cfg *config.Config) *http.Client {
	return &http.Client{Timeout: time.Duration(cfg.Backend.TimeoutSeconds) * time.Second}
}

func provideBackendClient(cfg *config.Config, cs creds.Store, hc *http.Client, logger *zap.Logger) *backend.Client {
	auth := channel.NewBackendAuthenticator(cs)
	return backend.NewClient(cfg.Backend.BaseURL, hc, auth, cfg.Account.Email, cfg.Account.DeviceID, logger)
}

func provideChannels(p Params, cfg *config.Config, hc *http.Client, b *bus.Bus, logger *zap.Logger) map[channel.Kind]channel.Channel {
	mailAuth := channel.NewMailAuthenticator(cfg.Mail.BaseURL+"/token", cfg.Mail.Account, cfg.Mail.Candidates, hc, logger)
	return map[channel.Kind]channel.Channel{
		channel.KindMail:   channel.NewMailChannel(cfg.Mail.BaseURL, mailAuth, hc, cfg.Mail.EmbedAudio, logger),
		channel.KindSMS:    channel.NewSMSChannel(cfg.SMS.GatewayURL, hc, b, cfg.SMS.AckTimeout(), logger),
		channel.KindIntent: channel.NewIntentChannel(session.HandoffDir(p.SessionName), cfg.Intent.ComposeCommand, logger),
	}
}

func provideQueue(db *store.DB, client *backend.Client, channels map[channel.Kind]channel.Channel, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *delivery.Queue {
	return delivery.NewQueue(db, client, channels, b, cfg.Delivery, logger)
}

func provideDrainer(db *store.DB, client *backend.Client, logger *zap.Logger) *ledger.Drainer {
	return ledger.NewDrainer(db, client, logger)
}

func provideSyncEngine(db *store.DB, client *backend.Client, drainer *ledger.Drainer, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, client, drainer, b, cfg.Sync, cfg.Account.Email, logger)
}

func provideHandler(p Params, db *store.DB, q *delivery.Queue, e *intsync.Engine, d *ledger.Drainer, cs creds.Store, m *status.Machine, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *api.Handler {
	return api.NewHandler(db, q, e, d, cs, m, b, p.SessionName, cfg.Account.DeviceID, logger)
}

func provideServer(p Params, h *api.Handler, logger *zap.Logger) *api.Server {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}
	return api.NewServer(socketPath, h, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *api.Server, lk *lock.Lock, client *backend.Client, queue *delivery.Queue, engine *intsync.Engine, cs creds.Store, machine *status.Machine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := srv.Start(); err != nil {
				return err
			}
			queue.Start()
			engine.Start()

			if _, ok := cs.Peek(); ok {
				_ = machine.Transition(status.Ready)
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
					defer cancel()
					if err := client.EnsureAccount(ctx); err != nil {
						logger.Warn("account registration deferred", zap.Error(err))
					}
					engine.Trigger()
				}()
			} else {
				logger.Info("no credentials found, auth required")
				_ = machine.Transition(status.AuthRequired)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			queue.Stop()
			engine.Stop()
			if err := srv.Stop(ctx); err != nil {
				logger.Warn("error stopping control api", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

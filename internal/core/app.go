// Package core assembles the engine: config, logging, storage, the
// session registry, broadcast dispatch and the Telegram control surface.
package core

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"wabridge/internal/broadcast"
	"wabridge/internal/config"
	"wabridge/internal/credstore"
	"wabridge/internal/datastore"
	"wabridge/internal/entitlement"
	"wabridge/internal/eventbus"
	"wabridge/internal/network"
	"wabridge/internal/reconnect"
	"wabridge/internal/replies"
	rtsup "wabridge/internal/runtime/supervisor"
	"wabridge/internal/session"
	kit "wabridge/internal/transport"
	teleadapter "wabridge/internal/transport/telegram/adapter"
	"wabridge/internal/transport/telegram/router"
	logx "wabridge/pkg/logx"
)

type App struct {
	cfgm    *config.Manager
	logSvc  *logx.Service
	log     logx.Logger
	adapter kit.Adapter

	db    *datastore.DB
	creds credstore.Store

	bus     eventbus.Bus
	entitle *entitlement.Service
	matcher *replies.Matcher
	dialer  network.Dialer

	// resolved durations
	pollTimeout    time.Duration
	pairingSettle  time.Duration
	pairingTimeout time.Duration
	restoreDelay   time.Duration
	retrySpacing   time.Duration
	policy         reconnect.Policy
	bcastCfg       broadcast.Config

	mu       sync.Mutex
	sup      *rtsup.Supervisor
	registry *session.Registry
	bcast    *broadcast.Service
	cron     *cron.Cron
	cfgCh    chan *config.Config
	updates  chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	adapter, err := teleadapter.New(teleadapter.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Operator: logx.OperatorConfig{
			Enabled:    cfg.Logging.Operator.Enabled,
			MinLevel:   cfg.Logging.Operator.MinLevel,
			RatePerSec: cfg.Logging.Operator.RatePerSec,
		},
	}, adapter)
	if cfg.Logging.Operator.Enabled {
		logSvc.SetOperatorTarget(cfg.Telegram.AdminUserID)
	}
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		cfgm:        cfgm,
		logSvc:      logSvc,
		log:         log,
		adapter:     adapter,
		bus:         eventbus.New(),
		pollTimeout: pollTimeout,
	}
	if err := a.resolveDurations(cfg); err != nil {
		return nil, err
	}

	a.db, err = datastore.Open(datastore.Config{
		Path:        cfg.Database.Path,
		BusyTimeout: a.busyTimeout(cfg.Database.BusyTimeout),
	}, log.With(logx.String("comp", "datastore")))
	if err != nil {
		return nil, fmt.Errorf("open datastore: %w", err)
	}

	a.creds, err = credstore.Open(credstore.Config{
		Driver:      cfg.Creds.Driver,
		Path:        cfg.Creds.Path,
		BusyTimeout: a.busyTimeout(cfg.Creds.BusyTimeout),
	}, log.With(logx.String("comp", "credstore")))
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}

	a.dialer, err = network.OpenDialer(cfg.Network.Driver, log.With(logx.String("comp", "network")))
	if err != nil {
		return nil, err
	}

	a.entitle = entitlement.NewService(a.db, strconv.FormatInt(cfg.Telegram.AdminUserID, 10))
	a.matcher = replies.NewMatcher(a.db)
	return a, nil
}

func (a *App) resolveDurations(cfg *config.Config) error {
	var err error
	if a.pairingSettle, err = config.ParseDurationOrDefault("network.pairing_settle", cfg.Network.PairingSettle, 3*time.Second); err != nil {
		return err
	}
	if a.pairingTimeout, err = config.ParseDurationOrDefault("network.pairing_timeout", cfg.Network.PairingTimeout, 2*time.Minute); err != nil {
		return err
	}
	if a.restoreDelay, err = config.ParseDurationOrDefault("sessions.restore_delay", cfg.Sessions.RestoreDelay, 5*time.Second); err != nil {
		return err
	}
	if a.retrySpacing, err = config.ParseDurationOrDefault("sessions.retry_spacing", cfg.Sessions.RetrySpacing, 10*time.Second); err != nil {
		return err
	}
	base, err := config.ParseDurationOrDefault("sessions.backoff_base", cfg.Sessions.BackoffBase, 5*time.Second)
	if err != nil {
		return err
	}
	ceil, err := config.ParseDurationOrDefault("sessions.backoff_max", cfg.Sessions.BackoffMax, 5*time.Minute)
	if err != nil {
		return err
	}
	a.policy = reconnect.New(base, ceil)

	pace, err := config.ParseDurationOrDefault("broadcast.default_pace", cfg.Broadcast.DefaultPace, 300*time.Millisecond)
	if err != nil {
		return err
	}
	ttl, err := config.ParseDurationOrDefault("broadcast.status_ttl", cfg.Broadcast.StatusTTL, 24*time.Hour)
	if err != nil {
		return err
	}
	a.bcastCfg = broadcast.Config{DefaultPace: pace, StatusTTL: ttl, StatusMax: cfg.Broadcast.StatusMax}
	return nil
}

func (a *App) busyTimeout(raw string) time.Duration {
	d, err := config.ParseDurationOrDefault("busy_timeout", raw, 0)
	if err != nil {
		a.log.Warn("bad busy_timeout; using driver default", logx.String("raw", raw))
		return 0
	}
	return d
}

// Start brings everything up: transport, router, session restoration and
// the maintenance schedule. It returns once startup is complete; the work
// continues on the app supervisor until Stop.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()

	sup := rtsup.New(ctx, rtsup.WithLogger(a.log))

	registry := session.NewRegistry(session.Deps{
		Creds:          a.creds,
		Dialer:         a.dialer,
		Policy:         a.policy,
		Bus:            a.bus,
		Replies:        a.matcher,
		Log:            a.log.With(logx.String("comp", "session")),
		Sup:            sup,
		PairingSettle:  a.pairingSettle,
		PairingTimeout: a.pairingTimeout,
		RetrySpacing:   a.retrySpacing,
	}, a.entitle, a.restoreDelay)

	bcast := broadcast.NewService(a.bus, sup, a.log, a.bcastCfg)

	rt := router.New(router.Deps{
		Adapter:     a.adapter,
		Registry:    registry,
		Broadcast:   bcast,
		Replies:     a.matcher,
		Entitle:     a.entitle,
		Store:       a.db,
		Bus:         a.bus,
		Log:         a.log,
		AdminUserID: cfg.Telegram.AdminUserID,
	})

	updates := make(chan kit.Update, 256)
	if err := a.adapter.Start(ctx, updates); err != nil {
		return err
	}

	sup.Go0("router", func(c context.Context) { rt.Run(c, updates) })

	sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	cfgCh := a.cfgm.Subscribe(4)
	sup.Go0("config.apply", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-cfgCh:
				if !ok {
					return
				}
				a.applyReload(next)
			}
		}
	})

	// Boot restoration runs in the background so startup stays fast even
	// with many saved tenants.
	sup.Go0("sessions.restore", func(c context.Context) {
		registry.RestoreAll(c)
	})

	cr := cron.New()
	if _, err := cr.AddFunc("17 3 * * *", func() { a.sweepExpired(sup.Context(), registry) }); err != nil {
		return err
	}
	if _, err := cr.AddFunc("@hourly", func() { bcast.Prune() }); err != nil {
		return err
	}
	cr.Start()

	a.mu.Lock()
	a.sup = sup
	a.registry = registry
	a.bcast = bcast
	a.cron = cr
	a.cfgCh = cfgCh
	a.updates = updates
	a.mu.Unlock()

	a.log.Info("wabridge started",
		logx.String("network_driver", cfg.Network.Driver),
		logx.String("creds_driver", cfg.Creds.Driver))
	return nil
}

// applyReload handles a config file change. Only the logging section is
// hot-applied; everything else needs a restart and says so.
func (a *App) applyReload(cfg *config.Config) {
	a.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Operator: logx.OperatorConfig{
			Enabled:    cfg.Logging.Operator.Enabled,
			MinLevel:   cfg.Logging.Operator.MinLevel,
			RatePerSec: cfg.Logging.Operator.RatePerSec,
		},
	})
	a.log.Info("config reloaded; logging settings applied",
		logx.String("level", cfg.Logging.Level))
}

// sweepExpired tears down live sessions whose entitlement lapsed.
func (a *App) sweepExpired(ctx context.Context, registry *session.Registry) {
	expired, err := a.entitle.Expired(ctx, time.Now())
	if err != nil {
		a.log.Warn("entitlement sweep failed", logx.Err(err))
		return
	}
	for _, tenantID := range expired {
		s, ok := registry.Get(tenantID)
		if !ok || !s.Status().Live() {
			continue
		}
		a.log.Info("tearing down expired tenant", logx.String("tenant", tenantID))
		if err := registry.Teardown(ctx, tenantID, "Your subscription expired. Contact the operator to renew."); err != nil {
			a.log.Warn("teardown failed", logx.String("tenant", tenantID), logx.Err(err))
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	cr := a.cron
	cfgCh := a.cfgCh
	a.sup, a.cron, a.cfgCh = nil, nil, nil
	a.mu.Unlock()

	if cr != nil {
		<-cr.Stop().Done()
	}
	if cfgCh != nil {
		a.cfgm.Unsubscribe(cfgCh)
	}

	_ = a.adapter.Stop(ctx)

	if sup != nil {
		sup.Cancel()
		if err := sup.Wait(ctx); err != nil {
			a.log.Warn("shutdown incomplete", logx.Err(err))
		}
	}

	if a.creds != nil {
		_ = a.creds.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	_ = a.logSvc.Close()
	return nil
}

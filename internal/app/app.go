// Package app assembles the services and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"svitlobot/internal/bot"
	"svitlobot/internal/config"
	"svitlobot/internal/health"
	"svitlobot/internal/notify"
	"svitlobot/internal/poller"
	"svitlobot/internal/runtime/supervisor"
	"svitlobot/internal/schedule"
	"svitlobot/internal/source"
	"svitlobot/internal/storage"
	"svitlobot/internal/subscription"
	"svitlobot/internal/transport"
	telegram "svitlobot/internal/transport/telegram"
	"svitlobot/internal/trigger"
	logx "svitlobot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	adapter  transport.Adapter
	store    storage.Store
	registry *subscription.Registry
	repo     *schedule.Repository

	notif  *notify.Service
	poller *poller.Service
	bot    *bot.Service
	health *health.Service

	updates chan transport.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
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
	})
	log = log.With(logx.String("comp", "app"))

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	registry := subscription.NewRegistry(store, log.With(logx.String("comp", "subs")))
	if err := registry.Load(context.Background()); err != nil {
		return nil, fmt.Errorf("load subscriptions: %w", err)
	}

	repo := schedule.NewRepository()

	fetchTimeout, err := config.ParseDurationOrDefault("source.timeout", cfg.Source.Timeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	fetcher, err := source.New(source.Config{URL: cfg.Source.URL, Timeout: fetchTimeout})
	if err != nil {
		return nil, err
	}

	lead, err := config.ParseDurationOrDefault("poller.lead_time", cfg.Poller.LeadTime, 10*time.Minute)
	if err != nil {
		return nil, err
	}
	engine := trigger.NewEngine(lead)

	notif := notify.New(notify.Config{
		RatePerSec: float64(cfg.Notify.RatePerSec),
		Lead:       lead,
	}, adapter, log.With(logx.String("comp", "notify")))

	pollCfg, err := mapPollerConfig(cfg)
	if err != nil {
		return nil, err
	}
	pollSvc, err := poller.New(pollCfg, fetcher, repo, registry, engine, notif,
		log.With(logx.String("comp", "poller")))
	if err != nil {
		return nil, err
	}

	botSvc := bot.New(adapter, registry, repo, fetcher, pollSvc.Location(),
		log.With(logx.String("comp", "bot")))

	var healthSvc *health.Service
	if cfg.Health.Enabled {
		healthSvc = health.New(health.Config{
			Enabled: true,
			Addr:    cfg.Health.Addr,
		}, log.With(logx.String("comp", "health")))
	}

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		adapter:  adapter,
		store:    store,
		registry: registry,
		repo:     repo,
		notif:    notif,
		poller:   pollSvc,
		bot:      botSvc,
		health:   healthSvc,
		updates:  make(chan transport.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if err := a.poller.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.health != nil {
		if err := a.health.Start(); err != nil {
			return err
		}
	}

	a.sup.Go("bot.dispatch", func(c context.Context) error {
		return a.bot.Run(c, a.updates)
	})

	// hot reload config fan-out: logging is the only live-appliable section;
	// everything else needs a restart and says so.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})
				a.log.Info("config reloaded; non-logging changes take effect after restart")
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	// systemd integration: readiness plus the optional watchdog heartbeat.
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err == nil && sent {
		a.startWatchdog()
	}

	a.log.Info("app started")
	return nil
}

func (a *App) startWatchdog() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Cancel the run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Err(stepCtx.Err()))
		}
	}

	step("poller", 2*time.Second, func(c context.Context) error { return a.poller.Stop(c) })
	if a.health != nil {
		step("health", 1*time.Second, func(c context.Context) error { return a.health.Stop(c) })
	}
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", 1*time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// validate rejects a config before it is committed, so a bad hot-reload
// never reaches running services.
func validate(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Source.URL) == "" {
		return fmt.Errorf("source.url is required")
	}
	if u, err := url.Parse(cfg.Source.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("source.url: invalid %q", cfg.Source.URL)
	}
	if _, err := config.ParseDurationField("source.timeout", cfg.Source.Timeout); err != nil {
		return err
	}
	if _, err := mapPollerConfig(cfg); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("poller.lead_time", cfg.Poller.LeadTime); err != nil {
		return err
	}
	if cfg.Notify.RatePerSec < 0 {
		return fmt.Errorf("notify.rate_per_sec must be >= 0")
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	return nil
}

func mapPollerConfig(cfg *config.Config) (poller.Config, error) {
	interval, err := config.ParseDurationOrDefault("poller.interval", cfg.Poller.Interval, 10*time.Minute)
	if err != nil {
		return poller.Config{}, err
	}
	delay, err := config.ParseDurationOrDefault("poller.initial_delay", cfg.Poller.InitialDelay, 10*time.Second)
	if err != nil {
		return poller.Config{}, err
	}
	if tz := strings.TrimSpace(cfg.Poller.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return poller.Config{}, fmt.Errorf("poller.timezone: invalid %q: %w", tz, err)
		}
	}
	return poller.Config{
		Interval:     interval,
		InitialDelay: delay,
		Timezone:     cfg.Poller.Timezone,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, true, nil
}

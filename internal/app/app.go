package app

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"slotwatch/internal/automation"
	"slotwatch/internal/config"
	"slotwatch/internal/ledger"
	"slotwatch/internal/notify"
	"slotwatch/internal/recurrence"
	"slotwatch/internal/scheduler"
	"slotwatch/internal/storage"
	"slotwatch/internal/workflow"
	"slotwatch/pkg/logx"
)

// App wires config, ledger, automation, notifications and the scheduler
// together. Construction is all-or-nothing: any load error is returned
// before a single check is scheduled.
type App struct {
	log    logx.Logger
	logSvc *logx.Service

	cfg     *config.Config
	cfgPath string

	factory  *automation.BrowserFactory
	store    storage.Store
	notifier *notify.Notifier
	sched    *scheduler.Scheduler

	bookingEnabled atomic.Bool

	watchCancel context.CancelFunc
	wg          sync.WaitGroup
}

func New(cfgPath, registryPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	console := true
	if cfg.Logging.Console != nil {
		console = *cfg.Logging.Console
	}
	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	items, err := config.LoadRegistry(registryPath)
	if err != nil {
		return nil, err
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	delay, err := cfg.PostStartDelay()
	if err != nil {
		return nil, err
	}
	safetyNet, err := cfg.SafetyNetInterval()
	if err != nil {
		return nil, err
	}
	cycleTimeout, err := cfg.CycleTimeout()
	if err != nil {
		return nil, err
	}

	led, err := ledger.Open(cfg.LedgerPath(), loc, log)
	if err != nil {
		return nil, err
	}

	calc, err := recurrence.New(loc, delay)
	if err != nil {
		return nil, err
	}

	var store storage.Store
	if cfg.Storage != nil {
		busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		if err != nil {
			return nil, err
		}
		store, err = storage.Open(storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: busy,
		}, log)
		if err != nil {
			return nil, err
		}
	}

	var notifier *notify.Notifier
	if cfg.Notify != nil {
		notifier, err = notify.New(notify.Config{
			Token:  cfg.Notify.Token,
			ChatID: cfg.Notify.ChatID,
		}, log)
		if err != nil {
			return nil, err
		}
	}

	factory, err := automation.NewBrowserFactory(automation.BrowserConfig{
		Headless:           cfg.Headless(),
		StateDir:           cfg.Automation.StateDir,
		PageLoadsPerMinute: cfg.Automation.PageLoadsPerMinute,
		ScreenshotDir:      cfg.Automation.ScreenshotDir,
	}, log)
	if err != nil {
		return nil, err
	}

	a := &App{
		log:      log,
		logSvc:   logSvc,
		cfg:      cfg,
		cfgPath:  cfgPath,
		factory:  factory,
		store:    store,
		notifier: notifier,
	}
	a.bookingEnabled.Store(cfg.Booking.Enabled)

	runner := &workflow.Runner{
		Ledger:  led,
		Calc:    calc,
		Factory: factory,
		Creds: automation.Credentials{
			Mail:     cfg.Booking.Credentials.Mail,
			Password: cfg.Booking.Credentials.Password,
		},
		Loc:            loc,
		Log:            log,
		BookingEnabled: a.bookingEnabled.Load,
	}

	a.sched = scheduler.New(scheduler.Config{
		SafetyNetInterval: safetyNet,
		CycleTimeout:      cycleTimeout,
	}, loc, runner, store, notifier, log)

	for _, item := range items {
		a.sched.Register(item)
	}
	return a, nil
}

func (a *App) Start(ctx context.Context) error {
	if err := a.sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	// The policy watcher lets ops flip booking.enabled without killing
	// pending timers; everything else in the config stays load-once.
	watchCtx, cancel := context.WithCancel(ctx)
	a.watchCancel = cancel
	watcher := config.NewPolicyWatcher(a.cfgPath, a.cfg, a.log, func(enabled bool) {
		a.bookingEnabled.Store(enabled)
	})
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = watcher.Watch(watchCtx)
	}()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify failed", logx.Err(err))
	} else if ok {
		a.startWatchdog(watchCtx)
	}

	a.log.Info("slotwatch running",
		logx.Bool("booking_enabled", a.bookingEnabled.Load()),
		logx.String("tz", a.cfg.Timezone))
	return nil
}

// startWatchdog feeds the systemd watchdog when one is configured.
func (a *App) startWatchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
}

func (a *App) Stop(ctx context.Context) error {
	_ = ctx
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if a.watchCancel != nil {
		a.watchCancel()
	}
	a.sched.Stop()
	a.wg.Wait()

	var firstErr error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			firstErr = err
		}
	}
	if err := a.factory.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.logSvc.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

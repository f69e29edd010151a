// Package app wires the daemon: config, logging, storage, metrics, the
// rotation task, the scheduler and the optional status server.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"wallsched/internal/config"
	"wallsched/internal/eventbus"
	"wallsched/internal/interval"
	"wallsched/internal/runtime/supervisor"
	"wallsched/internal/scheduler"
	"wallsched/internal/status"
	"wallsched/internal/storage"
	"wallsched/internal/task"
	"wallsched/internal/timer"
	logx "wallsched/pkg/logx"
	"wallsched/pkg/systemd"
)

type Option func(*App)

// WithNotifier replaces the sd_notify sender.
func WithNotifier(n systemd.Notifier) Option { return func(a *App) { a.notify = n } }

// WithFacility replaces the timer facility the scheduler arms.
func WithFacility(f timer.Facility) Option { return func(a *App) { a.facility = f } }

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	reg      *prometheus.Registry
	metrics  *scheduler.Metrics
	facility timer.Facility
	notify   systemd.Notifier

	task   *task.Command
	sched  *scheduler.Scheduler
	status *status.Server

	// mu guards applied, the config the running components reflect.
	mu      sync.Mutex
	applied *config.Config
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(cfg.Logging.LogConfig())

	sc, err := cfg.Storage.StorageOptions()
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     eventbus.New(),
		store:   store,
		reg:     reg,
		metrics: scheduler.NewMetrics(reg),
		applied: cfg,
	}
	for _, o := range opts {
		o(a)
	}
	a.cfgm.SetLogger(log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validateReload)
	return a, nil
}

// validateReload rejects a reloaded config whose task could not be started,
// so the running command stays in place.
func (a *App) validateReload(_ context.Context, cfg *config.Config) error {
	if strings.TrimSpace(cfg.Task.Command) == "" {
		return nil
	}
	return task.Check(taskConfig(cfg.Task))
}

// Scheduler is available after Start.
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.current()
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	runCtx := a.sup.Context()

	def, _, err := cfg.Scheduler.Intervals()
	if err != nil {
		return err
	}
	storeTimeout, poll, err := cfg.Scheduler.Timing()
	if err != nil {
		return err
	}

	a.task = task.NewCommand(runCtx, taskConfig(cfg.Task), a.log, a.bus)

	if a.facility == nil {
		a.facility = &timer.Realtime{Poll: poll}
	}
	schedOpts := []scheduler.Option{
		scheduler.WithFacility(a.facility),
		scheduler.WithLogger(a.log.With(logx.String("comp", "scheduler"))),
		scheduler.WithMetrics(a.metrics),
		scheduler.WithBus(a.bus),
		scheduler.WithContext(runCtx),
		scheduler.WithStoreTimeout(storeTimeout),
	}
	if a.store != nil {
		schedOpts = append(schedOpts, scheduler.WithStore(a.store))
	}

	// Subscribe before the scheduler starts so the first arm is observed.
	events, unsub := a.bus.Subscribe(128)
	a.sched = scheduler.New(interval.Policy{Default: def}, a.task.Func(), schedOpts...)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		a.logEvents(c, events)
		return nil
	})

	a.sup.Go("scheduler.ready", func(c context.Context) error {
		select {
		case <-c.Done():
			return nil
		case <-a.sched.Ready():
		}
		a.applyConfiguredInterval(a.current())
		snap := a.sched.Snapshot()
		if _, err := a.notify.Ready(statusLine(snap)); err != nil {
			a.log.Warn("sd_notify ready failed", logx.Err(err))
		}
		a.log.Info("scheduler ready",
			logx.String("state", snap.State.String()),
			logx.String("interval", status.IntervalLabel(snap.Interval)),
			logx.Time("next", snap.Next),
		)
		return nil
	})

	if cfg.Status.Enabled {
		a.status = status.New(cfg.Status.Addr, a.sched,
			status.WithGatherer(a.reg),
			status.WithRuns(a.task.History),
			status.WithLogger(a.log.With(logx.String("comp", "status"))),
			status.WithToken(cfg.Status.Token),
			status.WithProfiling(cfg.Status.Profiling),
		)
		a.sup.GoRestart("status.serve", a.status.Serve,
			supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
	}

	// Watchdog only fails on a malformed WATCHDOG_USEC; retrying cannot help.
	a.sup.GoRestart("systemd.watchdog", a.notify.Watchdog, supervisor.WithMaxRestarts(3))

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

func (a *App) current() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.applied
}

// applyConfiguredInterval makes an explicitly configured interval the
// selection if it differs from the one in effect.
func (a *App) applyConfiguredInterval(cfg *config.Config) {
	_, selected, err := cfg.Scheduler.Intervals()
	if err != nil || selected == 0 {
		return
	}
	if a.sched.Interval() == selected.Duration() {
		return
	}
	if err := a.sched.OnIntervalChange(selected.Duration()); err != nil {
		a.log.Error("applying configured interval failed", logx.String("interval", selected.String()), logx.Err(err))
		return
	}
	a.log.Info("configured interval applied", logx.String("interval", selected.String()))
}

func (a *App) logEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			switch e.Type {
			case scheduler.EventArmed, scheduler.EventFired:
				_, _ = a.notify.Status(statusLine(a.sched.Snapshot()))
			case scheduler.EventFailure:
				if f, ok := e.Data.(scheduler.Failure); ok {
					_, _ = a.notify.Status("degraded: " + f.Op + ": " + f.Err.Error())
				}
			}
		}
	}
}

func statusLine(s scheduler.Snapshot) string {
	if s.State != scheduler.StateArmed || s.Next.IsZero() {
		return "scheduler " + s.State.String()
	}
	return fmt.Sprintf("next rotation %s (%s)", s.Next.Format(time.RFC3339), status.IntervalLabel(s.Interval))
}

func taskConfig(c config.TaskConfig) task.Config {
	return task.Config{Command: c.Command, Args: c.Args, Dir: c.Dir, Env: c.Env}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = a.notify.Stopping()

	a.sup.Cancel()

	a.step(ctx, "scheduler", 3*time.Second, func(context.Context) error {
		if a.sched == nil {
			return nil
		}
		return a.sched.Close()
	})
	a.step(ctx, "supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max and the caller's deadline. A
// step that overruns is left running and logged when it finishes.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

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
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
	}
}

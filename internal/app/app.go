package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cadence/internal/config"
	"cadence/internal/eventbus"
	"cadence/internal/group"
	"cadence/internal/observability/ops"
	"cadence/internal/resolver"
	rtsup "cadence/internal/runtime/supervisor"
	"cadence/internal/scheduler"
	"cadence/internal/trace"
	kit "cadence/internal/transport"
	telegram "cadence/internal/transport/telegram/adapter"
	logx "cadence/pkg/logx"
	"cadence/pkg/systemd"
)

// ErrNothingToDo is returned by Start when no configured group could be
// initialized.
var ErrNothingToDo = scheduler.ErrNothingToDo

type Options struct {
	ConfigPath string
	// DryRun swaps Telegram for an in-memory platform that logs every call.
	DryRun bool
	// Platform overrides the transport entirely.
	Platform kit.Platform
}

type App struct {
	opts Options
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	platform kit.Platform
	tg       *telegram.Adapter

	trace *trace.Service
	sched *scheduler.Scheduler
	ops   *ops.Service
	units []scheduler.Unit

	sup     *rtsup.Supervisor
	started time.Time
}

func New(opts Options) (*App, error) {
	cfgm := config.NewManager(opts.ConfigPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	units, err := BuildUnits(cfg)
	if err != nil {
		return nil, err
	}
	tick, err := config.ParseDurationOrDefault("scheduler.tick", cfg.Scheduler.Tick, scheduler.DefaultTick)
	if err != nil {
		return nil, err
	}

	a := &App{opts: opts, cfgm: cfgm, units: units, bus: eventbus.New()}
	a.logs, a.log = logx.New(a.logConfig(cfg), nil)

	switch {
	case opts.Platform != nil:
		a.platform = opts.Platform
	case opts.DryRun:
		a.platform = dryRunPlatform(cfg, a.log.With(logx.Component("dryrun")))
	default:
		tc, err := mapTelegram(cfg)
		if err != nil {
			return nil, err
		}
		ad, err := telegram.New(tc, a.log)
		if err != nil {
			return nil, err
		}
		a.tg, a.platform = ad, ad
		// The adapter doubles as the sink for warnings forwarded to chat.
		a.logs.SetSender(ad)
	}

	tc, err := a.traceConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.trace, err = trace.NewService(context.Background(), tc, a.log)
	if err != nil {
		return nil, fmt.Errorf("trace: %w", err)
	}

	a.sched = scheduler.New(scheduler.Config{Tick: tick}, group.Deps{
		Resolver:  resolver.New(a.platform, a.log.With(logx.Component("resolver"))),
		Transport: a.platform,
		Log:       a.log,
		Sink:      a.trace,
		Events:    a.bus,
	})

	oc, err := mapOps(cfg)
	if err != nil {
		return nil, err
	}
	a.ops = ops.New(oc, ops.Deps{Status: a.Status, Outcomes: a.trace, Events: a.bus}, a.log)
	return a, nil
}

func (a *App) logConfig(cfg *config.Config) logx.Config {
	lc := mapLogging(cfg)
	if a.opts.DryRun || a.opts.Platform != nil {
		lc.Chat.Enabled = false
	}
	return lc
}

func (a *App) traceConfig(cfg *config.Config) (trace.Config, error) {
	tc, err := mapTrace(cfg)
	if err != nil {
		return tc, err
	}
	if a.opts.DryRun && (tc.Storage.Driver == "" || tc.Storage.Driver == "none") {
		tc.Storage.Driver = "log"
	}
	return tc, nil
}

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Bus() eventbus.Bus { return a.bus }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

type Status struct {
	StartedAt   time.Time        `json:"started_at"`
	Uptime      string           `json:"uptime"`
	DryRun      bool             `json:"dry_run"`
	RunID       string           `json:"run_id"`
	Groups      []group.Snapshot `json:"groups"`
	Trace       trace.Stats      `json:"trace"`
	Supervisors map[string]any   `json:"supervisors"`
}

// Status is served on /status.
func (a *App) Status() any {
	st := Status{
		StartedAt: a.started,
		Uptime:    time.Since(a.started).Truncate(time.Second).String(),
		DryRun:    a.opts.DryRun,
		RunID:     a.trace.RunID(),
		Groups:    a.sched.Snapshot(),
		Trace:     a.trace.Stats(),
		Supervisors: map[string]any{
			"app":       a.sup.Snapshot(),
			"scheduler": a.sched.Supervisor().Snapshot(),
		},
	}
	if a.tg != nil {
		st.Supervisors["telegram"] = a.tg.Supervisor().Snapshot()
	}
	if st.Groups == nil {
		st.Groups = []group.Snapshot{}
	}
	return st
}

func (a *App) Start(ctx context.Context) error {
	a.started = time.Now()
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log.With(logx.Component("app"))), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.Component("config")))
	// Reject reloads the runtime could not apply, on top of config.Validate.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := BuildUnits(cfg); err != nil {
			return err
		}
		if _, err := mapTrace(cfg); err != nil {
			return err
		}
		_, err := mapOps(cfg)
		return err
	})

	if err := a.trace.Start(run); err != nil {
		return err
	}
	if a.tg != nil {
		if err := a.tg.Start(run); err != nil {
			return err
		}
	}
	if err := a.sched.Start(run, a.units...); err != nil {
		return err
	}
	a.ops.Start(run)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := systemd.Watchdog(c); err != nil {
			a.log.Warn("systemd watchdog stopped", logx.Err(err))
		}
	})

	groups := len(a.sched.Snapshot())
	if _, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	}
	_, _ = systemd.Status(fmt.Sprintf("dispatching for %d groups", groups))

	a.log.Info("app started", logx.Int("units", groups), logx.Bool("dry_run", a.opts.DryRun))
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.apply(ctx, last, newCfg)
			last = newCfg
		}
	}
}

// apply pushes the live sections of a reloaded config to the running
// services. Group definitions only change on restart.
func (a *App) apply(ctx context.Context, oldCfg, newCfg *config.Config) {
	changed, attrs, restart := config.SummarizeChange(oldCfg, newCfg)
	if len(changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	a.logs.Apply(a.logConfig(newCfg))

	if tc, err := a.traceConfig(newCfg); err != nil {
		a.log.Warn("invalid trace config; keeping previous", logx.Err(err))
	} else if err := a.trace.Apply(ctx, tc); err != nil {
		a.log.Warn("trace reconfigure failed; keeping previous", logx.Err(err))
	}

	if oc, err := mapOps(newCfg); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, oc)
	}

	if len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.Strings("sections", restart))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Time: time.Now(), Data: changed})
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	a.step(ctx, "ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "scheduler", 5*time.Second, a.sched.Stop)
	if a.tg != nil {
		a.step(ctx, "telegram", 2*time.Second, a.tg.Stop)
	}
	// After the scheduler so every outcome already recorded is flushed.
	a.step(ctx, "trace", 3*time.Second, a.trace.Stop)
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	stepCtx, cancel := context.WithTimeout(ctx, max(limit, 0))
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
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		// Observe when/if the step eventually finishes.
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}

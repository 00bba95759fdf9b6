package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"melutils/internal/adapters/discord"
	"melutils/internal/config"
	"melutils/internal/eventbus"
	"melutils/internal/features"
	"melutils/internal/features/autoreact"
	"melutils/internal/features/moderation"
	"melutils/internal/features/verify"
	"melutils/internal/features/xp"
	"melutils/internal/jobs"
	"melutils/internal/maintenance"
	"melutils/internal/modlog"
	"melutils/internal/ops"
	"melutils/internal/platform"
	"melutils/internal/router"
	rtsup "melutils/internal/runtime/supervisor"
	"melutils/internal/scheduler"
	"melutils/internal/storage"
	logx "melutils/pkg/logx"
	"melutils/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor
	sups *rtsup.Registry

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   *storage.Store
	discord *discord.Adapter
	sched   *scheduler.Service
	router  *router.Router
	xp      *xp.Module
	maint   *maintenance.Service
	ops     *ops.Service
	notify  *systemd.Notifier

	stopTimeout time.Duration
	updates     chan platform.Update
}

// NewApp loads the config and builds every component. Nothing connects to
// Discord until Start.
func NewApp(cfgPath string) (*App, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(config.Validate)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Start without the Discord sink; the adapter becomes the sender below.
	logSvc, log := logx.New(mapLogging(cfg), nil)
	log = log.With(logx.String("comp", "app"))

	stCfg, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(stCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	ad, err := discord.New(mapDiscord(cfg), log.With(logx.String("comp", "discord")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	logSvc.SetSender(ad)

	a, err := build(cfg, store, ad, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.cfgm = cfgm
	a.logs = logSvc
	a.discord = ad
	a.notify = systemd.NewNotifier()
	return a, nil
}

// build wires the components that only need a client and a store.
func build(cfg *config.Config, store *storage.Store, client platform.Client, log logx.Logger) (*App, error) {
	clock := clockwork.NewRealClock()
	bus := eventbus.New()

	schedCfg, stopTimeout, err := mapScheduler(cfg)
	if err != nil {
		return nil, err
	}
	ml := modlog.New(store, client, clock, log.With(logx.String("comp", "modlog")))
	handlers := jobs.New(client, store, ml, jobs.WithClock(clock), jobs.WithLogger(log.With(logx.String("comp", "jobs"))))
	sched := scheduler.New(schedCfg, store, handlers,
		scheduler.WithClock(clock),
		scheduler.WithLogger(log.With(logx.String("comp", "scheduler"))),
		scheduler.WithBus(bus),
	)

	rcfg, err := mapRouter(cfg)
	if err != nil {
		return nil, err
	}
	r := router.New(rcfg, client, store, log)

	mods := []features.Module{
		moderation.New(client, store, sched, ml, moderation.WithClock(clock), moderation.WithLogger(log)),
	}
	if cfg.Features.AutoReactEnabled() {
		mods = append(mods, autoreact.New(client, store, ml, log))
	}
	if cfg.Features.VerificationEnabled() {
		mods = append(mods, verify.New(client, store, ml, log))
	}
	var xpMod *xp.Module
	if cfg.Features.XPEnabled() {
		xpMod = xp.New(client, store, xp.WithClock(clock), xp.WithLogger(log))
		mods = append(mods, xpMod)
	}
	names := make([]string, 0, len(mods))
	for _, m := range mods {
		names = append(names, m.Name())
	}
	r.SetRegistry(features.Registry(mods...))
	log.Info("features loaded", logx.String("modules", strings.Join(names, ",")))

	a := &App{
		sups:        rtsup.NewRegistry(),
		log:         log,
		bus:         bus,
		store:       store,
		sched:       sched,
		router:      r,
		xp:          xpMod,
		stopTimeout: stopTimeout,
		updates:     make(chan platform.Update, 256),
	}

	a.maint = maintenance.New(mapMaintenance(cfg), log)
	ttl, err := xpCooldownTTL(cfg)
	if err != nil {
		return nil, err
	}
	var cooldowns maintenance.CooldownPruner
	if xpMod != nil {
		cooldowns = xpMod
	}
	for _, job := range []maintenance.Job{
		maintenance.PruneJob(cooldowns, r, ttl, log),
		maintenance.ReportJob(sched, log),
		maintenance.OptimizeJob(store),
	} {
		if err := a.maint.Register(job); err != nil {
			return nil, err
		}
	}

	opsCfg, err := mapOps(cfg)
	if err != nil {
		return nil, err
	}
	a.ops = ops.New(opsCfg, ops.Sources{
		Scheduler:   sched.Snapshot,
		Maintenance: a.maint.Snapshot,
		Supervisors: a.supervisors,
		Health:      a.health,
	}, log)
	return a, nil
}

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

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.sups.Set("app", a.sup)
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	// Recover stored events before the gateway delivers anything that could
	// schedule new ones.
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}

	if a.discord != nil {
		if err := a.discord.Start(a.sup.Context(), a.updates); err != nil {
			return err
		}
		a.sups.Set("discord", a.discord.Supervisor())
	}

	a.sup.Go("router", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})

	a.maint.Start(a.sup.Context())
	a.ops.Start(a.sup.Context())
	a.sups.Set("ops", a.ops.Supervisor())

	a.sup.Go("scheduler.events", func(c context.Context) error {
		events, unsub := a.bus.Subscribe("scheduler.", 128)
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("topic", e.Topic), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.reload(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if a.notify != nil {
		if _, err := a.notify.Ready(); err != nil {
			a.log.Warn("systemd notify failed", logx.Err(err))
		}
		a.sup.Go("systemd.watchdog", a.notify.Watchdog)
	}
	a.log.Info("app started", logx.Int("armed", a.sched.Snapshot().Armed))
	return nil
}

// reload applies the hot-reloadable parts of next. Storage, Discord token and
// feature toggles need a restart.
func (a *App) reload(ctx context.Context, prev, next *config.Config) {
	if a.notify != nil {
		_, _ = a.notify.Reloading()
		defer func() { _, _ = a.notify.Ready() }()
	}
	sections, attrs, changedJobs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "storage", "scheduler", "features":
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}
	if prev.Discord.Token != next.Discord.Token {
		a.log.Warn("discord token changed; restart required")
	}

	if a.logs != nil {
		a.logs.Apply(mapLogging(next))
	}
	if rcfg, err := mapRouter(next); err != nil {
		a.log.Warn("invalid router config; keeping previous", logx.Err(err))
	} else {
		a.router.Apply(rcfg)
	}
	if len(changedJobs) > 0 {
		a.log.Debug("maintenance schedules changed", logx.Any("jobs", changedJobs))
	}
	a.maint.Apply(mapMaintenance(next))
	if oc, err := mapOps(next); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, oc)
		a.sups.Set("ops", a.ops.Supervisor())
	}
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.notify != nil {
		_, _ = a.notify.Stopping()
	}

	if _, ok := ctx.Deadline(); !ok && a.stopTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.stopTimeout)
		defer cancel()
	}

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if err := a.step(ctx, name, max, fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("discord", 3*time.Second, func(c context.Context) error {
		if a.discord == nil {
			return nil
		}
		return a.discord.Stop(c)
	})
	step("scheduler", 5*time.Second, a.sched.Stop)
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// step runs one shutdown step with an upper bound so one component can't stall
// the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped, no time left", logx.String("name", name))
		return context.DeadlineExceeded
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
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name),
				logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
		return stepCtx.Err()
	}
}

func (a *App) supervisors() map[string]rtsup.Snapshot {
	out := a.sups.Snapshots()
	if s := a.router.Supervisor(); s != nil {
		out["router"] = s.Snapshot()
	}
	return out
}

func (a *App) health() map[string]string {
	h := map[string]string{"scheduler": "ok"}
	if a.discord != nil {
		h["discord.rest"] = a.discord.BreakerState()
	}
	if a.sup != nil && a.sup.Err() != nil {
		h["app"] = "failed"
	}
	return h
}

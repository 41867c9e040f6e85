package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"notiflow/internal/channel"
	"notiflow/internal/config"
	"notiflow/internal/directory"
	"notiflow/internal/engine"
	"notiflow/internal/eventbus"
	"notiflow/internal/httpapi"
	"notiflow/internal/intake"
	"notiflow/internal/metrics"
	"notiflow/internal/routing"
	rtsup "notiflow/internal/runtime/supervisor"
	"notiflow/internal/scheduler"
	"notiflow/internal/storage"
	logx "notiflow/pkg/logx"
)

const (
	reportTimeout  = 30 * time.Second
	compactTimeout = 2 * time.Minute
	compactSpec    = "@daily"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor
	sups *rtsup.Registry

	log    logx.Logger
	logs   *logx.Service
	bus    eventbus.Bus
	store  storage.Store
	writer *storage.Writer

	catalog  *routing.Catalog
	dir      *directory.Static
	channels *channel.Registry

	engine  *engine.Engine
	intake  *intake.Service
	metrics *metrics.Collector
	sched   *scheduler.Service
	http    *httpapi.Server
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	var writer *storage.Writer
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		writer = storage.NewWriter(st, log.With(logx.String("comp", "storage.writer")), 0)
		appLog.Info("storage enabled", logx.String("driver", sc.Driver))
	}
	fail := func(err error) (*App, error) {
		if store != nil {
			_ = store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}

	cat := routing.NewCatalog(log.With(logx.String("comp", "catalog")),
		routing.WithStrict(cfg.Engine.StrictCatalog),
		routing.WithOnSwap(func(s *routing.Snapshot) {
			bus.Publish(eventbus.Event{Type: eventbus.TypeCatalogSwapped, Time: time.Now(), Data: s.Version()})
		}),
	)
	if err := loadCatalog(cat, cfg); err != nil {
		return fail(err)
	}

	dir, err := directory.NewStatic(mapDirectory(cfg))
	if err != nil {
		return fail(fmt.Errorf("recipients: %w", err))
	}

	chLog := log.With(logx.String("comp", "channel"))
	channels := channel.NewRegistry(chLog, nil)
	chCfgs, err := mapChannelConfigs(cfg)
	if err != nil {
		return fail(err)
	}
	for _, at := range remoteChannels {
		channels.Register(at, channel.LogSender{Log: chLog}, chCfgs[at])
	}
	for _, at := range localActions {
		channels.Register(at, channel.LocalSender{Bus: bus, Log: chLog}, channel.Config{FailureThreshold: -1})
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return fail(err)
	}
	eng := engine.New(engCfg, log.With(logx.String("comp", "engine")), bus, engine.Deps{
		Catalog:   cat,
		Directory: dir,
		Channels:  channels,
		Writer:    writer,
	})
	if store != nil {
		rctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := eng.Restore(rctx, store)
		cancel()
		if err != nil {
			return fail(err)
		}
	}

	inCfg, err := mapIntakeConfig(cfg)
	if err != nil {
		return fail(err)
	}
	in := intake.New(inCfg, eng, log.With(logx.String("comp", "intake")), bus, nil)

	met := metrics.New(log.With(logx.String("comp", "metrics")), bus, metrics.Gauges{
		ActiveEscalations: func() int { return len(eng.ActiveEscalations()) },
		Routes:            func() int { return cat.Snapshot().Len() },
		QueueLen:          in.Len,
		DeliveryRate:      eng.DeliveryRate,
	})

	sched := scheduler.New(mapSchedulerConfig(cfg), log.With(logx.String("comp", "scheduler")))
	if err := applyReportSchedule(sched, eng, cfg, log.With(logx.String("comp", "report"))); err != nil {
		return fail(err)
	}
	if store != nil {
		if err := sched.Add(scheduler.JobCompact, compactSpec, compactTimeout, scheduler.CompactJob(store, appLog)); err != nil {
			return fail(err)
		}
	}

	httpCfg, err := mapHTTPConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		sups:     rtsup.NewRegistry(),
		log:      appLog,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		writer:   writer,
		catalog:  cat,
		dir:      dir,
		channels: channels,
		engine:   eng,
		intake:   in,
		metrics:  met,
		sched:    sched,
	}
	a.http = httpapi.NewServer(httpCfg, httpapi.Deps{
		Engine:  eng,
		Intake:  in,
		Metrics: met.Handler(),
		Health:  a.health,
	}, log.With(logx.String("comp", "http")))
	return a, nil
}

func (a *App) Engine() *engine.Engine { return a.engine }

func (a *App) Intake() *intake.Service { return a.intake }

func (a *App) HTTP() *httpapi.Server { return a.http }

func (a *App) Supervisors() *rtsup.Registry { return a.sups }

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

func (a *App) health() (bool, any) {
	snaps := a.sups.Snapshots()
	detail := map[string]any{"supervisors": snaps}
	if a.writer != nil {
		written, dropped, failed := a.writer.Stats()
		detail["storage"] = map[string]uint64{"written": written, "dropped": dropped, "failed": failed}
	}
	return a.sups.Healthy(), detail
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.sups.Set("app", a.sup)

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateConfig)

	runCtx := a.sup.Context()
	// Intake and persistence drain in Stop, so they must outlive the run context.
	drainCtx := context.WithoutCancel(runCtx)

	if a.writer != nil {
		a.writer.Start(drainCtx)
		a.sups.Set("storage.writer", a.writer.Supervisor())
	}
	a.metrics.Start(runCtx)
	a.sups.Set("metrics", a.metrics.Supervisor())

	if a.intake.Enabled() {
		a.intake.Start(drainCtx)
		a.sups.Set("intake", a.intake.Supervisor())
	}
	a.sched.Start(runCtx)

	a.http.Start(runCtx)
	a.sups.Set("http", a.http.Supervisor())

	if cfg := a.cfgm.Get(); cfg != nil && cfg.Catalog.Watch && a.catalog.Path() != "" {
		// A broken catalog file is logged and skipped; only a dead watcher is fatal.
		a.sup.Go("catalog.watch", func(c context.Context) error {
			return a.catalog.Watch(c)
		})
	}

	// Optional: log events for observability/debug (components can also subscribe themselves).
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Int("routes", a.catalog.Snapshot().Len()),
		logx.Int("recipients", a.dir.Len()),
		logx.Bool("intake", a.intake.Enabled()),
		logx.Bool("storage", a.store != nil),
	)
	return nil
}

// applyConfig applies the sections that changed between prev and next.
// Every section has been validated already, so mapping errors only occur on
// races with concurrent edits and keep the previous setting.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLogConfig(next))
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "engine":
			a.applyEngine(ctx, prev, next)
		case "catalog":
			a.catalog.SetStrict(next.Engine.StrictCatalog)
			if prev.Catalog.Watch != next.Catalog.Watch || strings.TrimSpace(prev.Catalog.Path) != strings.TrimSpace(next.Catalog.Path) {
				a.log.Warn("catalog path or watch changed; restart required for the watcher to follow")
			}
			if err := loadCatalog(a.catalog, next); err != nil {
				a.log.Warn("catalog reload rejected; keeping previous", logx.Err(err))
			}
		case "recipients":
			if err := a.dir.Replace(mapDirectory(next)); err != nil {
				a.log.Warn("invalid recipients; keeping previous", logx.Err(err))
			}
		case "channels":
			cfgs, err := mapChannelConfigs(next)
			if err != nil {
				a.log.Warn("invalid channels config; keeping previous", logx.Err(err))
				break
			}
			for at, cc := range cfgs {
				a.channels.Configure(at, cc)
			}
		case "http":
			hc, err := mapHTTPConfig(next)
			if err != nil {
				a.log.Warn("invalid http config; keeping previous", logx.Err(err))
				break
			}
			a.http.Reconfigure(ctx, hc)
			a.sups.Set("http", a.http.Supervisor())
		case "reports":
			a.sched.Apply(mapSchedulerConfig(next))
			if err := applyReportSchedule(a.sched, a.engine, next, a.log.With(logx.String("comp", "report"))); err != nil {
				a.log.Warn("invalid report schedule; keeping previous", logx.Err(err))
			}
		}
	}
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyEngine(ctx context.Context, prev, next *config.Config) {
	if prev.Engine.StrictCatalog != next.Engine.StrictCatalog {
		a.catalog.SetStrict(next.Engine.StrictCatalog)
	}
	if ec, err := mapEngineConfig(next); err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ec)
	}

	ic, err := mapIntakeConfig(next)
	if err != nil {
		a.log.Warn("invalid intake config; keeping previous", logx.Err(err))
		return
	}
	restart := prev.Engine.Workers != next.Engine.Workers || prev.Engine.QueueSize != next.Engine.QueueSize
	a.intake.Apply(ic)
	if !restart {
		return
	}
	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	a.intake.Stop(stopCtx)
	cancel()
	a.sups.Delete("intake")
	if a.intake.Enabled() {
		a.log.Info("intake restarted via config", logx.Int("workers", next.Engine.Workers), logx.Int("queue_size", next.Engine.QueueSize))
		a.intake.Start(context.WithoutCancel(ctx))
		a.sups.Set("intake", a.intake.Supervisor())
	} else {
		a.log.Info("intake disabled via config")
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = a.logs.Close()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		var cancel context.CancelFunc
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					limit = 0
				} else if rem < limit {
					limit = rem
				}
			}
			if limit > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, limit)
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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
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

	// Inputs first, then the pipeline, then persistence.
	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("intake", 3*time.Second, func(c context.Context) error { a.intake.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("engine", 3*time.Second, func(c context.Context) error { return a.engine.Close(c) })
	step("metrics", 1*time.Second, func(c context.Context) error { return a.metrics.Stop(c) })
	step("storage.writer", 2*time.Second, func(c context.Context) error { a.writer.Stop(c); return nil })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, catalog watch, event log).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// loadCatalog loads routes from the catalog file when set, else from the
// inline routes. An absent catalog leaves the current routes in place.
func loadCatalog(cat *routing.Catalog, cfg *config.Config) error {
	if path := strings.TrimSpace(cfg.Catalog.Path); path != "" {
		return cat.LoadFile(path)
	}
	if len(cfg.Catalog.Routes) == 0 {
		return nil
	}
	routes, err := decodeInlineRoutes(cfg)
	if err != nil {
		return err
	}
	return cat.Replace(routes)
}

func applyReportSchedule(sched *scheduler.Service, src scheduler.Reporter, cfg *config.Config, log logx.Logger) error {
	spec := strings.TrimSpace(cfg.Reports.Schedule)
	if spec == "" {
		sched.Remove(scheduler.JobReport)
		return nil
	}
	return sched.Add(scheduler.JobReport, spec, reportTimeout, scheduler.ReportJob(src, log))
}

package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"brickctl/internal/command/client"
	"brickctl/internal/command/scheduler"
	"brickctl/internal/config"
	"brickctl/internal/eventbus"
	"brickctl/internal/metrics"
	"brickctl/internal/observability/httpd"
	"brickctl/internal/recovery"
	"brickctl/internal/storage"
	"brickctl/internal/telemetry"
	"brickctl/internal/transport"
	logx "brickctl/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	tr      transport.Transport
	client  *client.Client
	tele    *telemetry.Poller
	metrics *metrics.Metrics
	httpd   *httpd.Service
}

// Options tweak NewApp. Zero value loads cfgPath as is.
type Options struct {
	// Override edits the loaded config (CLI flags) before validation.
	Override func(*Config)
	// Transport replaces the configured transport.
	Transport transport.Transport
}

// NewApp loads and validates the config and builds every component. Nothing
// touches the network until Start or Connect.
// An empty cfgPath starts from defaults and disables hot reload.
func NewApp(cfgPath string, opt Options) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg := &Config{}
	if cfgPath != "" {
		parsed, err := cfgm.Parse()
		if err != nil {
			return nil, err
		}
		cfg = parsed
	}
	if opt.Override != nil {
		opt.Override(cfg)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	cfgm.Commit(cfg)

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if jc, enabled, err := mapJournalConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(jc, log.With(logx.String("comp", "journal")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("journal enabled", logx.String("driver", jc.Driver))
	}

	tr := opt.Transport
	if tr == nil {
		var err error
		tr, err = mapTransport(cfg, log.With(logx.String("comp", "transport")))
		if err != nil {
			closeStore(store)
			return nil, err
		}
	}

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		closeStore(store)
		return nil, err
	}
	rc, err := mapRecoveryConfig(cfg)
	if err != nil {
		closeStore(store)
		return nil, err
	}
	cl := client.New(tr, client.Options{
		Scheduler: schedCfg,
		Recovery:  recovery.NewReconnect(tr, rc, log.With(logx.String("comp", "recovery"))),
		Bus:       bus,
		Log:       log.With(logx.String("comp", "client")),
	})

	tc, err := mapTelemetryConfig(cfg)
	if err != nil {
		closeStore(store)
		return nil, err
	}
	tele := telemetry.New(tc, cl, bus, log.With(logx.String("comp", "telemetry")))

	m := metrics.New(cl.Scheduler())

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		tr:      tr,
		client:  cl,
		tele:    tele,
		metrics: m,
	}
	a.httpd = httpd.New(mapHTTPConfig(cfg), m.Handler(), a.Health, log.With(logx.String("comp", "httpd")))
	return a, nil
}

func closeStore(st storage.Store) {
	if st != nil {
		_ = st.Close()
	}
}

func (a *App) Client() *client.Client       { return a.client }
func (a *App) Telemetry() *telemetry.Poller { return a.tele }
func (a *App) Journal() storage.Store       { return a.store }
func (a *App) Bus() eventbus.Bus            { return a.bus }
func (a *App) Logger() logx.Logger          { return a.log }
func (a *App) Config() *Config              { return a.cfgm.Get() }

// HTTPAddr is the bound /metrics address, empty when not serving.
func (a *App) HTTPAddr() string { return a.httpd.Addr() }

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

// Connect opens the link to the brick. One-shot commands use it without Start.
func (a *App) Connect(ctx context.Context) error {
	if err := a.client.Open(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	a.log.Debug("connected")
	return nil
}

// Close releases what Connect and NewApp acquired. Use Stop after Start.
func (a *App) Close() error {
	err := errors.Join(a.client.Close(), a.closeJournal())
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

func (a *App) closeJournal() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}

// Health reports scheduler state and background loops for /healthz.
func (a *App) Health() (any, bool) {
	snap := a.client.Scheduler().Snapshot()
	queued := map[string]int{}
	for l, n := range snap.Queued {
		queued[l.String()] = n
	}
	report := map[string]any{
		"state":           snap.State.String(),
		"queued":          queued,
		"completed":       snap.Completed,
		"failed":          snap.Failed,
		"retried":         snap.Retried,
		"orphan_episodes": snap.OrphanEpisodes,
		"recovery_failed": snap.RecoveryFailed,
	}
	if snap.InFlight != nil {
		report["in_flight"] = snap.InFlight
	}
	if r, ok := a.tele.Last(); ok {
		report["battery"] = r
	}
	ok := snap.State != scheduler.StateDisposed
	if a.sup != nil {
		ss := a.sup.Snapshot()
		report["supervisor"] = ss
		if ss.FirstError != "" {
			ok = false
		}
	}
	return report, ok
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		return validate(cfg)
	})

	// Subscribers attach before the first command so no early event is missed.
	a.sup.Go0("metrics.events", a.metrics.Consume(a.bus))
	if a.store != nil {
		rec := storage.NewRecorder(a.store, a.bus, a.log.With(logx.String("comp", "journal")))
		a.sup.Go0("journal.record", rec.Run)
	}

	if err := a.Connect(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return err
	}

	if err := a.tele.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return err
	}
	a.httpd.Start(a.sup.Context())

	// Debug-level event trace.
	if a.bus != nil {
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
	}

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
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	if a.cfgPath != "" {
		a.sup.GoRestart("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.log.Info("app started", logx.String("transport", string(transportKind(a.cfgm.Get()))))
	return nil
}

func (a *App) applyConfig(ctx context.Context, prev, next *Config) {
	sections, attrs, restart := SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(next))

	if sc, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.client.Scheduler().Apply(sc)
	}

	if tc, err := mapTelemetryConfig(next); err != nil {
		a.log.Warn("invalid telemetry config; keeping previous", logx.Err(err))
	} else if err := a.tele.Apply(tc); err != nil {
		a.log.Warn("telemetry apply failed", logx.Err(err))
	}

	a.httpd.Reconfigure(ctx, mapHTTPConfig(next))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// step bounds one shutdown stage so it cannot stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
			max = time.Until(dl)
		}
		if max <= 0 {
			a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("telemetry", 2*time.Second, func(c context.Context) error { a.tele.Stop(c); return nil })
	step("httpd", time.Second, func(c context.Context) error { a.httpd.Stop(c); return nil })
	// Rejects whatever is still queued and closes the transport.
	step("client", 3*time.Second, func(context.Context) error { return a.client.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("journal", time.Second, func(context.Context) error { return a.closeJournal() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

package app

import (
	"fmt"
	"strings"
	"time"

	"brickctl/internal/command/scheduler"
	"brickctl/internal/config"
	"brickctl/internal/observability/httpd"
	"brickctl/internal/recovery"
	"brickctl/internal/storage"
	"brickctl/internal/telemetry"
	"brickctl/internal/transport"
	"brickctl/internal/transport/sim"
	"brickctl/internal/transport/stream"
	logx "brickctl/pkg/logx"
)

func mapLogConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func transportKind(cfg *Config) transport.Kind {
	switch strings.ToLower(strings.TrimSpace(cfg.Transport.Kind)) {
	case "sim":
		return transport.KindSim
	default:
		return transport.KindTCP
	}
}

func mapTransport(cfg *Config, log logx.Logger) (transport.Transport, error) {
	switch k := transportKind(cfg); k {
	case transport.KindSim:
		return sim.NewTransport(sim.NewBrick()), nil
	case transport.KindTCP:
		addr := strings.TrimSpace(cfg.Transport.Addr)
		if addr == "" {
			return nil, fmt.Errorf("transport.addr is required when transport.kind=tcp")
		}
		dial, err := config.DurationOr("transport.dial_timeout", cfg.Transport.DialTimeout, 5*time.Second)
		if err != nil {
			return nil, err
		}
		return stream.New(stream.Config{Addr: addr, DialTimeout: dial}, log), nil
	default:
		return nil, fmt.Errorf("unknown transport.kind: %s", k)
	}
}

func mapSchedulerConfig(cfg *Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	def, err := config.DurationOr("scheduler.default_timeout", sc.DefaultTimeout, 2*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	out := scheduler.Config{DefaultTimeout: def, HistorySize: sc.HistorySize}

	if r := sc.Retry; r != nil {
		p := scheduler.DefaultRetryPolicy()
		p.MaxRetries = r.MaxRetries
		if p.InitialBackoff, err = config.DurationOr("scheduler.retry.initial_backoff", r.InitialBackoff, p.InitialBackoff); err != nil {
			return scheduler.Config{}, err
		}
		if p.MaxBackoff, err = config.DurationOr("scheduler.retry.max_backoff", r.MaxBackoff, p.MaxBackoff); err != nil {
			return scheduler.Config{}, err
		}
		if r.BackoffFactor != 0 {
			if r.BackoffFactor < 1 {
				return scheduler.Config{}, fmt.Errorf("scheduler.retry.backoff_factor must be >= 1")
			}
			p.BackoffFactor = r.BackoffFactor
		}
		if len(r.RetryOn) > 0 {
			p.RetryOn = p.RetryOn[:0:0]
			for _, c := range r.RetryOn {
				p.RetryOn = append(p.RetryOn, scheduler.Code(strings.ToLower(strings.TrimSpace(c))))
			}
		}
		out.Retry = &p
	}

	rc, err := mapRecoveryConfig(cfg)
	if err != nil {
		return scheduler.Config{}, err
	}
	// Leave room for every reconnect attempt and its backoff.
	out.RecoveryTimeout = time.Duration(rc.Attempts)*(rc.MaxDelay+rc.ProbeTimeout) + 5*time.Second
	return out, nil
}

func mapRecoveryConfig(cfg *Config) (recovery.Config, error) {
	rc := cfg.Recovery
	base, err := config.DurationOr("recovery.base_delay", rc.BaseDelay, 200*time.Millisecond)
	if err != nil {
		return recovery.Config{}, err
	}
	maxd, err := config.DurationOr("recovery.max_delay", rc.MaxDelay, 2*time.Second)
	if err != nil {
		return recovery.Config{}, err
	}
	probe, err := config.DurationOr("recovery.probe_timeout", rc.ProbeTimeout, time.Second)
	if err != nil {
		return recovery.Config{}, err
	}
	attempts := rc.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	return recovery.Config{Attempts: attempts, BaseDelay: base, MaxDelay: maxd, ProbeTimeout: probe}, nil
}

func mapTelemetryConfig(cfg *Config) (telemetry.Config, error) {
	t := cfg.Telemetry
	if t == nil {
		return telemetry.Config{}, nil
	}
	timeout, err := config.DurationOr("telemetry.timeout", t.Timeout, 0)
	if err != nil {
		return telemetry.Config{}, err
	}
	tc := telemetry.Config{Enabled: t.Enabled, Schedule: strings.TrimSpace(t.Schedule), Timeout: timeout}
	if tc.Enabled {
		if _, err := telemetry.ParseSchedule(tc.Schedule); err != nil {
			return telemetry.Config{}, fmt.Errorf("telemetry.schedule: invalid %q: %w", t.Schedule, err)
		}
	}
	return tc, nil
}

func mapHTTPConfig(cfg *Config) httpd.Config {
	m := cfg.Metrics
	if m == nil {
		return httpd.Config{}
	}
	return httpd.Config{
		Enabled:       m.Enabled,
		Addr:          strings.TrimSpace(m.Addr),
		Token:         strings.TrimSpace(m.Token),
		AllowInsecure: m.AllowInsecure,
		Pprof:         m.Pprof,
		RateLimit:     m.RateLimit,
		ReadTimeout:   10 * time.Second,
		// pprof profiles stream for up to 30s by default.
		WriteTimeout: 60 * time.Second,
	}
}

func mapJournalConfig(cfg *Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Journal == nil {
		return storage.Config{}, false, nil
	}
	jc := cfg.Journal
	driver := strings.ToLower(strings.TrimSpace(jc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(jc.Path)
	if path == "" {
		return storage.Config{}, false, fmt.Errorf("journal.path is required when journal.driver=%s", driver)
	}

	switch driver {
	case "file", "badger":
		return storage.Config{Driver: driver, Path: path, Keep: jc.Keep}, true, nil
	case "sqlite", "sqlite3":
		busy, err := config.DurationOr("journal.busy_timeout", jc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, Keep: jc.Keep}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown journal.driver: %s", jc.Driver)
	}
}

// validate runs every mapping so a bad hot reload is rejected before commit.
func validate(cfg *Config) error {
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTelemetryConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapJournalConfig(cfg); err != nil {
		return err
	}
	return nil
}

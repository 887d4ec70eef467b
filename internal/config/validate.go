package config

import (
	"errors"
	"fmt"
	"strings"
)

// RetryCodes are the accepted scheduler.retry.retry_on values.
var RetryCodes = []string{"timeout", "cancelled", "disposed", "counter_exhausted", "execution_failed", "orphan_risk"}

// Validate checks bounds and syntax that do not depend on other packages.
// Component-specific checks (cron specs, ...) run in the app's validator.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := parseDuration(path, raw)
		check(err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "", "console", "json":
	default:
		check(fmt.Errorf("logging.format: unknown %q", cfg.Logging.Format))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Transport.Kind)) {
	case "", "tcp":
		if strings.TrimSpace(cfg.Transport.Addr) == "" {
			check(errors.New("transport.addr is required when transport.kind=tcp"))
		}
	case "sim":
	default:
		check(fmt.Errorf("transport.kind: unknown %q", cfg.Transport.Kind))
	}
	dur("transport.dial_timeout", cfg.Transport.DialTimeout)

	dur("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout)
	if cfg.Scheduler.HistorySize < 0 {
		check(errors.New("scheduler.history_size must be >= 0"))
	}
	if r := cfg.Scheduler.Retry; r != nil {
		if r.MaxRetries < 0 {
			check(errors.New("scheduler.retry.max_retries must be >= 0"))
		}
		if r.BackoffFactor != 0 && r.BackoffFactor < 1 {
			check(errors.New("scheduler.retry.backoff_factor must be >= 1"))
		}
		dur("scheduler.retry.initial_backoff", r.InitialBackoff)
		dur("scheduler.retry.max_backoff", r.MaxBackoff)
		for _, c := range r.RetryOn {
			if !isRetryCode(c) {
				check(fmt.Errorf("scheduler.retry.retry_on: unknown code %q", c))
			}
		}
	}

	if cfg.Recovery.Attempts < 0 {
		check(errors.New("recovery.attempts must be >= 0"))
	}
	dur("recovery.base_delay", cfg.Recovery.BaseDelay)
	dur("recovery.max_delay", cfg.Recovery.MaxDelay)
	dur("recovery.probe_timeout", cfg.Recovery.ProbeTimeout)

	if t := cfg.Telemetry; t != nil {
		if t.Enabled && strings.TrimSpace(t.Schedule) == "" {
			check(errors.New("telemetry.schedule is required when telemetry.enabled=true"))
		}
		dur("telemetry.timeout", t.Timeout)
	}

	if m := cfg.Metrics; m != nil && m.RateLimit < 0 {
		check(errors.New("metrics.rate_limit must be >= 0"))
	}

	if j := cfg.Journal; j != nil {
		switch strings.ToLower(strings.TrimSpace(j.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3", "badger":
		default:
			check(fmt.Errorf("journal.driver: unknown %q", j.Driver))
		}
		dur("journal.busy_timeout", j.BusyTimeout)
		if j.Keep < 0 {
			check(errors.New("journal.keep must be >= 0"))
		}
	}

	return errors.Join(errs...)
}

func isRetryCode(c string) bool {
	c = strings.ToLower(strings.TrimSpace(c))
	for _, v := range RetryCodes {
		if v == c {
			return true
		}
	}
	return false
}

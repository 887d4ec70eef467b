package config

import (
	"reflect"
	"sort"
	"strings"

	logx "brickctl/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Sections whose changes need a restart are
// listed in restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Transport, newCfg.Transport) {
		changed = append(changed, "transport")
		restart = append(restart, "transport")
		attrs = append(attrs,
			logx.String("transport.kind", strings.TrimSpace(newCfg.Transport.Kind)),
			logx.String("transport.addr", strings.TrimSpace(newCfg.Transport.Addr)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		r := derefRetry(newCfg.Scheduler.Retry)
		attrs = append(attrs,
			logx.String("scheduler.default_timeout", strings.TrimSpace(newCfg.Scheduler.DefaultTimeout)),
			logx.Int("scheduler.history_size", newCfg.Scheduler.HistorySize),
			logx.Bool("scheduler.retry_set", newCfg.Scheduler.Retry != nil),
			logx.Int("scheduler.retry.max_retries", r.MaxRetries),
			logx.String("scheduler.retry.retry_on", strings.Join(r.RetryOn, ",")),
		)
	}

	if !reflect.DeepEqual(oldCfg.Recovery, newCfg.Recovery) {
		changed = append(changed, "recovery")
		restart = append(restart, "recovery")
		attrs = append(attrs, logx.Int("recovery.attempts", newCfg.Recovery.Attempts))
	}

	if !reflect.DeepEqual(oldCfg.Telemetry, newCfg.Telemetry) {
		changed = append(changed, "telemetry")
		t := derefTelemetry(newCfg.Telemetry)
		attrs = append(attrs,
			logx.Bool("telemetry.enabled", t.Enabled),
			logx.String("telemetry.schedule", strings.TrimSpace(t.Schedule)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Metrics, newCfg.Metrics) {
		changed = append(changed, "metrics")
		var m MetricsConfig
		if newCfg.Metrics != nil {
			m = *newCfg.Metrics
		}
		attrs = append(attrs,
			logx.Bool("metrics.enabled", m.Enabled),
			logx.String("metrics.addr", strings.TrimSpace(m.Addr)),
			logx.Bool("metrics.pprof", m.Pprof),
		)
	}

	// Journal: never log the full path.
	var oDriver, nDriver string
	var oPathSet, nPathSet bool
	if j := oldCfg.Journal; j != nil {
		oDriver = strings.TrimSpace(j.Driver)
		oPathSet = strings.TrimSpace(j.Path) != ""
	}
	if j := newCfg.Journal; j != nil {
		nDriver = strings.TrimSpace(j.Driver)
		nPathSet = strings.TrimSpace(j.Path) != ""
	}
	if oDriver != nDriver || oPathSet != nPathSet || !reflect.DeepEqual(oldCfg.Journal, newCfg.Journal) {
		changed = append(changed, "journal")
		restart = append(restart, "journal")
		attrs = append(attrs,
			logx.String("journal.driver", nDriver),
			logx.Bool("journal.path_set", nPathSet),
		)
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}

func derefRetry(r *RetryConfig) RetryConfig {
	if r == nil {
		return RetryConfig{}
	}
	return *r
}

func derefTelemetry(t *TelemetryConfig) TelemetryConfig {
	if t == nil {
		return TelemetryConfig{}
	}
	return *t
}

// Package metrics exposes scheduler and telemetry activity as Prometheus
// metrics. Counters are fed from the event bus; queue depths are read from
// the scheduler at scrape time.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"brickctl/internal/command/scheduler"
	"brickctl/internal/eventbus"
	"brickctl/internal/telemetry"
)

const namespace = "brickctl"

// Source is the scheduler view read at scrape time.
type Source interface {
	QueueSize(lanes ...scheduler.Lane) int
	State() scheduler.State
}

type Metrics struct {
	reg *prometheus.Registry

	commands   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	queueDelay *prometheus.HistogramVec
	retries    *prometheus.CounterVec
	yields     prometheus.Counter
	orphans    *prometheus.CounterVec
	recoveries *prometheus.CounterVec
	voltage    prometheus.Gauge
	level      prometheus.Gauge
}

// New registers all metrics on a fresh registry. src may be nil.
func New(src Source) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	m := &Metrics{
		reg: reg,
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Settled commands by lane and outcome (ok or error code)",
		}, []string{"lane", "outcome"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time from first attempt to settlement",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"lane"}),
		queueDelay: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_queue_delay_seconds",
			Help:      "Time spent queued before the first attempt",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
		}, []string{"lane"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_retries_total",
			Help:      "Retry attempts scheduled",
		}, []string{"lane"}),
		yields: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_yields_total",
			Help:      "Chunked commands that yielded to emergency work",
		}),
		orphans: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphan_episodes_total",
			Help:      "Orphan-risk episodes by reason",
		}, []string{"reason"}),
		recoveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_total",
			Help:      "Orphan recoveries by result",
		}, []string{"result"}),
		voltage: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "battery_voltage_volts",
			Help:      "Last polled battery voltage",
		}),
		level: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "battery_level_percent",
			Help:      "Last polled battery level",
		}),
	}

	if src != nil {
		for _, l := range scheduler.Lanes {
			l := l
			f.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "queue_depth",
				Help:        "Requests waiting per lane",
				ConstLabels: prometheus.Labels{"lane": l.String()},
			}, func() float64 { return float64(src.QueueSize(l)) })
		}
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_state",
			Help:      "Scheduler state (0 idle, 1 running, 2 orphan_risk, 3 disposed)",
		}, func() float64 { return float64(src.State()) })
	}
	return m
}

// Registry returns the registry metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Consume subscribes to bus now and returns the loop that applies events
// until its ctx is done. Events published between the two are kept.
func (m *Metrics) Consume(bus eventbus.Bus) func(ctx context.Context) {
	if bus == nil {
		return func(context.Context) {}
	}
	ch, unsub := bus.Subscribe(512,
		scheduler.EventFinished, scheduler.EventFailed, scheduler.EventRetry, scheduler.EventYield,
		scheduler.EventOrphanRisk, scheduler.EventRecovered, scheduler.EventRecoveryFailed,
		telemetry.EventBattery,
	)
	return func(ctx context.Context) {
		defer unsub()
		m.drain(ctx, ch)
	}
}

func (m *Metrics) drain(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(ev)
		}
	}
}

// Observe applies one event.
func (m *Metrics) Observe(ev eventbus.Event) {
	switch d := ev.Data.(type) {
	case scheduler.CommandEvent:
		switch ev.Type {
		case scheduler.EventFinished, scheduler.EventFailed:
			outcome := d.Code
			if outcome == "" {
				outcome = "ok"
			}
			m.commands.WithLabelValues(d.Lane, outcome).Inc()
			if d.Attempts > 0 {
				m.duration.WithLabelValues(d.Lane).Observe(d.Duration.Seconds())
				m.queueDelay.WithLabelValues(d.Lane).Observe(d.QueueDelay.Seconds())
			}
		case scheduler.EventRetry:
			m.retries.WithLabelValues(d.Lane).Inc()
		case scheduler.EventYield:
			m.yields.Inc()
		}
	case scheduler.OrphanEvent:
		switch ev.Type {
		case scheduler.EventOrphanRisk:
			m.orphans.WithLabelValues(d.Reason).Inc()
		case scheduler.EventRecovered:
			m.recoveries.WithLabelValues("ok").Inc()
		case scheduler.EventRecoveryFailed:
			m.recoveries.WithLabelValues("failed").Inc()
		}
	case telemetry.Reading:
		m.voltage.Set(d.Voltage)
		m.level.Set(float64(d.Level))
	}
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/notifyhub/posting-queue/internal/dispatch"
	"github.com/notifyhub/posting-queue/internal/domain"
)

// Metrics groups all Prometheus instruments used across the application.
// Registered once at startup via New(); passed by pointer wherever needed.
type Metrics struct {
	EnqueueTotal   *prometheus.CounterVec
	DispatchTotal  *prometheus.CounterVec
	PublishLatency *prometheus.HistogramVec
	PublishErrors  *prometheus.CounterVec
	ItemsByStatus  *prometheus.GaugeVec
	StuckItems     prometheus.Gauge
	ChannelsAtCap  prometheus.Gauge
}

// New registers all instruments with the given registerer. A custom
// registry keeps tests isolated from the global one.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EnqueueTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postqueue_enqueue_total",
			Help: "Enqueue calls by channel and result (accepted, DUPLICATE, RATE_LIMITED, INVALID).",
		}, []string{"channel", "result"}),

		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postqueue_dispatch_total",
			Help: "Dispatch attempts by channel and outcome.",
		}, []string{"channel", "outcome"}),

		PublishLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "postqueue_publish_seconds",
			Help:    "Latency of publisher calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel"}),

		PublishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postqueue_publish_errors_total",
			Help: "Failed publisher calls by channel.",
		}, []string{"channel"}),

		ItemsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "postqueue_items",
			Help: "Items currently stored, by status.",
		}, []string{"status"}),

		StuckItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "postqueue_stuck_items",
			Help: "Items in flight longer than the stuck timeout.",
		}),

		ChannelsAtCap: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "postqueue_channels_at_ceiling",
			Help: "Channels whose hourly or daily ceiling is exhausted.",
		}),
	}

	reg.MustRegister(
		m.EnqueueTotal,
		m.DispatchTotal,
		m.PublishLatency,
		m.PublishErrors,
		m.ItemsByStatus,
		m.StuckItems,
		m.ChannelsAtCap,
	)

	return m
}

// DispatchHooks returns the callbacks expected by dispatch.New.
func (m *Metrics) DispatchHooks() dispatch.Hooks {
	return dispatch.Hooks{
		OnPublish: func(ch domain.Channel, latency time.Duration, err error) {
			m.PublishLatency.WithLabelValues(string(ch)).Observe(latency.Seconds())
			if err != nil {
				m.PublishErrors.WithLabelValues(string(ch)).Inc()
			}
		},
		OnOutcome: func(ch domain.Channel, kind dispatch.Kind) {
			m.DispatchTotal.WithLabelValues(string(ch), string(kind)).Inc()
		},
	}
}

// OnEnqueue counts one enqueue call.
func (m *Metrics) OnEnqueue(ch domain.Channel, result string) {
	m.EnqueueTotal.WithLabelValues(string(ch), result).Inc()
}

// OnHealth refreshes the gauges from a daemon health report.
func (m *Metrics) OnHealth(rep domain.HealthReport) {
	for _, s := range domain.AllStatuses {
		m.ItemsByStatus.WithLabelValues(string(s)).Set(float64(rep.Counts[s]))
	}
	m.StuckItems.Set(float64(len(rep.Stuck)))
	m.ChannelsAtCap.Set(float64(len(rep.ChannelsAtLimit)))
}

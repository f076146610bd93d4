package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cap-harness/internal/probe"
)

// Collector はPrometheus向けのメトリクスを保持する
type Collector struct {
	gatherer prometheus.Gatherer

	outcomes      *prometheus.CounterVec
	probeLatency  *prometheus.HistogramVec
	lag           *prometheus.HistogramVec
	attempts      *prometheus.HistogramVec
	breakerTrips  *prometheus.CounterVec
	recoveryTime  *prometheus.GaugeVec
	scenariosDone *prometheus.CounterVec
}

// NewCollector はregにメトリクスを登録したCollectorを作成する
// regがnilの場合は新しいRegistryを使用
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Collector{
		gatherer: reg,
		outcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "caph_probe_outcomes_total",
				Help: "Total number of probe outcomes by kind",
			},
			[]string{"scenario", "kind", "error"},
		),
		probeLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "caph_probe_duration_seconds",
				Help:    "Probe duration from write to decision in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"scenario"},
		),
		lag: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "caph_replication_lag_seconds",
				Help:    "Observed replication lag of eventually consistent probes",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"scenario"},
		),
		attempts: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "caph_probe_reads",
				Help:    "Number of reads performed per probe",
				Buckets: prometheus.LinearBuckets(1, 1, 12),
			},
			[]string{"scenario"},
		),
		breakerTrips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "caph_breaker_trips_total",
				Help: "Total number of circuit breaker trips by reason",
			},
			[]string{"scenario", "reason"},
		),
		recoveryTime: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "caph_recovery_seconds",
				Help: "Time until the store served writes again after the last fault window",
			},
			[]string{"scenario"},
		),
		scenariosDone: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "caph_scenarios_total",
				Help: "Total number of sealed scenario results",
			},
			[]string{"scenario", "terminated_early"},
		),
	}
}

// ObserveOutcome はプローブ結果を記録する
func (c *Collector) ObserveOutcome(scenario string, o probe.Outcome) {
	errLabel := ""
	if o.Kind == probe.KindError {
		errLabel = o.ErrorKind.String()
	}
	c.outcomes.WithLabelValues(scenario, o.Kind.String(), errLabel).Inc()
	c.probeLatency.WithLabelValues(scenario).Observe(o.Latency.Seconds())
	if o.Attempts > 0 {
		c.attempts.WithLabelValues(scenario).Observe(float64(o.Attempts))
	}
	if o.Kind == probe.KindEventuallyConsistent {
		c.lag.WithLabelValues(scenario).Observe(o.Lag.Seconds())
	}
}

// ObserveTrip はブレーカーのトリップを記録する
func (c *Collector) ObserveTrip(scenario, reason string) {
	c.breakerTrips.WithLabelValues(scenario, reason).Inc()
}

// ObserveRecovery は復旧までの時間を記録する
func (c *Collector) ObserveRecovery(scenario string, d time.Duration) {
	c.recoveryTime.WithLabelValues(scenario).Set(d.Seconds())
}

// ObserveScenario はシナリオ完了を記録する
func (c *Collector) ObserveScenario(scenario string, terminatedEarly bool) {
	label := "false"
	if terminatedEarly {
		label = "true"
	}
	c.scenariosDone.WithLabelValues(scenario, label).Inc()
}

// Gatherer は登録先のGathererを返す
func (c *Collector) Gatherer() prometheus.Gatherer {
	return c.gatherer
}

// Handler は/metrics用のHTTPハンドラを返す
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Package metrics collects latency distributions and exports probe metrics.
//
// Distribution keeps an exact count, total and maximum plus a bounded set of
// samples used for percentiles. Its Summary is a plain value that can be
// merged with other summaries, which is how per-phase and per-scenario
// distributions are combined into report totals.
//
//	d := metrics.NewDistribution(0) // default sample cap
//	d.Observe(12 * time.Millisecond)
//	s := d.Summary()
//	fmt.Println(s.Avg, s.P99, s.Max)
//
// Collector registers Prometheus counters and histograms for probe outcomes,
// probe latency, replication lag, breaker trips and recovery time. Pass a
// dedicated registry in tests:
//
//	reg := prometheus.NewRegistry()
//	c := metrics.NewCollector(reg)
//	c.ObserveOutcome("quick", outcome)
//
// All operations are safe for concurrent use.
package metrics

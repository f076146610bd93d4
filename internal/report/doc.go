// Package report aggregates sealed scenario results and renders them.
//
// The Aggregator keeps results in the order they were added and derives a
// cross-scenario Summary from them. Text and JSON write either a single
// summary or the full result list to an io.Writer.
//
// Basic usage:
//
//	agg := report.NewAggregator()
//	for _, r := range runner.RunAll(ctx, configs) {
//		agg.Add(r)
//	}
//	report.Text(os.Stdout, agg)
package report

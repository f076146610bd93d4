package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"cap-harness/internal/metrics"
	"cap-harness/internal/scenario"
)

const rule = "================================================================================"

// Document はJSON出力の形
type Document struct {
	Summary Summary           `json:"summary"`
	Results []scenario.Result `json:"results"`
}

// JSON は集計と全結果をインデント付きJSONで書き出す
func JSON(w io.Writer, results []scenario.Result) error {
	doc := Document{
		Summary: Summarize(results),
		Results: results,
	}
	if doc.Results == nil {
		doc.Results = []scenario.Result{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// Text は人が読むためのレポートを書き出す
func Text(w io.Writer, results []scenario.Result) error {
	var b strings.Builder
	for _, r := range results {
		writeResult(&b, r)
	}
	if len(results) > 1 {
		writeSummary(&b, Summarize(results))
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func writeResult(b *strings.Builder, r scenario.Result) {
	fmt.Fprintf(b, "\n%s\n  SCENARIO REPORT: %s (%s)\n%s\n\n", rule, r.Name, r.Kind, rule)

	fmt.Fprintf(b, "EXECUTION SUMMARY\n-----------------\n")
	fmt.Fprintf(b, "  Run ID:         %s\n", r.RunID)
	fmt.Fprintf(b, "  Start Time:     %s\n", r.StartedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(b, "  End Time:       %s\n", r.EndedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(b, "  Duration:       %v\n", time.Duration(r.ElapsedMs)*time.Millisecond)
	if r.TerminatedEarly {
		fmt.Fprintf(b, "  Terminated:     early (%s)\n", r.TerminationReason)
	} else {
		fmt.Fprintf(b, "  Terminated:     completed\n")
	}

	fmt.Fprintf(b, "\nCONSISTENCY\n-----------\n")
	fmt.Fprintf(b, "  Attempted:              %d\n", r.Attempted)
	fmt.Fprintf(b, "  Succeeded:              %d (%.2f%%)\n", r.Succeeded, r.SuccessRate()*100)
	fmt.Fprintf(b, "  Consistent:             %d\n", r.Consistent)
	fmt.Fprintf(b, "  Eventually consistent:  %d (%.2f%%)\n", r.EventuallyConsistent, r.EventualRate()*100)
	fmt.Fprintf(b, "  Inconsistent:           %d (%.2f%%)\n", r.Inconsistent, r.InconsistencyRate()*100)
	fmt.Fprintf(b, "  Errors:                 %d (%.2f%%) write=%d read=%d\n",
		r.Errors, r.ErrorRate()*100, r.WriteErrors, r.ReadErrors)

	fmt.Fprintf(b, "\nTIMING\n------\n")
	writeDistribution(b, "Latency", r.Latency)
	writeDistribution(b, "Replication lag", r.Lag)

	if len(r.Phases) > 0 {
		fmt.Fprintf(b, "\nPHASES\n------\n")
		for _, p := range r.Phases {
			status := "ok"
			if p.TerminatedEarly {
				status = p.TerminationReason
			}
			fmt.Fprintf(b, "  %-10s attempted=%-6d errors=%-6d inconsistent=%-6d %6dms  %s\n",
				p.Name, p.Attempted, p.Errors, p.Inconsistent, p.ElapsedMs, status)
			if p.Error != "" {
				fmt.Fprintf(b, "  %-10s error: %s\n", "", p.Error)
			}
			if a := p.Replicas; a != nil {
				fmt.Fprintf(b, "  %-10s replica reads=%d ok=%d errors=%d stale=%d (%.2f%% available)\n",
					"", a.Reads, a.Succeeded, a.Errors, a.Stale, a.SuccessRate()*100)
			}
		}
	}

	if r.Recovery != nil {
		fmt.Fprintf(b, "\nRECOVERY\n--------\n")
		fmt.Fprintf(b, "  Recovered:      %v\n", r.Recovery.Recovered)
		fmt.Fprintf(b, "  Attempts:       %d\n", r.Recovery.Attempts)
		fmt.Fprintf(b, "  Elapsed:        %v\n", r.Recovery.Elapsed.Round(time.Millisecond))
		if r.Recovery.Error != "" {
			fmt.Fprintf(b, "  Error:          %s\n", r.Recovery.Error)
		}
		if r.Recovery.Checked > 0 {
			fmt.Fprintf(b, "  Converged:      %d/%d (diverged: %d)\n",
				r.Recovery.Converged, r.Recovery.Checked, r.Recovery.Diverged)
		}
	}

	if r.Stock != nil {
		fmt.Fprintf(b, "\nSTOCK\n-----\n")
		fmt.Fprintf(b, "  Initial: %d  Remaining: %d  Sold: %d\n", r.Stock.Initial, r.Stock.Remaining, r.Stock.Sold)
		fmt.Fprintf(b, "  Buyers:  sold=%d sold_out=%d rolled_back=%d\n", r.Sold, r.SoldOut, r.Oversold)
		switch {
		case r.Stock.Error != "":
			fmt.Fprintf(b, "  Audit:   failed (%s)\n", r.Stock.Error)
		case r.Stock.Oversold:
			fmt.Fprintf(b, "  Audit:   OVERSOLD\n")
		default:
			fmt.Fprintf(b, "  Audit:   ok\n")
		}
	}

	if r.Noise != nil {
		fmt.Fprintf(b, "\nBACKGROUND NOISE\n----------------\n")
		fmt.Fprintf(b, "  Sent: %d  Failed: %d  Dropped: %d\n", r.Noise.Sent, r.Noise.Failed, r.Noise.Dropped)
	}

	fmt.Fprintf(b, "\n%s\n", rule)
}

func writeDistribution(b *strings.Builder, label string, s metrics.Summary) {
	if s.Count == 0 {
		fmt.Fprintf(b, "  %-16s n/a\n", label+":")
		return
	}
	fmt.Fprintf(b, "  %-16s avg=%v p50=%v p95=%v p99=%v max=%v (n=%d)\n",
		label+":",
		s.Avg.Round(time.Microsecond),
		s.P50.Round(time.Microsecond),
		s.P95.Round(time.Microsecond),
		s.P99.Round(time.Microsecond),
		s.Max.Round(time.Microsecond),
		s.Count,
	)
}

func writeSummary(b *strings.Builder, s Summary) {
	fmt.Fprintf(b, "\n%s\n  OVERALL (%d scenarios, %d terminated early)\n%s\n\n",
		rule, s.Scenarios, s.TerminatedEarly, rule)
	fmt.Fprintf(b, "  Attempted:          %d\n", s.Attempted)
	fmt.Fprintf(b, "  Success rate:       %.2f%%\n", s.SuccessRate*100)
	fmt.Fprintf(b, "  Inconsistency rate: %.2f%%\n", s.InconsistencyRate*100)
	fmt.Fprintf(b, "  Eventual rate:      %.2f%%\n", s.EventualRate*100)
	fmt.Fprintf(b, "  Error rate:         %.2f%%\n", s.ErrorRate*100)
	writeDistribution(b, "Latency", s.Latency)
	writeDistribution(b, "Replication lag", s.Lag)
	if s.Recoveries+s.FailedRecoveries > 0 {
		fmt.Fprintf(b, "  Recoveries:         %d ok, %d failed\n", s.Recoveries, s.FailedRecoveries)
	}
	fmt.Fprintf(b, "\n%s\n", rule)
}

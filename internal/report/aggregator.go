package report

import (
	"slices"
	"sync"

	"cap-harness/internal/loadgen"
	"cap-harness/internal/metrics"
	"cap-harness/internal/scenario"
)

// Summary は全シナリオを通した集計
type Summary struct {
	Scenarios       int `json:"scenarios"`
	TerminatedEarly int `json:"terminated_early"`

	loadgen.Counts

	SuccessRate       float64 `json:"success_rate"`
	InconsistencyRate float64 `json:"inconsistency_rate"`
	EventualRate      float64 `json:"eventual_rate"`
	ErrorRate         float64 `json:"error_rate"`

	Latency metrics.Summary `json:"latency"`
	Lag     metrics.Summary `json:"lag"`

	Recoveries       int `json:"recoveries"`
	FailedRecoveries int `json:"failed_recoveries"`
}

// Aggregator は封印済みの結果を受け取り順に保持する
type Aggregator struct {
	mu      sync.RWMutex
	results []scenario.Result
}

// NewAggregator は新しいAggregatorを作成する
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Add は結果を追加する
func (a *Aggregator) Add(results ...scenario.Result) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results = append(a.results, results...)
}

// Len は保持している結果の数を返す
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.results)
}

// Results は追加順の結果のコピーを返す
func (a *Aggregator) Results() []scenario.Result {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]scenario.Result, len(a.results))
	for i, r := range a.results {
		out[i] = cloneResult(r)
	}
	return out
}

func cloneResult(r scenario.Result) scenario.Result {
	r.Phases = slices.Clone(r.Phases)
	for i, p := range r.Phases {
		if p.Replicas != nil {
			replicas := *p.Replicas
			r.Phases[i].Replicas = &replicas
		}
	}
	if r.Recovery != nil {
		rec := *r.Recovery
		r.Recovery = &rec
	}
	if r.Noise != nil {
		noise := *r.Noise
		r.Noise = &noise
	}
	if r.Stock != nil {
		stock := *r.Stock
		r.Stock = &stock
	}
	return r
}

// Summary は集計値を計算する
func (a *Aggregator) Summary() Summary {
	return Summarize(a.Results())
}

// Summarize は結果の並びから集計値を計算する
func Summarize(results []scenario.Result) Summary {
	var s Summary
	latencies := make([]metrics.Summary, 0, len(results))
	lags := make([]metrics.Summary, 0, len(results))

	for _, r := range results {
		s.Scenarios++
		if r.TerminatedEarly {
			s.TerminatedEarly++
		}
		s.Counts.Merge(r.Counts)
		latencies = append(latencies, r.Latency)
		lags = append(lags, r.Lag)

		if r.Recovery != nil {
			if r.Recovery.Recovered {
				s.Recoveries++
			} else {
				s.FailedRecoveries++
			}
		}
	}

	s.SuccessRate = ratio(s.Succeeded, s.Attempted)
	s.ErrorRate = ratio(s.Errors, s.Attempted)
	s.InconsistencyRate = ratio(s.Inconsistent, s.Succeeded)
	s.EventualRate = ratio(s.EventuallyConsistent, s.Succeeded)
	s.Latency = metrics.Merge(latencies...)
	s.Lag = metrics.Merge(lags...)
	return s
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

package scenario

import (
	"time"

	"cap-harness/internal/loadgen"
	"cap-harness/internal/metrics"
	"cap-harness/internal/recovery"
)

// フェーズ名
const (
	PhasePreflight = "preflight"
	PhaseWorkload  = "workload"
	PhaseFault     = "fault"
	PhaseRecovery  = "recovery"
)

// 終了理由
const (
	ReasonPreflightFailed    = "preflight_failed"
	ReasonOrchestrationError = "orchestration_error"
)

// PhaseResult は1フェーズの結果
type PhaseResult struct {
	Name string `json:"name"`
	loadgen.Counts
	ElapsedMs         int64  `json:"elapsed_ms"`
	TerminatedEarly   bool   `json:"terminated_early"`
	TerminationReason string `json:"termination_reason,omitempty"`
	Error             string `json:"error,omitempty"`

	Replicas *ReplicaAvailability `json:"replica_availability,omitempty"`
}

// StockAudit はKindCounterの実行後にプライマリで読んだ在庫と販売数
// Oversoldは在庫が負、販売数が初期在庫を超えた、または両者の和が初期在庫と合わない場合にtrue
type StockAudit struct {
	Initial   int64  `json:"initial"`
	Remaining int64  `json:"remaining"`
	Sold      int64  `json:"sold"`
	Oversold  bool   `json:"oversold"`
	Error     string `json:"error,omitempty"`
}

// Result はシナリオ実行結果。封印後は変更しない値として扱う
type Result struct {
	Name  string `json:"name"`
	RunID string `json:"run_id"`
	Kind  Kind   `json:"kind"`

	loadgen.Counts

	ElapsedMs         int64  `json:"elapsed_ms"`
	TerminatedEarly   bool   `json:"terminated_early"`
	TerminationReason string `json:"termination_reason,omitempty"`

	Latency metrics.Summary `json:"latency"`
	Lag     metrics.Summary `json:"lag"`

	Phases   []PhaseResult       `json:"phases"`
	Recovery *recovery.Result    `json:"recovery,omitempty"`
	Noise    *loadgen.NoiseStats `json:"noise,omitempty"`
	Stock    *StockAudit         `json:"stock,omitempty"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// SuccessRate は試行に対するストア操作成功の割合
func (r Result) SuccessRate() float64 {
	return ratio(r.Succeeded, r.Attempted)
}

// InconsistencyRate は成功したプローブのうち不整合だった割合
func (r Result) InconsistencyRate() float64 {
	return ratio(r.Inconsistent, r.Succeeded)
}

// EventualRate は成功したプローブのうち再読み込みで一致した割合
func (r Result) EventualRate() float64 {
	return ratio(r.EventuallyConsistent, r.Succeeded)
}

// ErrorRate は試行に対するエラーの割合
func (r Result) ErrorRate() float64 {
	return ratio(r.Errors, r.Attempted)
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// builder はRun中の結果を組み立てる。Runのゴルーチンからのみ使う
type builder struct {
	result    Result
	latencies []metrics.Summary
	lags      []metrics.Summary
}

func newBuilder(name, runID string, kind Kind, start time.Time) *builder {
	return &builder{
		result: Result{
			Name:      name,
			RunID:     runID,
			Kind:      kind,
			StartedAt: start,
			Phases:    []PhaseResult{},
		},
	}
}

func (b *builder) addPhase(p PhaseResult) {
	b.result.Phases = append(b.result.Phases, p)
	b.result.Counts.Merge(p.Counts)
	if p.TerminatedEarly {
		b.terminate(p.TerminationReason)
	}
}

func (b *builder) addReport(name string, r loadgen.Report) PhaseResult {
	p := b.reportPhase(name, r)
	b.addPhase(p)
	return p
}

// reportPhase はLoadGeneratorの結果をフェーズに変換し、分布を記録する
func (b *builder) reportPhase(name string, r loadgen.Report) PhaseResult {
	b.latencies = append(b.latencies, r.Latency)
	b.lags = append(b.lags, r.Lag)
	return PhaseResult{
		Name:              name,
		Counts:            r.Counts,
		ElapsedMs:         r.Elapsed.Milliseconds(),
		TerminatedEarly:   r.TerminatedEarly,
		TerminationReason: r.TerminationReason,
	}
}

// terminate は最初の終了理由のみを保持する
func (b *builder) terminate(reason string) {
	if b.result.TerminatedEarly {
		return
	}
	b.result.TerminatedEarly = true
	b.result.TerminationReason = reason
}

func (b *builder) seal(end time.Time) Result {
	r := b.result
	r.EndedAt = end
	r.ElapsedMs = end.Sub(r.StartedAt).Milliseconds()
	r.Latency = metrics.Merge(b.latencies...)
	r.Lag = metrics.Merge(b.lags...)
	r.Phases = append([]PhaseResult(nil), b.result.Phases...)
	for i, p := range r.Phases {
		if p.Replicas != nil {
			replicas := *p.Replicas
			r.Phases[i].Replicas = &replicas
		}
	}
	return r
}

package loadgen

import (
	"sync"

	"cap-harness/internal/metrics"
	"cap-harness/internal/probe"
)

// Counts はプローブ結果の集計
// Attempted == Succeeded + Errors, Succeeded == Consistent + EventuallyConsistent + Inconsistent
type Counts struct {
	Attempted            int `json:"attempted"`
	Succeeded            int `json:"succeeded"`
	Consistent           int `json:"consistent"`
	EventuallyConsistent int `json:"eventually_consistent"`
	Inconsistent         int `json:"inconsistent"`
	Errors               int `json:"errors"`
	WriteErrors          int `json:"write_errors"`
	ReadErrors           int `json:"read_errors"`

	// 購入プローブの内訳。いずれもSucceededに含まれる
	Sold     int `json:"sold,omitempty"`
	SoldOut  int `json:"sold_out,omitempty"`
	Oversold int `json:"oversold,omitempty"`
}

// Add は1件の結果を加える
func (c *Counts) Add(o probe.Outcome) {
	c.Attempted++
	switch o.Purchase {
	case probe.PurchaseSold:
		c.Sold++
	case probe.PurchaseSoldOut:
		c.SoldOut++
	case probe.PurchaseOversold:
		c.Oversold++
	}
	switch o.Kind {
	case probe.KindConsistent:
		c.Succeeded++
		c.Consistent++
	case probe.KindEventuallyConsistent:
		c.Succeeded++
		c.EventuallyConsistent++
	case probe.KindInconsistent:
		c.Succeeded++
		c.Inconsistent++
	default:
		c.Errors++
		switch o.ErrorKind {
		case probe.ErrorWriteFailed:
			c.WriteErrors++
		case probe.ErrorReadFailed:
			c.ReadErrors++
		}
	}
}

// Merge はother を加算する
func (c *Counts) Merge(other Counts) {
	c.Attempted += other.Attempted
	c.Succeeded += other.Succeeded
	c.Consistent += other.Consistent
	c.EventuallyConsistent += other.EventuallyConsistent
	c.Inconsistent += other.Inconsistent
	c.Errors += other.Errors
	c.WriteErrors += other.WriteErrors
	c.ReadErrors += other.ReadErrors
	c.Sold += other.Sold
	c.SoldOut += other.SoldOut
	c.Oversold += other.Oversold
}

// Tally はワーカー間で共有される集計器
// 1件の記録は1回のロックで行われ、スナップショットは常に整合している
type Tally struct {
	mu      sync.Mutex
	counts  Counts
	latency *metrics.Distribution
	lag     *metrics.Distribution
	sealed  bool
}

// NewTally は新しいTallyを作成する
func NewTally() *Tally {
	return &Tally{
		latency: metrics.NewDistribution(0),
		lag:     metrics.NewDistribution(0),
	}
}

// Record は結果を記録する。封印後はfalseを返し何も記録しない
func (t *Tally) Record(o probe.Outcome) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sealed {
		return false
	}
	t.counts.Add(o)
	t.latency.Observe(o.Latency)
	if o.Kind == probe.KindEventuallyConsistent {
		t.lag.Observe(o.Lag)
	}
	return true
}

// Snapshot は現在の集計を返す
func (t *Tally) Snapshot() Counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts
}

// Seal は以降の記録を拒否し、最終的な集計と分布を返す
func (t *Tally) Seal() (Counts, metrics.Summary, metrics.Summary) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sealed = true
	return t.counts, t.latency.Summary(), t.lag.Summary()
}

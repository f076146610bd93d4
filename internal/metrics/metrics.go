package metrics

import (
	"sort"
	"sync"
	"time"
)

// DefaultMaxSamples はパーセンタイル計算用に保持するサンプル数のデフォルト
const DefaultMaxSamples = 10000

// Distribution は所要時間の分布を収集する
type Distribution struct {
	mu         sync.Mutex
	count      uint64
	total      time.Duration
	max        time.Duration
	samples    []time.Duration
	maxSamples int
}

// NewDistribution は新しいDistributionを作成する
// maxSamplesが0以下の場合はDefaultMaxSamplesを使用
func NewDistribution(maxSamples int) *Distribution {
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	return &Distribution{
		samples:    make([]time.Duration, 0, min(maxSamples, 1000)),
		maxSamples: maxSamples,
	}
}

// Observe は1件の値を記録する
func (d *Distribution) Observe(v time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.count++
	d.total += v
	if v > d.max {
		d.max = v
	}
	if len(d.samples) < d.maxSamples {
		d.samples = append(d.samples, v)
	}
}

// Count は記録件数を返す
func (d *Distribution) Count() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

// Summary は現在の分布の要約を返す
func (d *Distribution) Summary() Summary {
	d.mu.Lock()
	samples := make([]time.Duration, len(d.samples))
	copy(samples, d.samples)
	s := Summary{
		Count:   d.count,
		Total:   d.total,
		Max:     d.max,
		Samples: samples,
	}
	d.mu.Unlock()

	s.fill()
	return s
}

// Summary は分布の要約。値として扱い、生成後は変更しない
type Summary struct {
	Count   uint64          `json:"count"`
	Total   time.Duration   `json:"-"`
	Avg     time.Duration   `json:"avg_ns"`
	P50     time.Duration   `json:"p50_ns"`
	P95     time.Duration   `json:"p95_ns"`
	P99     time.Duration   `json:"p99_ns"`
	Max     time.Duration   `json:"max_ns"`
	Samples []time.Duration `json:"-"`
}

// Merge は複数の要約を1つにまとめる
func Merge(summaries ...Summary) Summary {
	var out Summary
	n := 0
	for _, s := range summaries {
		n += len(s.Samples)
	}
	out.Samples = make([]time.Duration, 0, n)

	for _, s := range summaries {
		out.Count += s.Count
		out.Total += s.Total
		if s.Max > out.Max {
			out.Max = s.Max
		}
		out.Samples = append(out.Samples, s.Samples...)
	}

	out.fill()
	return out
}

// fill はSamplesをソートし平均とパーセンタイルを計算する
func (s *Summary) fill() {
	if s.Count > 0 {
		s.Avg = s.Total / time.Duration(s.Count)
	}
	sort.Slice(s.Samples, func(i, j int) bool {
		return s.Samples[i] < s.Samples[j]
	})
	s.P50 = s.Percentile(0.50)
	s.P95 = s.Percentile(0.95)
	s.P99 = s.Percentile(0.99)
}

// Percentile はソート済みサンプルからパーセンタイル値を返す（0.0〜1.0）
func (s Summary) Percentile(p float64) time.Duration {
	if len(s.Samples) == 0 {
		return 0
	}
	idx := int(float64(len(s.Samples)) * p)
	if idx >= len(s.Samples) {
		idx = len(s.Samples) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return s.Samples[idx]
}

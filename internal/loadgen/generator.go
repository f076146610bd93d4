package loadgen

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"cap-harness/internal/breaker"
	"cap-harness/internal/logger"
	"cap-harness/internal/metrics"
	"cap-harness/internal/probe"
	"cap-harness/internal/store"
)

// Config はGeneratorの設定
type Config struct {
	Name       string // ログに使う名前
	Workers    int
	Iterations int // ワーカーあたりの反復回数

	Writer  store.Client
	Readers []store.Client // ワーカーごとにラウンドロビンで割り当てる。空ならWriter

	KeyFn   func(worker, iteration int) string
	ValueFn func(worker, iteration int) string
	Probe   probe.Func // nilならprobe.Run
	Retry   probe.RetryPolicy

	Pacing    time.Duration // ワーカーごとの反復間隔の下限
	OnOutcome func(probe.Outcome)
}

// Report は1回のRunの封印済み結果
type Report struct {
	Counts
	Latency           metrics.Summary
	Lag               metrics.Summary
	Elapsed           time.Duration
	TerminatedEarly   bool
	TerminationReason string
}

// Generator は負荷生成器
type Generator struct {
	config Config
}

// New は新しいGeneratorを作成する
func New(config Config) *Generator {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.Iterations < 0 {
		config.Iterations = 0
	}
	if config.Name == "" {
		config.Name = "loadgen"
	}
	if config.KeyFn == nil {
		config.KeyFn = func(w, i int) string {
			return fmt.Sprintf("probe:%d:%d", w, i)
		}
	}
	if config.ValueFn == nil {
		config.ValueFn = func(w, i int) string {
			return fmt.Sprintf("value-%d-%d-%d", w, i, time.Now().UnixNano())
		}
	}
	if config.Probe == nil {
		config.Probe = probe.Run
	}
	return &Generator{config: config}
}

// Config は補完済みの設定を返す
func (g *Generator) Config() Config {
	return g.config
}

// ReaderFor はワーカーに割り当てる読み込み先を返す
func (g *Generator) ReaderFor(worker int) store.Client {
	if len(g.config.Readers) == 0 {
		return g.config.Writer
	}
	return g.config.Readers[worker%len(g.config.Readers)]
}

// Run はワーカーを起動し、全員の終了か期限到達まで待つ
func (g *Generator) Run(ctx context.Context, b *breaker.Breaker) Report {
	start := time.Now()
	tally := NewTally()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger.Info(g.config.Name, "starting %d workers x %d iterations", g.config.Workers, g.config.Iterations)

	var wg sync.WaitGroup
	for w := range g.config.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.work(runCtx, w, b, tally)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var deadline <-chan time.Time
	if left, ok := b.Remaining(); ok {
		timer := time.NewTimer(left)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-done:
	case <-deadline:
		b.Trip(breaker.ReasonDeadline)
	case <-ctx.Done():
		b.Trip(breaker.ReasonCanceled)
	}

	counts, latency, lag := tally.Seal()
	report := Report{
		Counts:            counts,
		Latency:           latency,
		Lag:               lag,
		Elapsed:           time.Since(start),
		TerminatedEarly:   b.ShouldStop(),
		TerminationReason: b.Reason(),
	}

	logger.Info(g.config.Name, "finished: attempted=%d consistent=%d eventual=%d inconsistent=%d errors=%d (%v)",
		report.Attempted, report.Consistent, report.EventuallyConsistent, report.Inconsistent,
		report.Errors, report.Elapsed.Round(time.Millisecond))
	if report.TerminatedEarly {
		logger.Warn(g.config.Name, "terminated early: %s", report.TerminationReason)
	}
	return report
}

func (g *Generator) work(ctx context.Context, id int, b *breaker.Breaker, tally *Tally) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(g.config.Name, "worker %d panicked: %v", id, r)
			b.Trip(fmt.Sprintf("orchestration_error: %v", r))
		}
	}()

	reader := g.ReaderFor(id)

	var limiter *rate.Limiter
	if g.config.Pacing > 0 {
		limiter = rate.NewLimiter(rate.Every(g.config.Pacing), 1)
	}

	for i := range g.config.Iterations {
		if b.ShouldStop() {
			return
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}

		key := g.config.KeyFn(id, i)
		value := g.config.ValueFn(id, i)

		outcome, err := g.config.Probe(ctx, g.config.Writer, reader, key, value, g.config.Retry)
		if err != nil {
			return
		}
		if !tally.Record(outcome) {
			return
		}
		b.Record(outcome)

		if outcome.Kind == probe.KindError {
			logger.Debug(g.config.Name, "worker %d: %s %s: %v", id, key, outcome.ErrorKind, outcome.Err)
		}
		if g.config.OnOutcome != nil {
			g.config.OnOutcome(outcome)
		}
	}
}

// Payload はprefixで始まりsizeバイトになる値を返す
// sizeがprefixより短い場合はprefixをそのまま返す
func Payload(prefix string, size int) string {
	if size <= len(prefix) {
		return prefix
	}
	var sb strings.Builder
	sb.Grow(size)
	sb.WriteString(prefix)
	sb.WriteString(strings.Repeat("x", size-len(prefix)))
	return sb.String()
}

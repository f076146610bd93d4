package breaker

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"cap-harness/internal/probe"
)

// Trip reasons
const (
	ReasonConsecutiveFailures = "consecutive_failures"
	ReasonTotalFailures       = "total_failures"
	ReasonDeadline            = "deadline"
	ReasonCanceled            = "canceled"
)

// デフォルト閾値
const (
	DefaultMaxConsecutiveFailures = 5
	DefaultMaxTotalFailures       = 20
	DefaultMaxDuration            = 30 * time.Second
)

// State はブレーカーの状態
type State int

const (
	StateOpen    State = iota // 通常稼働
	StateTripped              // 停止（終端状態）
)

func (s State) String() string {
	if s == StateTripped {
		return "tripped"
	}
	return "open"
}

// Clock は現在時刻を返す関数
type Clock func() time.Time

// Stats はブレーカーのスナップショット
type Stats struct {
	State       State
	Reason      string
	Consecutive int
	Total       int
	Elapsed     time.Duration
}

// Breaker はフェーズごとの失敗カウンタ
type Breaker struct {
	mu sync.Mutex

	maxConsecutive      int
	maxTotal            int
	maxDuration         time.Duration
	inconsistentFailure bool

	consecutive int
	total       int
	startedAt   time.Time
	reason      string

	tripped atomic.Bool

	now    Clock
	onTrip func(reason string)
	logger *zap.Logger
}

// Option はBreakerの設定関数
type Option func(*Breaker)

// WithMaxConsecutiveFailures は連続失敗の上限を設定する
func WithMaxConsecutiveFailures(n int) Option {
	return func(b *Breaker) {
		b.maxConsecutive = n
	}
}

// WithMaxTotalFailures は累計失敗の上限を設定する
func WithMaxTotalFailures(n int) Option {
	return func(b *Breaker) {
		b.maxTotal = n
	}
}

// WithMaxDuration はフェーズの最大時間を設定する
func WithMaxDuration(d time.Duration) Option {
	return func(b *Breaker) {
		b.maxDuration = d
	}
}

// WithInconsistentAsFailure はInconsistentも失敗として数えるかを設定する
func WithInconsistentAsFailure(enabled bool) Option {
	return func(b *Breaker) {
		b.inconsistentFailure = enabled
	}
}

// WithLogger はトリップ時のロガーを設定する
func WithLogger(logger *zap.Logger) Option {
	return func(b *Breaker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithClock は時刻関数を差し替える
func WithClock(now Clock) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithOnTrip はトリップ時に一度だけ呼ばれるフックを設定する
func WithOnTrip(fn func(reason string)) Option {
	return func(b *Breaker) {
		b.onTrip = fn
	}
}

// New は新しいBreakerを作成する。経過時間は作成時点から数える
func New(opts ...Option) *Breaker {
	b := &Breaker{
		maxConsecutive: DefaultMaxConsecutiveFailures,
		maxTotal:       DefaultMaxTotalFailures,
		maxDuration:    DefaultMaxDuration,
		now:            time.Now,
		logger:         zap.NewNop(),
	}

	for _, opt := range opts {
		opt(b)
	}

	b.startedAt = b.now()
	return b
}

// Record はプローブ結果を報告し、閾値を評価する
func (b *Breaker) Record(outcome probe.Outcome) {
	failed := outcome.Failed() ||
		(b.inconsistentFailure && outcome.Kind == probe.KindInconsistent)

	b.mu.Lock()
	if b.tripped.Load() {
		b.mu.Unlock()
		return
	}

	if failed {
		b.consecutive++
		b.total++
	} else {
		b.consecutive = 0
	}

	var reason string
	switch {
	case b.maxConsecutive > 0 && b.consecutive >= b.maxConsecutive:
		reason = ReasonConsecutiveFailures
	case b.maxTotal > 0 && b.total >= b.maxTotal:
		reason = ReasonTotalFailures
	case b.maxDuration > 0 && b.now().Sub(b.startedAt) >= b.maxDuration:
		reason = ReasonDeadline
	}
	fire := false
	if reason != "" {
		fire = b.tripLocked(reason)
	}
	b.mu.Unlock()

	if fire {
		b.fireTrip(reason, outcome.Err)
	}
}

// Trip は外部で検出した条件でブレーカーを止める
// 既にトリップしている場合は最初の理由を保持する
func (b *Breaker) Trip(reason string) bool {
	b.mu.Lock()
	fire := b.tripLocked(reason)
	b.mu.Unlock()

	if fire {
		b.fireTrip(reason, nil)
	}
	return fire
}

func (b *Breaker) tripLocked(reason string) bool {
	if b.tripped.Load() {
		return false
	}
	b.reason = reason
	b.tripped.Store(true)
	return true
}

func (b *Breaker) fireTrip(reason string, cause error) {
	stats := b.Stats()
	fields := []zap.Field{
		zap.String("reason", reason),
		zap.Int("consecutive", stats.Consecutive),
		zap.Int("total", stats.Total),
		zap.Duration("elapsed", stats.Elapsed),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	b.logger.Warn("circuit breaker tripped", fields...)

	if b.onTrip != nil {
		b.onTrip(reason)
	}
}

// ShouldStop はワーカーが停止すべきかを返す
func (b *Breaker) ShouldStop() bool {
	return b.tripped.Load()
}

// Reason はトリップ理由を返す。未トリップなら空文字
func (b *Breaker) Reason() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reason
}

// MaxDuration は設定された最大時間を返す
func (b *Breaker) MaxDuration() time.Duration {
	return b.maxDuration
}

// Remaining は最大時間までの残りを返す。上限なしの場合は0とfalse
func (b *Breaker) Remaining() (time.Duration, bool) {
	if b.maxDuration <= 0 {
		return 0, false
	}
	left := b.maxDuration - b.now().Sub(b.startedAt)
	if left < 0 {
		left = 0
	}
	return left, true
}

// Stats は現在の状態を返す
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := StateOpen
	if b.tripped.Load() {
		state = StateTripped
	}
	return Stats{
		State:       state,
		Reason:      b.reason,
		Consecutive: b.consecutive,
		Total:       b.total,
		Elapsed:     b.now().Sub(b.startedAt),
	}
}

package scenario

import (
	"fmt"
	"time"

	"cap-harness/internal/breaker"
	"cap-harness/internal/probe"
	"cap-harness/internal/recovery"
)

// Kind はシナリオで使うプローブの種類
type Kind string

const (
	KindReadAfterWrite Kind = "read_after_write"
	KindCounter        Kind = "counter"
)

// ParseKind は文字列からKindを返す
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case "", KindReadAfterWrite:
		return KindReadAfterWrite, nil
	case KindCounter:
		return KindCounter, nil
	default:
		return "", fmt.Errorf("unknown scenario kind: %s", s)
	}
}

// BreakerConfig はフェーズごとのブレーカー設定
type BreakerConfig struct {
	MaxConsecutiveFailures int
	MaxTotalFailures       int
	MaxDuration            time.Duration
	InconsistentAsFailure  bool
}

// DefaultBreakerConfig はデフォルト設定を返す
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxConsecutiveFailures: breaker.DefaultMaxConsecutiveFailures,
		MaxTotalFailures:       breaker.DefaultMaxTotalFailures,
		MaxDuration:            breaker.DefaultMaxDuration,
	}
}

// FaultConfig は障害ウィンドウ中の負荷設定
type FaultConfig struct {
	Workers        int  // 0ならworkloadと同じ
	Iterations     int  // 0ならworkloadと同じ
	Recovery       bool // 終了後に復旧を計測する
	RecoveryConfig recovery.Config

	// ReplicaKeys は障害前に書き、障害中にレプリカから読み続けるキーの数。0なら5
	ReplicaKeys int
	// ConvergenceKeys は復旧後に再確認する不整合キーの上限。0なら100
	ConvergenceKeys int
}

// Config はシナリオの設定
type Config struct {
	Name        string
	Description string
	Kind        Kind

	Workers    int
	Iterations int // ワーカーあたり
	KeyPrefix  string
	ValueSize  int // 0なら短い一意な値

	Retry   probe.RetryPolicy
	Pacing  time.Duration
	Breaker BreakerConfig

	Preflight    bool
	NoiseWriters int
	NoiseRate    float64 // 毎秒の背景書き込み数（0で無制限）

	InitialStock int64 // KindCounterの初期在庫

	Fault *FaultConfig
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		Name:        "default",
		Description: "Read-after-write probes against primary and replicas",
		Kind:        KindReadAfterWrite,
		Workers:     4,
		Iterations:  25,
		KeyPrefix:   "probe",
		Retry:       probe.DefaultRetryPolicy(),
		Breaker:     DefaultBreakerConfig(),
		Preflight:   true,
	}
}

// Validate は設定を検証する
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("scenario name is required")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("scenario %s: workers must be positive", c.Name)
	}
	if c.Iterations <= 0 {
		return fmt.Errorf("scenario %s: iterations must be positive", c.Name)
	}
	if c.Retry.MaxAttempts < 0 || c.Retry.Delay < 0 {
		return fmt.Errorf("scenario %s: retry policy must not be negative", c.Name)
	}
	if c.ValueSize < 0 {
		return fmt.Errorf("scenario %s: value size must not be negative", c.Name)
	}
	if _, err := ParseKind(string(c.Kind)); err != nil {
		return fmt.Errorf("scenario %s: %w", c.Name, err)
	}
	if c.Kind == KindCounter && c.InitialStock <= 0 {
		return fmt.Errorf("scenario %s: counter scenarios need a positive initial stock", c.Name)
	}
	return nil
}

// withDefaults はゼロ値の項目を補完したコピーを返す
func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "unnamed"
	}
	if c.Kind == "" {
		c.Kind = KindReadAfterWrite
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = c.Name
	}
	if c.Breaker == (BreakerConfig{}) {
		c.Breaker = DefaultBreakerConfig()
	}
	if c.Fault != nil {
		f := *c.Fault
		if f.Workers <= 0 {
			f.Workers = c.Workers
		}
		if f.Iterations <= 0 {
			f.Iterations = c.Iterations
		}
		if f.ReplicaKeys <= 0 {
			f.ReplicaKeys = 5
		}
		if f.ConvergenceKeys <= 0 {
			f.ConvergenceKeys = 100
		}
		c.Fault = &f
	}
	return c
}

func (b BreakerConfig) options() []breaker.Option {
	return []breaker.Option{
		breaker.WithMaxConsecutiveFailures(b.MaxConsecutiveFailures),
		breaker.WithMaxTotalFailures(b.MaxTotalFailures),
		breaker.WithMaxDuration(b.MaxDuration),
		breaker.WithInconsistentAsFailure(b.InconsistentAsFailure),
	}
}

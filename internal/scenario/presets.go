package scenario

import (
	"slices"
	"time"

	"cap-harness/internal/probe"
	"cap-harness/internal/recovery"
)

// ReplicationDelayScenario は書き込み直後の読み込みで複製遅延を観測する
func ReplicationDelayScenario() Config {
	return Config{
		Name:        "replication-delay",
		Description: "Write to the primary, read the replica at once and again after 100ms",
		Kind:        KindReadAfterWrite,
		Workers:     1,
		Iterations:  10,
		KeyPrefix:   "replication:test",
		Retry:       probe.RetryPolicy{MaxAttempts: 1, Delay: 100 * time.Millisecond},
		Breaker:     DefaultBreakerConfig(),
		Preflight:   true,
	}
}

// ConcurrentRWScenario は複数ワーカーの並行読み書き
func ConcurrentRWScenario() Config {
	return Config{
		Name:        "concurrent-rw",
		Description: "4 workers writing and reading back at 100ms pacing",
		Kind:        KindReadAfterWrite,
		Workers:     4,
		Iterations:  25,
		KeyPrefix:   "concurrent:user",
		Retry:       probe.RetryPolicy{MaxAttempts: 3, Delay: 50 * time.Millisecond},
		Pacing:      100 * time.Millisecond,
		Breaker:     DefaultBreakerConfig(),
		Preflight:   true,
	}
}

// HighConcurrencyScenario は100ワーカーの同時書き込み
func HighConcurrencyScenario() Config {
	return Config{
		Name:        "high-concurrency",
		Description: "100 simultaneous writers, one probe each",
		Kind:        KindReadAfterWrite,
		Workers:     100,
		Iterations:  1,
		KeyPrefix:   "concurrent",
		Retry:       probe.RetryPolicy{MaxAttempts: 5, Delay: 100 * time.Millisecond},
		Breaker:     DefaultBreakerConfig(),
		Preflight:   true,
	}
}

// LargePayloadScenario は約1MBの値の複製を計測する
func LargePayloadScenario() Config {
	return Config{
		Name:        "large-payload",
		Description: "Replicate a ~1MB value and re-read it up to 10 times at 100ms",
		Kind:        KindReadAfterWrite,
		Workers:     1,
		Iterations:  3,
		KeyPrefix:   "large:data",
		ValueSize:   1 << 20,
		Retry:       probe.DefaultRetryPolicy(),
		Breaker:     DefaultBreakerConfig(),
		Preflight:   true,
	}
}

// NetworkLatencyScenario は背景書き込みで混雑させて計測する
func NetworkLatencyScenario() Config {
	return Config{
		Name:         "network-latency",
		Description:  "Probes while 5 background writers congest the primary",
		Kind:         KindReadAfterWrite,
		Workers:      4,
		Iterations:   50,
		KeyPrefix:    "latency:test",
		Retry:        probe.RetryPolicy{MaxAttempts: 5, Delay: 50 * time.Millisecond},
		Breaker:      DefaultBreakerConfig(),
		Preflight:    true,
		NoiseWriters: 5,
		NoiseRate:    500,
	}
}

// ReadWriteSplitScenario は1ワーカーでの連続読み書き
func ReadWriteSplitScenario() Config {
	breaker := DefaultBreakerConfig()
	breaker.MaxDuration = time.Minute
	return Config{
		Name:        "read-write-split",
		Description: "1000 sequential writes to the primary, each read back from a replica",
		Kind:        KindReadAfterWrite,
		Workers:     1,
		Iterations:  1000,
		KeyPrefix:   "split",
		Retry:       probe.RetryPolicy{MaxAttempts: 3, Delay: 10 * time.Millisecond},
		Breaker:     breaker,
		Preflight:   true,
	}
}

// FlashSaleScenario は在庫を上回る購入者による秒杀
// 在庫切れ後の購入は拒否され、販売数は初期在庫を超えてはならない
func FlashSaleScenario() Config {
	return Config{
		Name:         "flash-sale",
		Description:  "200 buyers compete for 100 units; stock must never go negative and replicas must not show stale stock",
		Kind:         KindCounter,
		Workers:      20,
		Iterations:   10,
		KeyPrefix:    "seckill:product:1001",
		Retry:        probe.RetryPolicy{MaxAttempts: 5, Delay: 20 * time.Millisecond},
		Breaker:      DefaultBreakerConfig(),
		Preflight:    true,
		InitialStock: 100,
	}
}

// PartitionScenario は障害ウィンドウ前後の一貫性と復旧を計測する
func PartitionScenario() Config {
	return Config{
		Name:        "partition",
		Description: "Baseline load, then load during an operator-paced partition, then recovery",
		Kind:        KindReadAfterWrite,
		Workers:     3,
		Iterations:  20,
		KeyPrefix:   "partition:test",
		Retry:       probe.RetryPolicy{MaxAttempts: 3, Delay: 100 * time.Millisecond},
		Pacing:      100 * time.Millisecond,
		Breaker:     DefaultBreakerConfig(),
		Preflight:   true,
		Fault: &FaultConfig{
			Recovery:       true,
			RecoveryConfig: recovery.DefaultConfig(),
		},
	}
}

// QuickScenario は短時間の動作確認用
func QuickScenario() Config {
	breaker := DefaultBreakerConfig()
	breaker.MaxDuration = 10 * time.Second
	return Config{
		Name:        "quick",
		Description: "Quick verification run",
		Kind:        KindReadAfterWrite,
		Workers:     3,
		Iterations:  10,
		KeyPrefix:   "quick",
		Retry:       probe.RetryPolicy{MaxAttempts: 3, Delay: 10 * time.Millisecond},
		Breaker:     breaker,
		Preflight:   true,
	}
}

var presets = map[string]func() Config{
	"replication-delay": ReplicationDelayScenario,
	"concurrent-rw":     ConcurrentRWScenario,
	"high-concurrency":  HighConcurrencyScenario,
	"large-payload":     LargePayloadScenario,
	"network-latency":   NetworkLatencyScenario,
	"read-write-split":  ReadWriteSplitScenario,
	"flash-sale":        FlashSaleScenario,
	"partition":         PartitionScenario,
	"quick":             QuickScenario,
}

// GetPreset は名前からプリセットシナリオを取得する
func GetPreset(name string) (Config, bool) {
	if fn, ok := presets[name]; ok {
		return fn(), true
	}
	return Config{}, false
}

// ListPresets は利用可能なプリセット名を返す
func ListPresets() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

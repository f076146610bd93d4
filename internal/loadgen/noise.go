package loadgen

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"cap-harness/internal/logger"
	"cap-harness/internal/store"
	"cap-harness/internal/worker"
)

// NoiseConfig はバックグラウンド書き込みの設定
type NoiseConfig struct {
	Writers   int        // 並行書き込み数
	Rate      rate.Limit // 全体の毎秒書き込み数（0で無制限）
	KeyPrefix string
	ValueSize int
}

// DefaultNoiseConfig はデフォルト設定を返す
func DefaultNoiseConfig() NoiseConfig {
	return NoiseConfig{
		Writers:   5,
		Rate:      500,
		KeyPrefix: "noise",
		ValueSize: 1024,
	}
}

// NoiseStats はバックグラウンド書き込みの統計
type NoiseStats struct {
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

// Noise は計測対象とは別にプライマリへ書き込み続ける
type Noise struct {
	config NoiseConfig
	target store.Client
	pool   *worker.Pool

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	sent   atomic.Uint64
	failed atomic.Uint64
}

// NewNoise は新しいNoiseを作成する
func NewNoise(target store.Client, config NoiseConfig) *Noise {
	if config.Writers <= 0 {
		config.Writers = 1
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "noise"
	}
	return &Noise{
		config: config,
		target: target,
		pool: worker.NewPoolWithConfig(worker.PoolConfig{
			Name:        "noise",
			NumWorkers:  config.Writers,
			QueueFactor: 2,
		}),
	}
}

// Start は書き込みを開始する。実行中なら何もしない
func (n *Noise) Start(ctx context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return
	}
	n.running = true

	ctx, n.cancel = context.WithCancel(ctx)
	n.done = make(chan struct{})
	n.pool.Start(ctx)

	limit := n.config.Rate
	if limit <= 0 {
		limit = rate.Inf
	}
	limiter := rate.NewLimiter(limit, n.config.Writers)

	logger.Info("noise", "started %d writers against %s", n.config.Writers, n.target.Name())

	go n.produce(ctx, limiter)
}

func (n *Noise) produce(ctx context.Context, limiter *rate.Limiter) {
	defer close(n.done)

	value := Payload("noise-", n.config.ValueSize)
	for seq := 0; ; seq++ {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		key := fmt.Sprintf("%s:%d", n.config.KeyPrefix, seq%n.config.Writers)
		if !n.pool.SubmitWait(ctx, func(ctx context.Context) {
			if err := n.target.Write(ctx, key, value); err != nil {
				n.failed.Add(1)
				return
			}
			n.sent.Add(1)
		}) {
			return
		}
	}
}

// Stop は書き込みを停止し統計を返す
func (n *Noise) Stop() NoiseStats {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return n.Stats()
	}
	n.running = false
	n.cancel()
	done := n.done
	n.mu.Unlock()

	<-done
	n.pool.Stop()

	stats := n.Stats()
	logger.Info("noise", "stopped (sent: %d, failed: %d, dropped: %d)", stats.Sent, stats.Failed, stats.Dropped)
	return stats
}

// Stats は現在の統計を返す
func (n *Noise) Stats() NoiseStats {
	return NoiseStats{
		Sent:    n.sent.Load(),
		Failed:  n.failed.Load(),
		Dropped: n.pool.Stats().Dropped,
	}
}

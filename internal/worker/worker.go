package worker

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"cap-harness/internal/logger"
)

// Job はワーカーが実行するジョブ。ctxはプール停止時にキャンセルされる
type Job func(ctx context.Context)

// PoolConfig はワーカープールの設定
type PoolConfig struct {
	Name        string // ログに使うコンポーネント名
	NumWorkers  int    // ワーカー数（0でCPU数）
	QueueFactor int    // キューサイズ = NumWorkers * QueueFactor
}

// DefaultPoolConfig はデフォルト設定を返す
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Name:        "pool",
		NumWorkers:  0,
		QueueFactor: 4,
	}
}

// Stats はプールの実行統計
type Stats struct {
	Completed uint64
	Dropped   uint64
	Panicked  uint64
}

// Pool は固定数のゴルーチンでジョブを処理する
type Pool struct {
	name       string
	numWorkers int
	jobs       chan Job

	mu      sync.Mutex
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started bool

	completed atomic.Uint64
	dropped   atomic.Uint64
	panicked  atomic.Uint64
}

// NewPool は新しいワーカープールを作成する
func NewPool(numWorkers int) *Pool {
	config := DefaultPoolConfig()
	config.NumWorkers = numWorkers
	return NewPoolWithConfig(config)
}

// NewPoolWithConfig は設定を指定してワーカープールを作成する
func NewPoolWithConfig(config PoolConfig) *Pool {
	numWorkers := config.NumWorkers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	queueFactor := config.QueueFactor
	if queueFactor <= 0 {
		queueFactor = 4
	}
	name := config.Name
	if name == "" {
		name = "pool"
	}
	return &Pool{
		name:       name,
		numWorkers: numWorkers,
		jobs:       make(chan Job, numWorkers*queueFactor),
	}
}

// Start はワーカーを起動する。起動済みなら何もしない
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.started = true

	for i := range p.numWorkers {
		p.wg.Add(1)
		go p.run(i)
	}

	logger.Debug(p.name, "started %d workers", p.numWorkers)
}

func (p *Pool) run(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case job := <-p.jobs:
			p.execute(id, job)
		}
	}
}

func (p *Pool) execute(id int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			logger.Warn(p.name, "worker %d: job panicked: %v", id, r)
		}
	}()

	job(p.ctx)
	p.completed.Add(1)
}

// Submit はキューに空きがあればジョブを投入する。満杯なら破棄してfalseを返す
func (p *Pool) Submit(job Job) bool {
	ctx, ok := p.context()
	if !ok {
		return false
	}

	select {
	case <-ctx.Done():
		return false
	case p.jobs <- job:
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

// SubmitWait はキューに空きができるかctxが終わるまでブロックする
func (p *Pool) SubmitWait(ctx context.Context, job Job) bool {
	poolCtx, ok := p.context()
	if !ok {
		return false
	}

	select {
	case <-poolCtx.Done():
		return false
	case <-ctx.Done():
		return false
	case p.jobs <- job:
		return true
	}
}

func (p *Pool) context() (context.Context, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return nil, false
	}
	return p.ctx, true
}

// Stop はワーカーを停止し、実行中のジョブの終了を待つ
// キューに残ったジョブは破棄される
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()

	for {
		select {
		case <-p.jobs:
			p.dropped.Add(1)
		default:
			stats := p.Stats()
			logger.Debug(p.name, "stopped (completed: %d, dropped: %d, panicked: %d)",
				stats.Completed, stats.Dropped, stats.Panicked)
			return
		}
	}
}

// NumWorkers はワーカー数を返す
func (p *Pool) NumWorkers() int {
	return p.numWorkers
}

// QueueSize は現在のキュー長を返す
func (p *Pool) QueueSize() int {
	return len(p.jobs)
}

// Stats は実行統計を返す
func (p *Pool) Stats() Stats {
	return Stats{
		Completed: p.completed.Load(),
		Dropped:   p.dropped.Load(),
		Panicked:  p.panicked.Load(),
	}
}

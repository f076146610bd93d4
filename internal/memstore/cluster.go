package memstore

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"cap-harness/internal/logger"
	"cap-harness/internal/store"
)

// ClusterConfig はクラスタの設定
type ClusterConfig struct {
	Name     string        // ノードIDのプレフィックス
	Replicas int           // レプリカ数
	Lag      time.Duration // レプリケーション遅延
	Jitter   time.Duration // 遅延に加える最大ゆらぎ
}

// DefaultClusterConfig はデフォルト設定を返す
func DefaultClusterConfig() ClusterConfig {
	return ClusterConfig{
		Name:     "mem",
		Replicas: 1,
		Lag:      2 * time.Millisecond,
	}
}

// Cluster はプライマリと複数のレプリカを管理する
type Cluster struct {
	name     string
	primary  *Node
	replicas []*Node
	links    []*link

	lag    atomic.Int64
	jitter atomic.Int64

	mu          sync.RWMutex
	partitioned bool
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewCluster は新しいクラスタを作成する
func NewCluster(config ClusterConfig) *Cluster {
	if config.Name == "" {
		config.Name = "mem"
	}
	if config.Replicas < 0 {
		config.Replicas = 0
	}

	c := &Cluster{
		name:    config.Name,
		primary: NewNode(config.Name+"-primary", RolePrimary),
	}
	c.lag.Store(int64(config.Lag))
	c.jitter.Store(int64(config.Jitter))
	for i := range config.Replicas {
		r := NewNode(fmt.Sprintf("%s-replica-%d", config.Name, i+1), RoleReplica)
		c.replicas = append(c.replicas, r)
		c.links = append(c.links, newLink(r))
	}
	c.primary.replicate = c.ship
	return c
}

// ship はプライマリへの書き込みを全レプリカのリンクへ送る
// プライマリのロック中に呼ばれるためc.muは取らない
func (c *Cluster) ship(key, value string) {
	lag, jitter := time.Duration(c.lag.Load()), time.Duration(c.jitter.Load())

	for _, l := range c.links {
		d := lag
		if jitter > 0 {
			d += rand.N(jitter)
		}
		l.send(key, value, d)
	}
}

// Start は全ノードとレプリケーションを起動する
func (c *Cluster) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("cluster %s is already running", c.name)
	}

	for _, n := range c.Nodes() {
		if err := n.Start(); err != nil {
			return err
		}
	}

	ctx, c.cancel = context.WithCancel(ctx)
	for _, l := range c.links {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			l.run(ctx)
		}()
	}
	c.running = true

	logger.Info(c.name, "cluster started (replicas: %d, lag: %v)", len(c.replicas), c.Lag())
	return nil
}

// Stop は全ノードとレプリケーションを停止する
func (c *Cluster) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.cancel()
	c.mu.Unlock()

	c.wg.Wait()
	for _, n := range c.Nodes() {
		_ = n.Stop()
	}
	logger.Info(c.name, "cluster stopped")
}

// Primary はプライマリノードを返す
func (c *Cluster) Primary() *Node {
	return c.primary
}

// Replicas はレプリカノードを返す
func (c *Cluster) Replicas() []*Node {
	out := make([]*Node, len(c.replicas))
	copy(out, c.replicas)
	return out
}

// ReplicaClients はレプリカをstore.Clientとして返す
func (c *Cluster) ReplicaClients() []store.Client {
	out := make([]store.Client, len(c.replicas))
	for i, r := range c.replicas {
		out[i] = r
	}
	return out
}

// Nodes はプライマリを先頭に全ノードを返す
func (c *Cluster) Nodes() []*Node {
	return append([]*Node{c.primary}, c.replicas...)
}

// SetLag はレプリケーション遅延を変更する。以降の書き込みに適用される
func (c *Cluster) SetLag(lag, jitter time.Duration) {
	c.lag.Store(int64(lag))
	c.jitter.Store(int64(jitter))
	logger.Info(c.name, "replication lag set to %v (jitter %v)", lag, jitter)
}

// Lag は現在のレプリケーション遅延を返す
func (c *Cluster) Lag() time.Duration {
	return time.Duration(c.lag.Load())
}

// Partition はプライマリとレプリカ間のレプリケーションを止める
// クライアントからは両方に到達できるため、レプリカは古い値を返し続ける
func (c *Cluster) Partition() {
	c.mu.Lock()
	c.partitioned = true
	c.mu.Unlock()
	for _, l := range c.links {
		l.setPartitioned(true)
	}
	logger.Warn(c.name, "replication partitioned")
}

// Heal はパーティションを解消し、溜まった書き込みを順に反映させる
func (c *Cluster) Heal() {
	c.mu.Lock()
	c.partitioned = false
	c.mu.Unlock()
	for _, l := range c.links {
		l.setPartitioned(false)
	}
	logger.Info(c.name, "replication healed (backlog: %d)", c.Backlog())
}

// IsPartitioned はパーティション中かを返す
func (c *Cluster) IsPartitioned() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.partitioned
}

// PausePrimary はプライマリを一時停止する（docker pause相当）
func (c *Cluster) PausePrimary() error {
	return c.primary.Suspend()
}

// ResumePrimary はプライマリを再開する
func (c *Cluster) ResumePrimary() error {
	return c.primary.Resume()
}

// Backlog は未反映のレプリケーションエントリ数を返す
func (c *Cluster) Backlog() int {
	total := 0
	for _, l := range c.links {
		total += l.pending()
	}
	return total
}

// RunningCount は実行中のノード数を返す
func (c *Cluster) RunningCount() int {
	count := 0
	for _, n := range c.Nodes() {
		if n.Status() == StatusRunning {
			count++
		}
	}
	return count
}

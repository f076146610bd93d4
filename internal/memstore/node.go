package memstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"cap-harness/internal/logger"
	"cap-harness/internal/store"
)

// ErrReadOnly はレプリカへの書き込みで返される
var ErrReadOnly = errors.New("READONLY You can't write against a read only replica")

// Status はノードの状態を表す
type Status int

const (
	StatusStopped Status = iota
	StatusRunning
	StatusSuspended
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusRunning:
		return "running"
	case StatusSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// Role はノードの役割
type Role int

const (
	RolePrimary Role = iota
	RoleReplica
)

func (r Role) String() string {
	if r == RoleReplica {
		return "replica"
	}
	return "primary"
}

// Node はインメモリKVSの単一ノード
type Node struct {
	id   string
	role Role

	mu     sync.RWMutex
	status Status
	delay  time.Duration
	data   map[string]string

	// プライマリの書き込みをレプリカへ送る。レプリカではnil
	replicate func(key, value string)
}

var _ store.Client = (*Node)(nil)

// NewNode は新しいノードを作成する
func NewNode(id string, role Role) *Node {
	return &Node{
		id:     id,
		role:   role,
		status: StatusStopped,
		data:   make(map[string]string),
	}
}

// Name はノードIDを返す
func (n *Node) Name() string {
	return n.id
}

// Role はノードの役割を返す
func (n *Node) Role() Role {
	return n.role
}

// Start はノードを起動する
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.status == StatusRunning {
		return fmt.Errorf("node %s is already running", n.id)
	}
	n.status = StatusRunning
	logger.Debug(n.id, "node started (%s)", n.role)
	return nil
}

// Stop はノードを停止する
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.status == StatusStopped {
		return fmt.Errorf("node %s is already stopped", n.id)
	}
	n.status = StatusStopped
	logger.Debug(n.id, "node stopped")
	return nil
}

// Suspend はノードを一時停止する
func (n *Node) Suspend() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.status != StatusRunning {
		return fmt.Errorf("node %s is not running", n.id)
	}
	n.status = StatusSuspended
	logger.Info(n.id, "node suspended")
	return nil
}

// Resume は一時停止中のノードを再開する
func (n *Node) Resume() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.status != StatusSuspended {
		return fmt.Errorf("node %s is not suspended", n.id)
	}
	n.status = StatusRunning
	logger.Info(n.id, "node resumed")
	return nil
}

// Status はノードの現在のステータスを返す
func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}

// SetDelay はレスポンス遅延を設定する
func (n *Node) SetDelay(d time.Duration) {
	n.mu.Lock()
	n.delay = d
	n.mu.Unlock()
}

// Delay は現在の遅延設定を返す
func (n *Node) Delay() time.Duration {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.delay
}

func (n *Node) wait(ctx context.Context) error {
	d := n.Delay()
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Node) available(op string) error {
	if n.status != StatusRunning {
		return store.Wrap(n.id, op, fmt.Errorf("node is %s: %w", n.status, store.ErrConnection))
	}
	return nil
}

// Ping はノードが応答可能かを返す
func (n *Node) Ping(ctx context.Context) error {
	if err := n.wait(ctx); err != nil {
		return store.Wrap(n.id, "ping", err)
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.available("ping")
}

// Write はキーに値を設定する。レプリカではErrReadOnly
func (n *Node) Write(ctx context.Context, key, value string) error {
	if err := n.wait(ctx); err != nil {
		return store.Wrap(n.id, "write", err)
	}

	n.mu.Lock()
	if err := n.available("write"); err != nil {
		n.mu.Unlock()
		return err
	}
	if n.role == RoleReplica {
		n.mu.Unlock()
		return store.Wrap(n.id, "write", ErrReadOnly)
	}
	n.data[key] = value
	replicate := n.replicate
	// ロック中に送ることでリンク上の順序が書き込み順と一致する
	if replicate != nil {
		replicate(key, value)
	}
	n.mu.Unlock()
	return nil
}

// Read はキーの値を取得する
func (n *Node) Read(ctx context.Context, key string) (string, bool, error) {
	if err := n.wait(ctx); err != nil {
		return "", false, store.Wrap(n.id, "read", err)
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if err := n.available("read"); err != nil {
		return "", false, err
	}
	v, ok := n.data[key]
	return v, ok, nil
}

// Incr はカウンタを1増やす
func (n *Node) Incr(ctx context.Context, key string) (int64, error) {
	return n.add(ctx, "incr", key, 1)
}

// Decr はカウンタを1減らす
func (n *Node) Decr(ctx context.Context, key string) (int64, error) {
	return n.add(ctx, "decr", key, -1)
}

func (n *Node) add(ctx context.Context, op, key string, delta int64) (int64, error) {
	if err := n.wait(ctx); err != nil {
		return 0, store.Wrap(n.id, op, err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.available(op); err != nil {
		return 0, err
	}
	if n.role == RoleReplica {
		return 0, store.Wrap(n.id, op, ErrReadOnly)
	}

	var cur int64
	if raw, ok := n.data[key]; ok {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, store.Wrap(n.id, op, errors.New("ERR value is not an integer or out of range"))
		}
		cur = v
	}
	cur += delta
	value := strconv.FormatInt(cur, 10)
	n.data[key] = value
	if n.replicate != nil {
		n.replicate(key, value)
	}
	return cur, nil
}

// apply はレプリケーションで受け取った値を反映する。停止中なら捨てる
func (n *Node) apply(key, value string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status == StatusStopped {
		return
	}
	n.data[key] = value
}

// Keys は全てのキーを返す
func (n *Node) Keys() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	keys := make([]string, 0, len(n.data))
	for k := range n.data {
		keys = append(keys, k)
	}
	return keys
}

// Size は保持しているキー数を返す
func (n *Node) Size() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.data)
}

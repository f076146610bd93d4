// Package storetest provides scriptable store.Client stubs for tests.
package storetest

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"cap-harness/internal/store"
)

// Stub はフック関数で挙動を差し替えられるstore.Client
// フックが未設定の操作は内部のマップに対して実行される
type Stub struct {
	name string

	PingFunc  func(ctx context.Context) error
	WriteFunc func(ctx context.Context, key, value string) error
	ReadFunc  func(ctx context.Context, key string) (string, bool, error)

	// CounterFunc はIncr(delta=1)とDecr(delta=-1)の両方を差し替える
	CounterFunc func(ctx context.Context, key string, delta int64) (int64, error)

	mu   sync.Mutex
	data map[string]string

	writes atomic.Int64
	reads  atomic.Int64
}

var _ store.Client = (*Stub)(nil)

// New は新しいStubを作成する
func New(name string) *Stub {
	return &Stub{
		name: name,
		data: make(map[string]string),
	}
}

// Name はエンドポイント名を返す
func (s *Stub) Name() string {
	return s.name
}

// Ping はPingFuncを呼ぶ
func (s *Stub) Ping(ctx context.Context) error {
	if s.PingFunc != nil {
		return s.PingFunc(ctx)
	}
	return nil
}

// Write はWriteFuncまたは内部マップへ書き込む
func (s *Stub) Write(ctx context.Context, key, value string) error {
	s.writes.Add(1)
	if s.WriteFunc != nil {
		return s.WriteFunc(ctx, key, value)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

// Read はReadFuncまたは内部マップから読み込む
func (s *Stub) Read(ctx context.Context, key string) (string, bool, error) {
	s.reads.Add(1)
	if s.ReadFunc != nil {
		return s.ReadFunc(ctx, key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

// Incr は内部マップのカウンタを増やす
func (s *Stub) Incr(ctx context.Context, key string) (int64, error) {
	return s.add(ctx, key, 1)
}

// Decr は内部マップのカウンタを減らす
func (s *Stub) Decr(ctx context.Context, key string) (int64, error) {
	return s.add(ctx, key, -1)
}

func (s *Stub) add(ctx context.Context, key string, delta int64) (int64, error) {
	s.writes.Add(1)
	if s.CounterFunc != nil {
		return s.CounterFunc(ctx, key, delta)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, _ := strconv.ParseInt(s.data[key], 10, 64)
	n += delta
	s.data[key] = strconv.FormatInt(n, 10)
	return n, nil
}

// Writes は書き込み呼び出し回数を返す
func (s *Stub) Writes() int64 {
	return s.writes.Load()
}

// Reads は読み込み呼び出し回数を返す
func (s *Stub) Reads() int64 {
	return s.reads.Load()
}

// Shared は書き込み先と読み込み先が同じマップを共有する（常に即時一貫）
func Shared() (writer, reader *Stub) {
	writer = New("primary")
	reader = New("replica")
	reader.ReadFunc = func(ctx context.Context, key string) (string, bool, error) {
		return writer.Read(ctx, key)
	}
	return writer, reader
}

// LaggingReader は最初のmissesN回の読み込みで値を返さず、その後writerの値を返す
func LaggingReader(writer *Stub, misses int) *Stub {
	reader := New("replica")
	var count atomic.Int64
	reader.ReadFunc = func(ctx context.Context, key string) (string, bool, error) {
		if count.Add(1) <= int64(misses) {
			return "", false, nil
		}
		return writer.Read(ctx, key)
	}
	return reader
}

// Failing は全ての呼び出しが接続エラーになるStubを返す
func Failing(name string) *Stub {
	s := New(name)
	s.PingFunc = func(context.Context) error {
		return store.Wrap(name, "ping", store.ErrConnection)
	}
	s.WriteFunc = func(context.Context, string, string) error {
		return store.Wrap(name, "write", store.ErrConnection)
	}
	s.ReadFunc = func(context.Context, string) (string, bool, error) {
		return "", false, store.Wrap(name, "read", store.ErrConnection)
	}
	s.CounterFunc = func(context.Context, string, int64) (int64, error) {
		return 0, store.Wrap(name, "counter", store.ErrConnection)
	}
	return s
}

// Sleeping は書き込みごとにdだけブロックするStubを返す（ctxは無視する）
func Sleeping(name string, d time.Duration) *Stub {
	s := New(name)
	s.WriteFunc = func(context.Context, string, string) error {
		time.Sleep(d)
		return nil
	}
	return s
}

package scenario

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"

	"cap-harness/internal/logger"
	"cap-harness/internal/probe"
	"cap-harness/internal/store"
)

// ReplicaAvailability は障害中にレプリカへ行った読み込み専用の確認結果
// Reads == Succeeded + Errors。Staleは成功した読み込みのうち値が一致しなかったもの
type ReplicaAvailability struct {
	Keys      int `json:"keys"`
	Reads     int `json:"reads"`
	Succeeded int `json:"succeeded"`
	Errors    int `json:"errors"`
	Stale     int `json:"stale"`
}

// SuccessRate は読み込みに対する成功の割合
func (a ReplicaAvailability) SuccessRate() float64 {
	return ratio(a.Succeeded, a.Reads)
}

var errNotSeeded = errors.New("availability key not visible on replica")

// availabilityChecker は障害前に書いたキーをレプリカから読み続ける
type availabilityChecker struct {
	replicas []store.Client
	keys     map[string]string
	interval time.Duration

	mu     sync.Mutex
	result ReplicaAvailability

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func newAvailabilityChecker(replicas []store.Client, interval time.Duration) *availabilityChecker {
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	return &availabilityChecker{
		replicas: replicas,
		keys:     make(map[string]string),
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// seed はキーをプライマリに書き、全レプリカで見えるまで待つ
func (a *availabilityChecker) seed(ctx context.Context, primary store.Client, prefix, runID string, n int, policy probe.RetryPolicy) error {
	for i := range n {
		key := fmt.Sprintf("%s:availability:%s:%d", prefix, runID, i)
		value := fmt.Sprintf("seed-%s-%d", runID[:8], i)
		if err := primary.Write(ctx, key, value); err != nil {
			return fmt.Errorf("seed %s: %w", key, err)
		}
		a.keys[key] = value
	}
	a.result.Keys = len(a.keys)

	return retry.Do(
		func() error {
			for key, value := range a.keys {
				for _, r := range a.replicas {
					got, found, err := r.Read(ctx, key)
					if err != nil {
						return err
					}
					if !found || got != value {
						return errNotSeeded
					}
				}
			}
			return nil
		},
		retry.Attempts(uint(max(policy.MaxAttempts, 0))+1),
		retry.Delay(policy.Delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
}

// start は読み込みループを開始する。最初の一巡は必ず実行される
func (a *availabilityChecker) start(ctx context.Context) {
	go a.loop(ctx)
}

func (a *availabilityChecker) loop(ctx context.Context) {
	defer close(a.done)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		a.checkAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			return
		case <-ticker.C:
		}
	}
}

func (a *availabilityChecker) checkAll(ctx context.Context) {
	for key, value := range a.keys {
		for _, r := range a.replicas {
			got, found, err := r.Read(ctx, key)
			if err != nil && ctx.Err() != nil {
				return
			}
			a.record(found && got == value, err)
		}
	}
}

func (a *availabilityChecker) record(matched bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.result.Reads++
	switch {
	case err != nil:
		a.result.Errors++
	case !matched:
		a.result.Succeeded++
		a.result.Stale++
	default:
		a.result.Succeeded++
	}
}

// halt はループを止めて終了を待つ。複数回呼んでもよい
func (a *availabilityChecker) halt() {
	a.stopOnce.Do(func() { close(a.stop) })
	<-a.done
}

// finish はループを止め、集計を返す
func (a *availabilityChecker) finish(name string) ReplicaAvailability {
	a.halt()

	a.mu.Lock()
	defer a.mu.Unlock()
	res := a.result
	logger.Info(name, "replica availability during fault: reads=%d ok=%d errors=%d stale=%d",
		res.Reads, res.Succeeded, res.Errors, res.Stale)
	return res
}

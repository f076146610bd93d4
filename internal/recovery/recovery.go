package recovery

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/avast/retry-go"

	"cap-harness/internal/logger"
	"cap-harness/internal/store"
)

// Config はWatcherの設定
type Config struct {
	Interval       time.Duration // ポーリング間隔
	MaxAttempts    int           // 最大試行回数
	RequireReplica bool          // レプリカからの読み込みまで確認するか
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		Interval:       100 * time.Millisecond,
		MaxAttempts:    50,
		RequireReplica: true,
	}
}

// Result は復旧確認の結果
type Result struct {
	Recovered bool          `json:"recovered"`
	Attempts  int           `json:"attempts"`
	Elapsed   time.Duration `json:"elapsed_ns"`
	Error     string        `json:"error,omitempty"`

	Convergence
}

// Convergence は障害中に不整合だったキーの復旧後の再確認結果
// Checked == Converged + Diverged
type Convergence struct {
	Checked   int `json:"checked,omitempty"`
	Converged int `json:"converged,omitempty"`
	Diverged  int `json:"diverged,omitempty"`
}

var (
	errNotReplicated = errors.New("recovery value not visible on any replica")
	errDiverged      = errors.New("replicas still diverge from primary")
)

// Watcher は復旧を監視する
type Watcher struct {
	config   Config
	primary  store.Client
	replicas []store.Client
}

// New は新しいWatcherを作成する
func New(primary store.Client, replicas []store.Client, config Config) *Watcher {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultConfig().MaxAttempts
	}
	return &Watcher{
		config:   config,
		primary:  primary,
		replicas: replicas,
	}
}

// Watch はkeyへの書き込みが成功し、レプリカで見えるまで待つ
func (w *Watcher) Watch(ctx context.Context, key string) Result {
	start := time.Now()
	value := fmt.Sprintf("recovered-%d", start.UnixNano())

	var (
		attempts int
		written  bool
		lastErr  error
	)

	err := retry.Do(
		func() error {
			attempts++
			if !written {
				if err := w.primary.Write(ctx, key, value); err != nil {
					return err
				}
				written = true
			}
			if !w.config.RequireReplica || len(w.replicas) == 0 {
				return nil
			}
			return w.visible(ctx, key, value)
		},
		retry.Attempts(uint(w.config.MaxAttempts)),
		retry.Delay(w.config.Interval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			lastErr = err
			logger.Debug("recovery", "attempt %d: %v", n+1, err)
		}),
	)

	res := Result{
		Recovered: err == nil,
		Attempts:  attempts,
		Elapsed:   time.Since(start),
	}
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		res.Error = lastErr.Error()
		logger.Warn("recovery", "store did not recover after %d attempts: %v", attempts, lastErr)
		return res
	}

	logger.Info("recovery", "store recovered after %d attempts (%v)", attempts, res.Elapsed.Round(time.Millisecond))
	return res
}

func (w *Watcher) visible(ctx context.Context, key, value string) error {
	var errs []error
	for _, r := range w.replicas {
		got, found, err := r.Read(ctx, key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if found && got == value {
			return nil
		}
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{errNotReplicated}, errs...)...)
	}
	return errNotReplicated
}

// Converge はkeysについて全レプリカの値がプライマリと一致するまで再読み込みする
// 試行回数とポーリング間隔はWatchと同じ設定を使う
func (w *Watcher) Converge(ctx context.Context, keys []string) Convergence {
	pending := slices.Clone(keys)
	res := Convergence{Checked: len(keys)}
	if len(pending) == 0 || len(w.replicas) == 0 {
		res.Converged = len(pending)
		return res
	}

	_ = retry.Do(
		func() error {
			pending = slices.DeleteFunc(pending, func(key string) bool {
				return w.converged(ctx, key)
			})
			if len(pending) > 0 {
				return errDiverged
			}
			return nil
		},
		retry.Attempts(uint(w.config.MaxAttempts)),
		retry.Delay(w.config.Interval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, _ error) {
			logger.Debug("recovery", "convergence attempt %d: %d keys pending", n+1, len(pending))
		}),
	)

	res.Diverged = len(pending)
	res.Converged = res.Checked - res.Diverged
	if res.Diverged > 0 {
		logger.Warn("recovery", "%d of %d keys still diverge after heal", res.Diverged, res.Checked)
	} else {
		logger.Info("recovery", "%d keys converged after heal", res.Converged)
	}
	return res
}

func (w *Watcher) converged(ctx context.Context, key string) bool {
	want, wantFound, err := w.primary.Read(ctx, key)
	if err != nil {
		return false
	}
	for _, r := range w.replicas {
		got, found, err := r.Read(ctx, key)
		if err != nil || found != wantFound || got != want {
			return false
		}
	}
	return true
}

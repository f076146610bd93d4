package probe

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/avast/retry-go"

	"cap-harness/internal/store"
)

// Func はLoadGeneratorから呼ばれるプローブ関数の型
// errorはctxがキャンセルされ結果を数えるべきでない場合のみ非nil
type Func func(ctx context.Context, writer, reader store.Client, key, value string, policy RetryPolicy) (Outcome, error)

var (
	_ Func = Run
	_ Func = Seckill("sold")
)

var errNotVisible = errors.New("value not visible on reader")

// Run はwriterに書き込み、readerから読み返して一貫性を分類する
func Run(ctx context.Context, writer, reader store.Client, key, value string, policy RetryPolicy) (Outcome, error) {
	record := WriteRecord{Key: key, Value: value, WrittenAt: time.Now()}

	if err := writer.Write(ctx, record.Key, record.Value); err != nil {
		return writeFailure(ctx, record, err)
	}

	return observe(ctx, record, time.Now(), policy, func(ctx context.Context) (bool, error) {
		got, found, err := reader.Read(ctx, record.Key)
		if err != nil {
			return false, err
		}
		return found && got == record.Value, nil
	})
}

// Seckill は在庫キーをkeyとして受け取る購入プローブを返す
// 購入が成立した場合のみsoldKeyを増やす
func Seckill(soldKey string) Func {
	return func(ctx context.Context, writer, reader store.Client, key, _ string, policy RetryPolicy) (Outcome, error) {
		return RunPurchase(ctx, writer, reader, key, soldKey, policy)
	}
}

// RunPurchase はwriterで在庫を確認してから1つ減らし、readerが減算後の在庫以下を観測するまで待つ
// 在庫が無ければ減らさずにPurchaseSoldOutとする
// 減算の結果が負になった場合は在庫を戻し、販売数は増やさずにPurchaseOversoldとする
// 購入できなかった場合、readerは在庫0以下を示せばよい
func RunPurchase(ctx context.Context, writer, reader store.Client, stockKey, soldKey string, policy RetryPolicy) (Outcome, error) {
	start := time.Now()
	failed := func(err error) (Outcome, error) {
		return writeFailure(ctx, WriteRecord{Key: stockKey, WrittenAt: start}, err)
	}

	stock, err := readStock(ctx, writer, stockKey)
	if err != nil {
		return failed(err)
	}
	if stock <= 0 {
		return observeStock(ctx, reader, stockKey, 0, start, policy, PurchaseSoldOut)
	}

	n, err := writer.Decr(ctx, stockKey)
	if err != nil {
		return failed(err)
	}
	if n < 0 {
		if _, err := writer.Incr(ctx, stockKey); err != nil {
			return failed(err)
		}
		return observeStock(ctx, reader, stockKey, 0, start, policy, PurchaseOversold)
	}

	if _, err := writer.Incr(ctx, soldKey); err != nil {
		return failed(err)
	}
	return observeStock(ctx, reader, stockKey, n, start, policy, PurchaseSold)
}

func readStock(ctx context.Context, c store.Client, key string) (int64, error) {
	got, found, err := c.Read(ctx, key)
	if err != nil || !found {
		return 0, err
	}
	n, err := strconv.ParseInt(got, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("stock %s: %w", key, err)
	}
	return n, nil
}

// observeStock はreaderの在庫がseen以下になるまで待つ
func observeStock(ctx context.Context, reader store.Client, key string, seen int64, start time.Time, policy RetryPolicy, purchase Purchase) (Outcome, error) {
	record := WriteRecord{Key: key, Value: strconv.FormatInt(seen, 10), WrittenAt: start}

	out, err := observe(ctx, record, time.Now(), policy, func(ctx context.Context) (bool, error) {
		got, found, err := reader.Read(ctx, key)
		if err != nil {
			return false, err
		}
		if !found {
			return false, nil
		}
		v, perr := strconv.ParseInt(got, 10, 64)
		if perr != nil {
			return false, nil
		}
		return v <= seen, nil
	})
	if err != nil {
		return out, err
	}
	out.Purchase = purchase
	return out, nil
}

func writeFailure(ctx context.Context, record WriteRecord, err error) (Outcome, error) {
	if ctx.Err() != nil {
		return Outcome{}, ctx.Err()
	}
	return Outcome{
		Key:       record.Key,
		Kind:      KindError,
		ErrorKind: ErrorWriteFailed,
		Latency:   time.Since(record.WrittenAt),
		Err:       err,
	}, nil
}

// observe は初回読み込みと固定間隔の再読み込みを行い結果を分類する
func observe(ctx context.Context, record WriteRecord, written time.Time, policy RetryPolicy, check func(context.Context) (bool, error)) (Outcome, error) {
	var (
		reads      int
		matched    bool
		observedAt time.Time
		readErr    error
	)

	maxAttempts := policy.MaxAttempts
	if maxAttempts < 0 {
		maxAttempts = 0
	}

	// 戻り値ではなくクロージャの状態で判定する
	_ = retry.Do(
		func() error {
			reads++
			ok, err := check(ctx)
			if err != nil {
				readErr = err
				return retry.Unrecoverable(err)
			}
			if !ok {
				return errNotVisible
			}
			matched = true
			observedAt = time.Now()
			return nil
		},
		retry.Attempts(uint(maxAttempts)+1),
		retry.Delay(policy.Delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)

	outcome := Outcome{
		Key:      record.Key,
		Attempts: reads,
		Latency:  time.Since(record.WrittenAt),
	}

	switch {
	case readErr != nil:
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		outcome.Kind = KindError
		outcome.ErrorKind = ErrorReadFailed
		outcome.Err = readErr
	case matched && reads == 1:
		outcome.Kind = KindConsistent
	case matched:
		outcome.Kind = KindEventuallyConsistent
		outcome.Lag = observedAt.Sub(written)
	case ctx.Err() != nil:
		return Outcome{}, ctx.Err()
	default:
		outcome.Kind = KindInconsistent
	}

	return outcome, nil
}

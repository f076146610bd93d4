package probe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cap-harness/internal/store"
	"cap-harness/internal/store/storetest"
)

func fastPolicy(max int) RetryPolicy {
	return RetryPolicy{MaxAttempts: max, Delay: time.Millisecond}
}

func TestRunConsistent(t *testing.T) {
	writer, reader := storetest.Shared()

	out, err := Run(context.Background(), writer, reader, "k1", "v1", fastPolicy(5))
	require.NoError(t, err)

	assert.Equal(t, KindConsistent, out.Kind)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, "k1", out.Key)
	assert.Zero(t, out.Lag)
	assert.True(t, out.Succeeded())
	assert.EqualValues(t, 1, reader.Reads())
}

func TestRunEventuallyConsistent(t *testing.T) {
	writer := storetest.New("primary")
	reader := storetest.LaggingReader(writer, 3)

	out, err := Run(context.Background(), writer, reader, "k", "v", fastPolicy(5))
	require.NoError(t, err)

	assert.Equal(t, KindEventuallyConsistent, out.Kind)
	assert.Equal(t, 4, out.Attempts)
	assert.Greater(t, out.Lag, time.Duration(0))
	assert.EqualValues(t, 4, reader.Reads())
}

func TestRunInconsistent(t *testing.T) {
	writer := storetest.New("primary")
	reader := storetest.New("replica")
	reader.ReadFunc = func(context.Context, string) (string, bool, error) {
		return "stale", true, nil
	}

	out, err := Run(context.Background(), writer, reader, "k", "v", fastPolicy(3))
	require.NoError(t, err)

	assert.Equal(t, KindInconsistent, out.Kind)
	assert.Equal(t, 4, out.Attempts)
	assert.False(t, out.Failed())
}

func TestRunZeroRetries(t *testing.T) {
	writer := storetest.New("primary")
	reader := storetest.LaggingReader(writer, 1)

	out, err := Run(context.Background(), writer, reader, "k", "v", fastPolicy(0))
	require.NoError(t, err)

	assert.Equal(t, KindInconsistent, out.Kind)
	assert.Equal(t, 1, out.Attempts)
}

func TestRunWriteFailed(t *testing.T) {
	writer := storetest.Failing("primary")
	reader := storetest.New("replica")

	out, err := Run(context.Background(), writer, reader, "k", "v", fastPolicy(5))
	require.NoError(t, err)

	assert.Equal(t, KindError, out.Kind)
	assert.Equal(t, ErrorWriteFailed, out.ErrorKind)
	assert.Equal(t, store.ClassConnection, store.Classify(out.Err))
	assert.True(t, out.Failed())
	assert.Zero(t, reader.Reads(), "no read after a failed write")
}

func TestRunReadFailed(t *testing.T) {
	writer := storetest.New("primary")
	reader := storetest.Failing("replica")

	out, err := Run(context.Background(), writer, reader, "k", "v", fastPolicy(5))
	require.NoError(t, err)

	assert.Equal(t, KindError, out.Kind)
	assert.Equal(t, ErrorReadFailed, out.ErrorKind)
	assert.Equal(t, 1, out.Attempts)
}

func TestRunReadFailsAfterMisses(t *testing.T) {
	writer := storetest.New("primary")
	reader := storetest.New("replica")
	calls := 0
	reader.ReadFunc = func(context.Context, string) (string, bool, error) {
		calls++
		if calls < 3 {
			return "", false, nil
		}
		return "", false, store.ErrConnection
	}

	out, err := Run(context.Background(), writer, reader, "k", "v", fastPolicy(5))
	require.NoError(t, err)

	assert.Equal(t, ErrorReadFailed, out.ErrorKind)
	assert.Equal(t, 3, out.Attempts)
}

func TestRunCanceledDuringRetry(t *testing.T) {
	writer := storetest.New("primary")
	reader := storetest.LaggingReader(writer, 1000)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := Run(ctx, writer, reader, "k", "v", RetryPolicy{MaxAttempts: 100, Delay: 10 * time.Millisecond})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func seedStock(t *testing.T, s *storetest.Stub, n string) {
	t.Helper()
	require.NoError(t, s.Write(context.Background(), "inventory", n))
}

func TestRunPurchase(t *testing.T) {
	writer, reader := storetest.Shared()
	seedStock(t, writer, "2")

	out, err := RunPurchase(context.Background(), writer, reader, "inventory", "inventory:sold", fastPolicy(3))
	require.NoError(t, err)
	assert.Equal(t, KindConsistent, out.Kind)
	assert.Equal(t, PurchaseSold, out.Purchase)

	v, _, _ := writer.Read(context.Background(), "inventory")
	assert.Equal(t, "1", v)
	sold, _, _ := writer.Read(context.Background(), "inventory:sold")
	assert.Equal(t, "1", sold)
}

func TestRunPurchaseSoldOut(t *testing.T) {
	writer, reader := storetest.Shared()
	seedStock(t, writer, "0")
	writes := writer.Writes()

	out, err := Seckill("inventory:sold")(context.Background(), writer, reader, "inventory", "", fastPolicy(3))
	require.NoError(t, err)
	assert.Equal(t, KindConsistent, out.Kind)
	assert.Equal(t, PurchaseSoldOut, out.Purchase)
	assert.Equal(t, writes, writer.Writes(), "no decrement once stock is gone")

	v, _, _ := writer.Read(context.Background(), "inventory")
	assert.Equal(t, "0", v)
	_, found, _ := writer.Read(context.Background(), "inventory:sold")
	assert.False(t, found)
}

func TestRunPurchaseRollsBackOversell(t *testing.T) {
	writer := storetest.New("primary")
	seedStock(t, writer, "0")
	reader := storetest.New("replica")
	reader.ReadFunc = func(context.Context, string) (string, bool, error) {
		return "0", true, nil
	}
	// 確認と減算の間に最後の在庫が他の購入者に取られた状態を再現する
	guard := storetest.New("stale")
	guard.ReadFunc = func(context.Context, string) (string, bool, error) {
		return "1", true, nil
	}
	guard.CounterFunc = func(ctx context.Context, key string, delta int64) (int64, error) {
		if delta < 0 {
			return writer.Decr(ctx, key)
		}
		return writer.Incr(ctx, key)
	}

	out, err := RunPurchase(context.Background(), guard, reader, "inventory", "inventory:sold", fastPolicy(2))
	require.NoError(t, err)
	assert.Equal(t, PurchaseOversold, out.Purchase)
	assert.Equal(t, KindConsistent, out.Kind)

	v, _, _ := writer.Read(context.Background(), "inventory")
	assert.Equal(t, "0", v, "oversold decrement is rolled back")
	_, found, _ := writer.Read(context.Background(), "inventory:sold")
	assert.False(t, found)
}

func TestRunPurchaseStaleReplica(t *testing.T) {
	writer := storetest.New("primary")
	seedStock(t, writer, "5")
	reader := storetest.New("replica")
	reader.ReadFunc = func(context.Context, string) (string, bool, error) {
		return "100", true, nil
	}

	out, err := RunPurchase(context.Background(), writer, reader, "inventory", "inventory:sold", fastPolicy(2))
	require.NoError(t, err)
	assert.Equal(t, KindInconsistent, out.Kind)
	assert.Equal(t, PurchaseSold, out.Purchase)
	assert.Equal(t, 3, out.Attempts)
}

func TestRunPurchaseWriteFailed(t *testing.T) {
	out, err := Seckill("sold")(context.Background(), storetest.Failing("primary"), storetest.New("replica"), "inventory", "", fastPolicy(2))
	require.NoError(t, err)
	assert.Equal(t, ErrorWriteFailed, out.ErrorKind)
	assert.Equal(t, PurchaseNone, out.Purchase)
}

func TestPurchaseString(t *testing.T) {
	assert.Equal(t, "sold", PurchaseSold.String())
	assert.Equal(t, "sold_out", PurchaseSoldOut.String())
	assert.Equal(t, "oversold", PurchaseOversold.String())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "consistent", KindConsistent.String())
	assert.Equal(t, "eventually_consistent", KindEventuallyConsistent.String())
	assert.Equal(t, "inconsistent", KindInconsistent.String())
	assert.Equal(t, "error", KindError.String())
	assert.Equal(t, "read_failed", ErrorReadFailed.String())
	assert.Equal(t, "write_failed", ErrorWriteFailed.String())
}

package memstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cap-harness/internal/store"
)

func startedNode(t *testing.T, role Role) *Node {
	t.Helper()
	n := NewNode("node-1", role)
	require.NoError(t, n.Start())
	t.Cleanup(func() { _ = n.Stop() })
	return n
}

func TestNodeLifecycle(t *testing.T) {
	n := NewNode("node-1", RolePrimary)
	assert.Equal(t, "node-1", n.Name())
	assert.Equal(t, StatusStopped, n.Status())

	require.NoError(t, n.Start())
	assert.Error(t, n.Start(), "double start")
	assert.Equal(t, StatusRunning, n.Status())

	require.NoError(t, n.Suspend())
	assert.Equal(t, StatusSuspended, n.Status())
	assert.Error(t, n.Suspend())
	require.NoError(t, n.Resume())
	assert.Error(t, n.Resume())

	require.NoError(t, n.Stop())
	assert.Error(t, n.Stop(), "double stop")
}

func TestNodeWriteRead(t *testing.T) {
	n := startedNode(t, RolePrimary)
	ctx := context.Background()

	require.NoError(t, n.Write(ctx, "k", "v"))
	v, found, err := n.Read(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", v)

	_, found, err = n.Read(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	assert.Equal(t, 1, n.Size())
	assert.Equal(t, []string{"k"}, n.Keys())
}

func TestNodeUnavailable(t *testing.T) {
	n := NewNode("node-1", RolePrimary)
	ctx := context.Background()

	err := n.Write(ctx, "k", "v")
	require.Error(t, err)
	assert.Equal(t, store.ClassConnection, store.Classify(err))

	require.NoError(t, n.Start())
	require.NoError(t, n.Suspend())

	_, _, err = n.Read(ctx, "k")
	assert.Equal(t, store.ClassConnection, store.Classify(err))
	assert.Equal(t, store.ClassConnection, store.Classify(n.Ping(ctx)))
}

func TestReplicaIsReadOnly(t *testing.T) {
	n := startedNode(t, RoleReplica)
	ctx := context.Background()

	err := n.Write(ctx, "k", "v")
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.Equal(t, store.ClassOther, store.Classify(err))

	_, err = n.Incr(ctx, "c")
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestNodeCounters(t *testing.T) {
	n := startedNode(t, RolePrimary)
	ctx := context.Background()

	v, err := n.Incr(ctx, "stock")
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)

	v, err = n.Decr(ctx, "stock")
	require.NoError(t, err)
	assert.EqualValues(t, 0, v)

	require.NoError(t, n.Write(ctx, "name", "abc"))
	_, err = n.Incr(ctx, "name")
	assert.Error(t, err)
}

func TestNodeConcurrentCounters(t *testing.T) {
	n := startedNode(t, RolePrimary)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = n.Incr(ctx, "stock")
		}()
	}
	wg.Wait()

	v, _, _ := n.Read(ctx, "stock")
	assert.Equal(t, "50", v)
}

func TestNodeDelay(t *testing.T) {
	n := startedNode(t, RolePrimary)
	n.SetDelay(20 * time.Millisecond)
	assert.Equal(t, 20*time.Millisecond, n.Delay())

	start := time.Now()
	require.NoError(t, n.Ping(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, n.Write(ctx, "k", "v"), context.Canceled)
}

func TestStatusAndRoleString(t *testing.T) {
	assert.Equal(t, "stopped", StatusStopped.String())
	assert.Equal(t, "running", StatusRunning.String())
	assert.Equal(t, "suspended", StatusSuspended.String())
	assert.Equal(t, "primary", RolePrimary.String())
	assert.Equal(t, "replica", RoleReplica.String())
}

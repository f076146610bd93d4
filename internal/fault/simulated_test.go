package fault

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cap-harness/internal/memstore"
)

func newCluster(t *testing.T) *memstore.Cluster {
	t.Helper()
	c := memstore.NewCluster(memstore.ClusterConfig{Replicas: 1})
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)
	return c
}

func TestSimulatedPartition(t *testing.T) {
	c := newCluster(t)
	s := NewSimulated(c, ModePartition, 0)
	ctx := context.Background()

	require.NoError(t, s.StartPartition(ctx))
	assert.True(t, c.IsPartitioned())
	assert.Error(t, s.StartPartition(ctx), "window already open")

	mode, open := s.Active()
	assert.True(t, open)
	assert.Equal(t, ModePartition, mode)

	require.NoError(t, s.StopPartition(ctx))
	assert.False(t, c.IsPartitioned())
	require.NoError(t, s.StopPartition(ctx), "stop is idempotent")
}

func TestSimulatedPausePrimary(t *testing.T) {
	c := newCluster(t)
	s := NewSimulated(c, ModePausePrimary, 0)
	ctx := context.Background()

	require.NoError(t, s.StartPartition(ctx))
	assert.Equal(t, memstore.StatusSuspended, c.Primary().Status())
	assert.Error(t, c.Primary().Write(ctx, "k", "v"))

	require.NoError(t, s.StopPartition(ctx))
	assert.Equal(t, memstore.StatusRunning, c.Primary().Status())
}

func TestSimulatedDelay(t *testing.T) {
	c := newCluster(t)
	s := NewSimulated(c, ModeDelay, 15*time.Millisecond)

	require.NoError(t, s.StartPartition(context.Background()))
	for _, n := range c.Nodes() {
		assert.Equal(t, 15*time.Millisecond, n.Delay())
	}
	require.NoError(t, s.StopPartition(context.Background()))
	for _, n := range c.Nodes() {
		assert.Zero(t, n.Delay())
	}
}

func TestSimulatedRandomStats(t *testing.T) {
	c := newCluster(t)
	s := NewSimulated(c, ModeRandom, time.Millisecond)

	for range 5 {
		require.NoError(t, s.StartPartition(context.Background()))
		mode, _ := s.Active()
		assert.NotEqual(t, ModeRandom, mode)
		require.NoError(t, s.StopPartition(context.Background()))
	}
	assert.EqualValues(t, 5, s.Stats().Windows)
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{
		"":              ModePartition,
		"partition":     ModePartition,
		"pause":         ModePausePrimary,
		"pause_primary": ModePausePrimary,
		"DELAY":         ModeDelay,
		"random":        ModeRandom,
	} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
		_ = got.String()
	}

	_, err := ParseMode("meteor")
	assert.Error(t, err)
}

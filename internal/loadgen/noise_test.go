package loadgen

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"cap-harness/internal/store/storetest"
)

func TestNoiseWritesUntilStopped(t *testing.T) {
	target := storetest.New("primary")
	noise := NewNoise(target, NoiseConfig{Writers: 2, Rate: 1000, ValueSize: 64})

	noise.Start(context.Background())
	noise.Start(context.Background())

	assert.Eventually(t, func() bool {
		return noise.Stats().Sent >= 10
	}, time.Second, 5*time.Millisecond)

	stats := noise.Stop()
	assert.GreaterOrEqual(t, stats.Sent, uint64(10))
	assert.Zero(t, stats.Failed)

	after := target.Writes()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, target.Writes(), "no writes after Stop")

	v, found, _ := target.Read(context.Background(), "noise:0")
	assert.True(t, found)
	assert.Len(t, v, 64)
}

func TestNoiseCountsFailures(t *testing.T) {
	noise := NewNoise(storetest.Failing("primary"), NoiseConfig{Writers: 1, Rate: 1000})
	noise.Start(context.Background())

	assert.Eventually(t, func() bool {
		return noise.Stats().Failed > 0
	}, time.Second, 5*time.Millisecond)

	stats := noise.Stop()
	assert.Zero(t, stats.Sent)
}

func TestNoiseStopWithoutStart(t *testing.T) {
	noise := NewNoise(storetest.New("primary"), DefaultNoiseConfig())
	assert.Equal(t, NoiseStats{}, noise.Stop())
}

package scenario

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cap-harness/internal/breaker"
	"cap-harness/internal/events"
	"cap-harness/internal/fault"
	"cap-harness/internal/memstore"
	"cap-harness/internal/metrics"
	"cap-harness/internal/probe"
	"cap-harness/internal/recovery"
	"cap-harness/internal/store"
	"cap-harness/internal/store/storetest"
)

func newCluster(t *testing.T, replicas int, lag time.Duration) *memstore.Cluster {
	t.Helper()
	c := memstore.NewCluster(memstore.ClusterConfig{Name: "t", Replicas: replicas, Lag: lag})
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)
	return c
}

func smallConfig(name string) Config {
	return Config{
		Name:       name,
		Workers:    3,
		Iterations: 5,
		Retry:      probe.RetryPolicy{MaxAttempts: 10, Delay: 2 * time.Millisecond},
		Breaker:    DefaultBreakerConfig(),
		Preflight:  true,
	}
}

func fastRecovery() recovery.Config {
	return recovery.Config{Interval: 2 * time.Millisecond, MaxAttempts: 200, RequireReplica: true}
}

func assertInvariants(t *testing.T, r Result) {
	t.Helper()
	assert.Equal(t, r.Attempted, r.Succeeded+r.Errors)
	assert.Equal(t, r.Succeeded, r.Consistent+r.EventuallyConsistent+r.Inconsistent)
	assert.False(t, r.EndedAt.Before(r.StartedAt))
}

type recordingController struct {
	mu        sync.Mutex
	calls     []string
	startWait time.Duration
	startErr  error
	inner     fault.Controller
}

func (c *recordingController) record(s string) {
	c.mu.Lock()
	c.calls = append(c.calls, s)
	c.mu.Unlock()
}

func (c *recordingController) StartPartition(ctx context.Context) error {
	c.record("start")
	if c.startWait > 0 {
		time.Sleep(c.startWait)
	}
	if c.startErr != nil {
		return c.startErr
	}
	if c.inner != nil {
		return c.inner.StartPartition(ctx)
	}
	return nil
}

func (c *recordingController) StopPartition(ctx context.Context) error {
	c.record("stop")
	if c.inner != nil {
		return c.inner.StopPartition(ctx)
	}
	return nil
}

func (c *recordingController) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func TestRunHealthyCluster(t *testing.T) {
	c := newCluster(t, 2, time.Millisecond)
	var progress atomic.Int64
	runner := NewRunner(c.Primary(), c.ReplicaClients(), WithProgress(func(probe.Outcome) {
		progress.Add(1)
	}))

	result := runner.Run(context.Background(), smallConfig("healthy"))

	assert.Equal(t, "healthy", result.Name)
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, KindReadAfterWrite, result.Kind)
	assert.Equal(t, 15, result.Attempted)
	assert.Zero(t, result.Errors)
	assert.Zero(t, result.Inconsistent)
	assert.False(t, result.TerminatedEarly)
	assert.Empty(t, result.TerminationReason)
	assert.EqualValues(t, 15, progress.Load())
	assert.EqualValues(t, 15, result.Latency.Count)
	assertInvariants(t, result)

	require.Len(t, result.Phases, 2)
	assert.Equal(t, PhasePreflight, result.Phases[0].Name)
	assert.Equal(t, PhaseWorkload, result.Phases[1].Name)
}

func TestRunPreflightFailure(t *testing.T) {
	primary := storetest.Failing("primary")
	runner := NewRunner(primary, []store.Client{storetest.New("replica")})

	result := runner.Run(context.Background(), smallConfig("down"))

	assert.True(t, result.TerminatedEarly)
	assert.Equal(t, ReasonPreflightFailed, result.TerminationReason)
	assert.Zero(t, result.Attempted)
	assert.Zero(t, primary.Writes(), "no workers ran")
	require.Len(t, result.Phases, 1)
	assert.Contains(t, result.Phases[0].Error, "ping primary")
}

func TestRunPreflightReplicaUnreachable(t *testing.T) {
	primary, _ := storetest.Shared()
	runner := NewRunner(primary, []store.Client{storetest.Failing("replica-2")})

	result := runner.Run(context.Background(), smallConfig("replica-down"))

	assert.Equal(t, ReasonPreflightFailed, result.TerminationReason)
	assert.Zero(t, result.Attempted)
}

func TestRunWithoutPreflight(t *testing.T) {
	writer, reader := storetest.Shared()
	config := smallConfig("no-preflight")
	config.Preflight = false

	result := NewRunner(writer, []store.Client{reader}).Run(context.Background(), config)

	require.Len(t, result.Phases, 1)
	assert.Equal(t, 15, result.Consistent)
}

func TestRunBreakerTripsOnFailingWrites(t *testing.T) {
	primary := storetest.New("primary")
	primary.WriteFunc = func(context.Context, string, string) error {
		return store.ErrConnection
	}
	config := smallConfig("failing")
	config.Preflight = false
	config.Workers = 10
	config.Iterations = 50

	result := NewRunner(primary, nil).Run(context.Background(), config)

	assert.True(t, result.TerminatedEarly)
	assert.Contains(t, []string{breaker.ReasonConsecutiveFailures, breaker.ReasonTotalFailures}, result.TerminationReason)
	assert.Less(t, result.Attempted, 500)
	assert.Equal(t, result.Attempted, result.WriteErrors)
	assertInvariants(t, result)
}

func TestRunDeadline(t *testing.T) {
	config := smallConfig("slow")
	config.Preflight = false
	config.Breaker.MaxDuration = 100 * time.Millisecond

	start := time.Now()
	result := NewRunner(storetest.Sleeping("primary", time.Second), nil).Run(context.Background(), config)

	assert.Less(t, time.Since(start), 600*time.Millisecond)
	assert.True(t, result.TerminatedEarly)
	assert.Equal(t, breaker.ReasonDeadline, result.TerminationReason)
}

func TestRunFaultWindowPausePrimary(t *testing.T) {
	c := newCluster(t, 1, time.Millisecond)
	controller := &recordingController{inner: fault.NewSimulated(c, fault.ModePausePrimary, 0)}
	runner := NewRunner(c.Primary(), c.ReplicaClients(), WithFault(controller))

	config := smallConfig("pause")
	config.Fault = &FaultConfig{Recovery: true, RecoveryConfig: fastRecovery()}

	result := runner.Run(context.Background(), config)

	assert.Equal(t, []string{"start", "stop"}, controller.Calls())
	require.Len(t, result.Phases, 4)
	assert.Equal(t, PhaseFault, result.Phases[2].Name)
	assert.Equal(t, PhaseRecovery, result.Phases[3].Name)

	faultPhase := result.Phases[2]
	assert.True(t, faultPhase.TerminatedEarly)
	assert.Equal(t, breaker.ReasonConsecutiveFailures, faultPhase.TerminationReason)
	assert.Positive(t, faultPhase.WriteErrors)

	assert.True(t, result.TerminatedEarly)
	assert.Equal(t, breaker.ReasonConsecutiveFailures, result.TerminationReason)

	require.NotNil(t, result.Recovery)
	assert.True(t, result.Recovery.Recovered)
	assert.Equal(t, memstore.StatusRunning, c.Primary().Status())
	assertInvariants(t, result)
}

func TestRunFaultWindowPartitionShowsStaleReads(t *testing.T) {
	c := newCluster(t, 1, time.Millisecond)
	runner := NewRunner(c.Primary(), c.ReplicaClients(),
		WithFault(fault.NewSimulated(c, fault.ModePartition, 0)))

	config := smallConfig("partition")
	config.Retry = probe.RetryPolicy{MaxAttempts: 1, Delay: time.Millisecond}
	config.Fault = &FaultConfig{Workers: 2, Iterations: 4, Recovery: true, RecoveryConfig: fastRecovery()}

	result := runner.Run(context.Background(), config)

	require.Len(t, result.Phases, 4)
	faultPhase := result.Phases[2]
	assert.Equal(t, 8, faultPhase.Attempted)
	assert.Equal(t, 8, faultPhase.Inconsistent, "replica never sees writes made during the partition")
	assert.False(t, faultPhase.TerminatedEarly, "inconsistency is not a breaker failure by default")

	assert.False(t, c.IsPartitioned())
	require.NotNil(t, result.Recovery)
	assert.True(t, result.Recovery.Recovered)
	assert.Equal(t, 23, result.Attempted)
}

func TestRunFaultWindowPartitionConvergesAfterHeal(t *testing.T) {
	c := newCluster(t, 2, time.Millisecond)
	runner := NewRunner(c.Primary(), c.ReplicaClients(),
		WithFault(fault.NewSimulated(c, fault.ModePartition, 0)))

	config := smallConfig("converge")
	config.Retry = probe.RetryPolicy{MaxAttempts: 1, Delay: time.Millisecond}
	config.Fault = &FaultConfig{Workers: 2, Iterations: 4, Recovery: true, RecoveryConfig: fastRecovery()}

	result := runner.Run(context.Background(), config)

	require.Len(t, result.Phases, 4)
	require.Equal(t, 8, result.Phases[2].Inconsistent)

	require.NotNil(t, result.Recovery)
	assert.Equal(t, 8, result.Recovery.Checked)
	assert.Equal(t, 8, result.Recovery.Converged)
	assert.Zero(t, result.Recovery.Diverged)
}

func TestRunFaultWindowConvergenceIsBounded(t *testing.T) {
	c := newCluster(t, 1, time.Millisecond)
	runner := NewRunner(c.Primary(), c.ReplicaClients(),
		WithFault(fault.NewSimulated(c, fault.ModePartition, 0)))

	config := smallConfig("bounded")
	config.Retry = probe.RetryPolicy{MaxAttempts: 0}
	config.Fault = &FaultConfig{
		Workers: 2, Iterations: 5, Recovery: true, RecoveryConfig: fastRecovery(), ConvergenceKeys: 3,
	}

	result := runner.Run(context.Background(), config)

	require.Equal(t, 10, result.Phases[2].Inconsistent)
	require.NotNil(t, result.Recovery)
	assert.Equal(t, 3, result.Recovery.Checked)
	assert.Equal(t, 3, result.Recovery.Converged)
}

func TestRunFaultWindowReadsReplicasWhilePrimaryPaused(t *testing.T) {
	c := newCluster(t, 2, time.Millisecond)
	runner := NewRunner(c.Primary(), c.ReplicaClients(),
		WithFault(fault.NewSimulated(c, fault.ModePausePrimary, 0)))

	config := smallConfig("replica-reads")
	config.Fault = &FaultConfig{Workers: 1, Iterations: 5, ReplicaKeys: 4}

	result := runner.Run(context.Background(), config)

	require.Len(t, result.Phases, 3)
	faultPhase := result.Phases[2]
	assert.Equal(t, faultPhase.Attempted, faultPhase.WriteErrors, "every write fails while the primary is paused")

	require.NotNil(t, faultPhase.Replicas)
	replicas := faultPhase.Replicas
	assert.Equal(t, 4, replicas.Keys)
	assert.GreaterOrEqual(t, replicas.Reads, 8, "at least one pass over every key on every replica")
	assert.Equal(t, replicas.Reads, replicas.Succeeded)
	assert.Zero(t, replicas.Errors)
	assert.Zero(t, replicas.Stale)
	assert.InDelta(t, 1.0, replicas.SuccessRate(), 1e-9)
}

func TestRunFaultWindowCountsReplicaReadErrors(t *testing.T) {
	writer, reader := storetest.Shared()
	var broken atomic.Bool
	replica := storetest.New("replica")
	replica.ReadFunc = func(ctx context.Context, key string) (string, bool, error) {
		if broken.Load() {
			return "", false, store.Wrap("replica", "read", store.ErrConnection)
		}
		return reader.Read(ctx, key)
	}
	runner := NewRunner(writer, []store.Client{replica}, WithFault(breakReplica{&broken}))

	config := smallConfig("replica-down")
	config.Breaker.MaxConsecutiveFailures = 1000
	config.Breaker.MaxTotalFailures = 1000
	config.Fault = &FaultConfig{Workers: 1, Iterations: 3, ReplicaKeys: 2}

	result := runner.Run(context.Background(), config)

	faultPhase := result.Phases[len(result.Phases)-1]
	require.Equal(t, PhaseFault, faultPhase.Name)
	require.NotNil(t, faultPhase.Replicas)
	assert.Positive(t, faultPhase.Replicas.Errors)
	assert.Zero(t, faultPhase.Replicas.Succeeded)
	assert.Equal(t, faultPhase.Replicas.Reads, faultPhase.Replicas.Errors)
}

type breakReplica struct{ broken *atomic.Bool }

func (b breakReplica) StartPartition(context.Context) error {
	b.broken.Store(true)
	return nil
}

func (b breakReplica) StopPartition(context.Context) error {
	b.broken.Store(false)
	return nil
}

func TestRunInconsistentAsFailure(t *testing.T) {
	c := newCluster(t, 1, time.Millisecond)
	runner := NewRunner(c.Primary(), c.ReplicaClients(),
		WithFault(fault.NewSimulated(c, fault.ModePartition, 0)))

	config := smallConfig("strict")
	config.Retry = probe.RetryPolicy{MaxAttempts: 0}
	config.Breaker.InconsistentAsFailure = true
	config.Fault = &FaultConfig{Workers: 1, Iterations: 20}

	result := runner.Run(context.Background(), config)

	assert.True(t, result.TerminatedEarly)
	assert.Equal(t, breaker.ReasonConsecutiveFailures, result.TerminationReason)
}

func TestRunOperatorWaitIsNotCounted(t *testing.T) {
	writer, reader := storetest.Shared()
	controller := &recordingController{startWait: 150 * time.Millisecond}
	runner := NewRunner(writer, []store.Client{reader}, WithFault(controller))

	config := smallConfig("operator")
	config.Breaker.MaxDuration = 100 * time.Millisecond
	config.Fault = &FaultConfig{}

	result := runner.Run(context.Background(), config)

	assert.False(t, result.TerminatedEarly, result.TerminationReason)
	assert.Equal(t, 30, result.Attempted)
	assert.Equal(t, []string{"start", "stop"}, controller.Calls())
}

func TestRunFaultStartError(t *testing.T) {
	writer, reader := storetest.Shared()
	controller := &recordingController{startErr: fault.ErrAborted}
	runner := NewRunner(writer, []store.Client{reader}, WithFault(controller))

	config := smallConfig("aborted")
	config.Fault = &FaultConfig{}

	result := runner.Run(context.Background(), config)

	assert.True(t, result.TerminatedEarly)
	assert.True(t, strings.HasPrefix(result.TerminationReason, ReasonOrchestrationError))
	assert.Equal(t, []string{"start"}, controller.Calls(), "stop only follows a started window")
	assert.Equal(t, 15, result.Attempted, "workload results are kept")
}

type panickingController struct{}

func (panickingController) StartPartition(context.Context) error { panic("controller exploded") }
func (panickingController) StopPartition(context.Context) error  { return nil }

func TestRunRecoversPanics(t *testing.T) {
	writer, reader := storetest.Shared()
	runner := NewRunner(writer, []store.Client{reader}, WithFault(panickingController{}))

	config := smallConfig("panic")
	config.Fault = &FaultConfig{}

	result := runner.Run(context.Background(), config)

	assert.True(t, result.TerminatedEarly)
	assert.Equal(t, "orchestration_error: controller exploded", result.TerminationReason)
	assert.Equal(t, 15, result.Attempted)
	assertInvariants(t, result)
}

func TestRunStopsPartitionWhenCanceled(t *testing.T) {
	writer, reader := storetest.Shared()
	controller := &recordingController{}
	runner := NewRunner(writer, []store.Client{reader}, WithFault(controller))

	ctx, cancel := context.WithCancel(context.Background())
	var n atomic.Int64
	runner.progress = func(probe.Outcome) {
		if n.Add(1) == 20 {
			cancel()
		}
	}

	config := smallConfig("cancel")
	config.Pacing = time.Millisecond
	config.Fault = &FaultConfig{Iterations: 100}

	result := runner.Run(ctx, config)

	assert.Equal(t, []string{"start", "stop"}, controller.Calls())
	assert.True(t, result.TerminatedEarly)
	assert.Equal(t, breaker.ReasonCanceled, result.TerminationReason)
}

func TestRunCounterScenario(t *testing.T) {
	c := newCluster(t, 1, time.Millisecond)
	runner := NewRunner(c.Primary(), c.ReplicaClients())

	config := FlashSaleScenario()
	config.Retry = probe.RetryPolicy{MaxAttempts: 20, Delay: 2 * time.Millisecond}

	result := runner.Run(context.Background(), config)

	assert.Equal(t, KindCounter, result.Kind)
	assert.Equal(t, 200, result.Attempted)
	assert.Zero(t, result.Errors)
	assert.Zero(t, result.Inconsistent)
	assertInvariants(t, result)

	assert.Equal(t, 100, result.Sold)
	assert.Equal(t, 100, result.SoldOut+result.Oversold)

	require.NotNil(t, result.Stock)
	assert.Empty(t, result.Stock.Error)
	assert.EqualValues(t, 100, result.Stock.Initial)
	assert.EqualValues(t, 0, result.Stock.Remaining)
	assert.EqualValues(t, 100, result.Stock.Sold)
	assert.False(t, result.Stock.Oversold)

	v, _, err := c.Primary().Read(context.Background(), "seckill:product:1001:stock")
	require.NoError(t, err)
	assert.Equal(t, "0", v)
	sold, _, err := c.Primary().Read(context.Background(), "seckill:product:1001:sold")
	require.NoError(t, err)
	assert.Equal(t, "100", sold)
}

func TestRunCounterScenarioCountsRolledBackOversell(t *testing.T) {
	writer, reader := storetest.Shared()
	primary := storetest.New("primary")
	primary.WriteFunc = writer.Write
	primary.CounterFunc = func(ctx context.Context, key string, delta int64) (int64, error) {
		if delta < 0 {
			return writer.Decr(ctx, key)
		}
		return writer.Incr(ctx, key)
	}
	// 購入者の在庫確認にだけ古い値を返すプライマリ
	var guards atomic.Int64
	primary.ReadFunc = func(ctx context.Context, key string) (string, bool, error) {
		if strings.HasSuffix(key, ":stock") && guards.Add(1) <= 10 {
			return "1", true, nil
		}
		return writer.Read(ctx, key)
	}

	config := smallConfig("oversell")
	config.Kind = KindCounter
	config.KeyPrefix = "seckill"
	config.InitialStock = 3
	config.Workers = 2
	config.Iterations = 5

	result := NewRunner(primary, []store.Client{reader}).Run(context.Background(), config)

	assert.Equal(t, 10, result.Attempted)
	assert.Equal(t, 3, result.Sold)
	assert.Equal(t, 7, result.Oversold)
	assert.Zero(t, result.SoldOut)

	require.NotNil(t, result.Stock)
	assert.EqualValues(t, 0, result.Stock.Remaining)
	assert.EqualValues(t, 3, result.Stock.Sold)
	assert.False(t, result.Stock.Oversold)
}

func TestRunCounterScenarioDetectsOversell(t *testing.T) {
	writer, reader := storetest.Shared()
	primary := storetest.New("primary")
	primary.WriteFunc = writer.Write
	var guards atomic.Int64
	primary.ReadFunc = func(ctx context.Context, key string) (string, bool, error) {
		if strings.HasSuffix(key, ":stock") && guards.Add(1) <= 4 {
			return "1", true, nil
		}
		return writer.Read(ctx, key)
	}
	// 負の減算結果を0と報告し、戻しを行わせないストア
	primary.CounterFunc = func(ctx context.Context, key string, delta int64) (int64, error) {
		if delta > 0 {
			return writer.Incr(ctx, key)
		}
		n, err := writer.Decr(ctx, key)
		return max(n, 0), err
	}

	config := smallConfig("undetected")
	config.Kind = KindCounter
	config.KeyPrefix = "seckill"
	config.InitialStock = 2
	config.Workers = 1
	config.Iterations = 4

	result := NewRunner(primary, []store.Client{reader}).Run(context.Background(), config)

	require.NotNil(t, result.Stock)
	assert.EqualValues(t, -2, result.Stock.Remaining)
	assert.EqualValues(t, 4, result.Stock.Sold)
	assert.True(t, result.Stock.Oversold)
}

func TestRunNoiseWriters(t *testing.T) {
	c := newCluster(t, 1, time.Millisecond)
	config := smallConfig("noisy")
	config.NoiseWriters = 2
	config.NoiseRate = 2000
	config.Pacing = 5 * time.Millisecond

	result := NewRunner(c.Primary(), c.ReplicaClients()).Run(context.Background(), config)

	require.NotNil(t, result.Noise)
	assert.Positive(t, result.Noise.Sent)
	assert.Equal(t, 15, result.Attempted)
}

func TestRunLargePayload(t *testing.T) {
	c := newCluster(t, 1, time.Millisecond)
	config := LargePayloadScenario()
	config.Iterations = 1
	config.Retry = probe.RetryPolicy{MaxAttempts: 10, Delay: 5 * time.Millisecond}

	result := NewRunner(c.Primary(), c.ReplicaClients()).Run(context.Background(), config)

	assert.Equal(t, 1, result.Succeeded)
	for _, key := range c.Primary().Keys() {
		if strings.HasPrefix(key, "large:data:workload") {
			v, _, _ := c.Primary().Read(context.Background(), key)
			assert.Len(t, v, 1<<20)
		}
	}
}

func TestRunPublishesEventsAndMetrics(t *testing.T) {
	writer, reader := storetest.Shared()
	bus := events.NewBus()
	sub := bus.Subscribe()
	collector := metrics.NewCollector(prometheus.NewRegistry())

	runner := NewRunner(writer, []store.Client{reader}, WithEventBus(bus), WithCollector(collector))
	config := smallConfig("observed")
	config.Workers = 1
	config.Iterations = 2

	result := runner.Run(context.Background(), config)

	var types []events.EventType
	for len(sub) > 0 {
		e := <-sub
		assert.Equal(t, result.RunID, e.RunID)
		types = append(types, e.Type)
	}
	require.NotEmpty(t, types)
	assert.Equal(t, events.EventScenarioStart, types[0])
	assert.Equal(t, events.EventScenarioEnd, types[len(types)-1])
	assert.Contains(t, types, events.EventProbe)
}

func TestRunAll(t *testing.T) {
	writer, reader := storetest.Shared()
	runner := NewRunner(writer, []store.Client{reader})

	results := runner.RunAll(context.Background(), []Config{smallConfig("a"), smallConfig("b")})
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].Name)
	assert.Equal(t, "b", results[1].Name)
	assert.NotEqual(t, results[0].RunID, results[1].RunID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Empty(t, runner.RunAll(ctx, []Config{smallConfig("c")}))
}

func TestResultRates(t *testing.T) {
	var r Result
	assert.Zero(t, r.SuccessRate())

	r.Attempted = 10
	r.Succeeded = 8
	r.Errors = 2
	r.Consistent = 4
	r.EventuallyConsistent = 2
	r.Inconsistent = 2

	assert.InDelta(t, 0.8, r.SuccessRate(), 1e-9)
	assert.InDelta(t, 0.2, r.ErrorRate(), 1e-9)
	assert.InDelta(t, 0.25, r.InconsistencyRate(), 1e-9)
	assert.InDelta(t, 0.25, r.EventualRate(), 1e-9)
}

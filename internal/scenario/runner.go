package scenario

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"cap-harness/internal/breaker"
	"cap-harness/internal/events"
	"cap-harness/internal/fault"
	"cap-harness/internal/loadgen"
	"cap-harness/internal/logger"
	"cap-harness/internal/metrics"
	"cap-harness/internal/probe"
	"cap-harness/internal/recovery"
	"cap-harness/internal/store"
)

// Runner はシナリオを実行する
type Runner struct {
	primary  store.Client
	replicas []store.Client

	fault     fault.Controller
	bus       *events.Bus
	collector *metrics.Collector
	zap       *zap.Logger
	progress  func(probe.Outcome)
}

// Option はRunnerの設定関数
type Option func(*Runner)

// WithFault は障害ウィンドウのControllerを設定する
func WithFault(c fault.Controller) Option {
	return func(r *Runner) {
		r.fault = c
	}
}

// WithEventBus は進捗イベントの発行先を設定する
func WithEventBus(bus *events.Bus) Option {
	return func(r *Runner) {
		r.bus = bus
	}
}

// WithCollector はPrometheusメトリクスの記録先を設定する
func WithCollector(c *metrics.Collector) Option {
	return func(r *Runner) {
		r.collector = c
	}
}

// WithLogger はブレーカーが使うロガーを設定する
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.zap = l
		}
	}
}

// WithProgress はプローブ結果ごとに呼ばれるコールバックを設定する
func WithProgress(fn func(probe.Outcome)) Option {
	return func(r *Runner) {
		r.progress = fn
	}
}

// NewRunner は新しいRunnerを作成する
// replicasが空の場合はプライマリから読み返す
func NewRunner(primary store.Client, replicas []store.Client, opts ...Option) *Runner {
	r := &Runner{
		primary:  primary,
		replicas: replicas,
		zap:      logger.Zap(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunAll は複数のシナリオを順に実行する。ctxが終わった時点で残りは実行しない
func (r *Runner) RunAll(ctx context.Context, configs []Config) []Result {
	results := make([]Result, 0, len(configs))
	for _, c := range configs {
		if ctx.Err() != nil {
			break
		}
		results = append(results, r.Run(ctx, c))
	}
	return results
}

// Run はシナリオを実行し、封印済みの結果を返す
func (r *Runner) Run(ctx context.Context, config Config) (result Result) {
	config = config.withDefaults()
	runID := uuid.NewString()
	start := time.Now()
	b := newBuilder(config.Name, runID, config.Kind, start)

	logger.Info(config.Name, "=== scenario started (run %s) ===", runID)
	if config.Description != "" {
		logger.Info(config.Name, "%s", config.Description)
	}
	r.bus.Publish(events.NewScenarioStartEvent(runID, config.Name))

	defer func() {
		if p := recover(); p != nil {
			logger.Error(config.Name, "scenario panicked: %v", p)
			b.terminate(fmt.Sprintf("%s: %v", ReasonOrchestrationError, p))
		}
		result = b.seal(time.Now())

		if r.collector != nil {
			r.collector.ObserveScenario(config.Name, result.TerminatedEarly)
		}
		r.bus.Publish(events.NewScenarioEndEvent(runID, config.Name, result.TerminationReason,
			time.Duration(result.ElapsedMs)*time.Millisecond))
		logger.Info(config.Name, "=== scenario completed: attempted=%d errors=%d (%dms) ===",
			result.Attempted, result.Errors, result.ElapsedMs)
	}()

	r.run(ctx, config, runID, b)
	return result
}

func (r *Runner) run(ctx context.Context, config Config, runID string, b *builder) {
	if config.Preflight {
		if err := r.preflight(ctx, config, runID, b); err != nil {
			b.terminate(ReasonPreflightFailed)
			return
		}
	}

	if config.Kind == KindCounter {
		if err := r.seedCounter(ctx, config); err != nil {
			b.terminate(fmt.Sprintf("%s: %v", ReasonOrchestrationError, err))
			return
		}
		defer r.auditStock(context.WithoutCancel(ctx), config, b)
	}

	if config.NoiseWriters > 0 {
		noise := loadgen.NewNoise(r.primary, loadgen.NoiseConfig{
			Writers:   config.NoiseWriters,
			Rate:      rate.Limit(config.NoiseRate),
			KeyPrefix: config.KeyPrefix + ":noise",
			ValueSize: max(config.ValueSize, 1024),
		})
		noise.Start(ctx)
		defer func() {
			stats := noise.Stop()
			b.result.Noise = &stats
		}()
	}

	workload := r.runPhase(ctx, config, runID, PhaseWorkload, config.Workers, config.Iterations, nil)
	b.addReport(PhaseWorkload, workload)
	if workload.TerminatedEarly {
		return
	}

	if config.Fault != nil {
		r.faultWindow(ctx, config, runID, b)
	}
}

// preflight は全エンドポイントへのPingとプライマリでの往復を確認する
func (r *Runner) preflight(ctx context.Context, config Config, runID string, b *builder) error {
	start := time.Now()
	r.bus.Publish(events.NewPhaseStartEvent(runID, config.Name, PhasePreflight))

	err := r.checkEndpoints(ctx, config, runID)

	phase := PhaseResult{Name: PhasePreflight, ElapsedMs: time.Since(start).Milliseconds()}
	reason := ""
	if err != nil {
		phase.TerminatedEarly = true
		phase.TerminationReason = ReasonPreflightFailed
		phase.Error = err.Error()
		reason = ReasonPreflightFailed
		logger.Error(config.Name, "preflight failed: %v", err)
	} else {
		logger.Info(config.Name, "preflight ok (%d endpoints)", 1+len(r.replicas))
	}
	b.result.Phases = append(b.result.Phases, phase)
	r.bus.Publish(events.NewPhaseEndEvent(runID, config.Name, PhasePreflight, reason, time.Since(start)))
	return err
}

func (r *Runner) checkEndpoints(ctx context.Context, config Config, runID string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range append([]store.Client{r.primary}, r.replicas...) {
		g.Go(func() error {
			if err := c.Ping(gctx); err != nil {
				return fmt.Errorf("ping %s: %w", c.Name(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	key := fmt.Sprintf("%s:preflight:%s", config.KeyPrefix, runID)
	out, err := probe.Run(ctx, r.primary, r.primary, key, "ok-"+runID, probe.RetryPolicy{})
	if err != nil {
		return err
	}
	if out.Kind != probe.KindConsistent {
		if out.Err != nil {
			return fmt.Errorf("round trip on %s: %s: %w", r.primary.Name(), out.ErrorKind, out.Err)
		}
		return fmt.Errorf("round trip on %s: %s", r.primary.Name(), out.Kind)
	}
	return nil
}

func (r *Runner) seedCounter(ctx context.Context, config Config) error {
	key := counterKey(config)
	if err := r.primary.Write(ctx, key, strconv.FormatInt(config.InitialStock, 10)); err != nil {
		return fmt.Errorf("seed %s: %w", key, err)
	}
	if err := r.primary.Write(ctx, soldKey(config), "0"); err != nil {
		return fmt.Errorf("seed %s: %w", soldKey(config), err)
	}
	logger.Info(config.Name, "stock %s set to %d", key, config.InitialStock)
	return nil
}

// auditStock はプライマリの最終在庫と販売数を読み、超過販売がないか確認する
func (r *Runner) auditStock(ctx context.Context, config Config, b *builder) {
	audit := &StockAudit{Initial: config.InitialStock}
	b.result.Stock = audit

	remaining, err := readInt(ctx, r.primary, counterKey(config))
	if err != nil {
		audit.Error = err.Error()
		logger.Error(config.Name, "stock audit failed: %v", err)
		return
	}
	sold, err := readInt(ctx, r.primary, soldKey(config))
	if err != nil {
		audit.Error = err.Error()
		logger.Error(config.Name, "stock audit failed: %v", err)
		return
	}
	audit.Remaining = remaining
	audit.Sold = sold
	audit.Oversold = remaining < 0 || sold > audit.Initial || sold+remaining != audit.Initial

	if audit.Oversold {
		logger.Error(config.Name, "oversell detected: initial=%d remaining=%d sold=%d", audit.Initial, remaining, sold)
		return
	}
	logger.Info(config.Name, "stock audit ok: remaining=%d sold=%d sold_out=%d rolled_back=%d",
		remaining, sold, b.result.SoldOut, b.result.Oversold)
}

func readInt(ctx context.Context, c store.Client, key string) (int64, error) {
	v, found, err := c.Read(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", key, err)
	}
	if !found {
		return 0, fmt.Errorf("read %s: missing", key)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", key, err)
	}
	return n, nil
}

func counterKey(config Config) string {
	return config.KeyPrefix + ":stock"
}

func soldKey(config Config) string {
	return config.KeyPrefix + ":sold"
}

// faultWindow は障害を開始し、負荷を掛け、必ず障害を終了させる
func (r *Runner) faultWindow(ctx context.Context, config Config, runID string, b *builder) {
	controller := r.fault
	if controller == nil {
		controller = fault.Noop{}
	}

	avail := r.seedAvailability(ctx, config, runID)

	logger.Warn(config.Name, "opening fault window")
	if err := controller.StartPartition(ctx); err != nil {
		reason := fmt.Sprintf("%s: %v", ReasonOrchestrationError, err)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			reason = breaker.ReasonCanceled
		}
		b.addPhase(PhaseResult{
			Name:              PhaseFault,
			TerminatedEarly:   true,
			TerminationReason: reason,
			Error:             err.Error(),
		})
		return
	}
	r.bus.Publish(events.NewFaultStartEvent(runID, config.Name, fmt.Sprintf("%T", controller)))

	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		err := controller.StopPartition(context.WithoutCancel(ctx))
		r.bus.Publish(events.NewFaultStopEvent(runID, config.Name, err))
		if err != nil {
			logger.Error(config.Name, "failed to close fault window: %v", err)
			b.terminate(fmt.Sprintf("%s: stop partition: %v", ReasonOrchestrationError, err))
			return
		}
		logger.Info(config.Name, "fault window closed")
	}
	defer stop()

	if avail != nil {
		avail.start(ctx)
		defer avail.halt()
	}
	divergent := newKeySample(config.Fault.ConvergenceKeys)
	report := r.runPhase(ctx, config, runID, PhaseFault, config.Fault.Workers, config.Fault.Iterations, divergent)
	phase := b.reportPhase(PhaseFault, report)
	if avail != nil {
		replicas := avail.finish(config.Name)
		phase.Replicas = &replicas
	}
	b.addPhase(phase)

	stop()

	if config.Fault.Recovery && ctx.Err() == nil {
		r.watchRecovery(ctx, config, runID, b, divergent.Keys())
	}
}

// seedAvailability は障害中にレプリカから読むキーを書き込む
// 失敗した場合は確認を行わずnilを返す
func (r *Runner) seedAvailability(ctx context.Context, config Config, runID string) *availabilityChecker {
	if len(r.replicas) == 0 {
		return nil
	}
	a := newAvailabilityChecker(r.replicas, config.Retry.Delay)
	policy := probe.RetryPolicy{MaxAttempts: 50, Delay: max(config.Retry.Delay, 5*time.Millisecond)}
	if err := a.seed(ctx, r.primary, config.KeyPrefix, runID, config.Fault.ReplicaKeys, policy); err != nil {
		logger.Warn(config.Name, "replica availability keys not ready, skipping check: %v", err)
		return nil
	}
	return a
}

func (r *Runner) watchRecovery(ctx context.Context, config Config, runID string, b *builder, divergent []string) {
	r.bus.Publish(events.NewPhaseStartEvent(runID, config.Name, PhaseRecovery))

	w := recovery.New(r.primary, r.replicas, config.Fault.RecoveryConfig)
	res := w.Watch(ctx, fmt.Sprintf("%s:recovery:%s", config.KeyPrefix, runID))
	if len(divergent) > 0 {
		res.Convergence = w.Converge(ctx, divergent)
	}
	b.result.Recovery = &res

	phase := PhaseResult{Name: PhaseRecovery, ElapsedMs: res.Elapsed.Milliseconds(), Error: res.Error}
	b.result.Phases = append(b.result.Phases, phase)

	if res.Recovered {
		if r.collector != nil {
			r.collector.ObserveRecovery(config.Name, res.Elapsed)
		}
		r.bus.Publish(events.NewRecoverySuccessEvent(runID, config.Name, res.Attempts, res.Elapsed))
	} else {
		r.bus.Publish(events.NewRecoveryFailedEvent(runID, config.Name, res.Attempts, errors.New(res.Error)))
	}
	r.bus.Publish(events.NewPhaseEndEvent(runID, config.Name, PhaseRecovery, "", res.Elapsed))
}

// runPhase は新しいブレーカーでLoadGeneratorを実行する
// sampleがnilでなければ不整合だったキーを記録する
func (r *Runner) runPhase(ctx context.Context, config Config, runID, phase string, workers, iterations int, sample *keySample) loadgen.Report {
	r.bus.Publish(events.NewPhaseStartEvent(runID, config.Name, phase))

	opts := append(config.Breaker.options(),
		breaker.WithLogger(r.zap.With(
			zap.String("scenario", config.Name),
			zap.String("run_id", runID),
			zap.String("phase", phase),
		)),
		breaker.WithOnTrip(func(reason string) {
			if r.collector != nil {
				r.collector.ObserveTrip(config.Name, reason)
			}
			r.bus.Publish(events.NewBreakerTripEvent(runID, config.Name, phase, reason))
		}),
	)
	b := breaker.New(opts...)

	gen := loadgen.New(loadgen.Config{
		Name:       config.Name + "/" + phase,
		Workers:    workers,
		Iterations: iterations,
		Writer:     r.primary,
		Readers:    r.replicas,
		KeyFn:      keyFn(config, phase),
		ValueFn:    valueFn(config, runID),
		Probe:      probeFunc(config),
		Retry:      config.Retry,
		Pacing:     config.Pacing,
		OnOutcome: func(o probe.Outcome) {
			if r.collector != nil {
				r.collector.ObserveOutcome(config.Name, o)
			}
			r.bus.Publish(events.NewProbeEvent(runID, config.Name, phase, o))
			if sample != nil && o.Kind == probe.KindInconsistent {
				sample.Add(o.Key)
			}
			if r.progress != nil {
				r.progress(o)
			}
		},
	})

	report := gen.Run(ctx, b)
	r.bus.Publish(events.NewPhaseEndEvent(runID, config.Name, phase, report.TerminationReason, report.Elapsed))
	return report
}

func keyFn(config Config, phase string) func(worker, iteration int) string {
	if config.Kind == KindCounter {
		key := counterKey(config)
		return func(int, int) string { return key }
	}
	return func(w, i int) string {
		return fmt.Sprintf("%s:%s:%d:%d", config.KeyPrefix, phase, w, i)
	}
}

func valueFn(config Config, runID string) func(worker, iteration int) string {
	short := runID[:8]
	return func(w, i int) string {
		prefix := fmt.Sprintf("%s-%d-%d-%d:", short, w, i, time.Now().UnixNano())
		return loadgen.Payload(prefix, config.ValueSize)
	}
}

func probeFunc(config Config) probe.Func {
	if config.Kind == KindCounter {
		return probe.Seckill(soldKey(config))
	}
	return probe.Run
}

// keySample は重複を除いたキーを上限まで保持する
type keySample struct {
	mu    sync.Mutex
	limit int
	seen  map[string]struct{}
	keys  []string
}

func newKeySample(limit int) *keySample {
	return &keySample{limit: limit, seen: make(map[string]struct{})}
}

// Add はkeyを追加する。上限に達した後は無視する
func (s *keySample) Add(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.keys) >= s.limit {
		return
	}
	if _, ok := s.seen[key]; ok {
		return
	}
	s.seen[key] = struct{}{}
	s.keys = append(s.keys, key)
}

// Keys は追加順のキーを返す
func (s *keySample) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.keys)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cap-harness/internal/config"
	"cap-harness/internal/logger"
	"cap-harness/internal/metrics"
	"cap-harness/internal/probe"
	"cap-harness/internal/report"
	"cap-harness/internal/scenario"
)

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run scenarios and print a report",
		Example: `  # quick check against the in-memory store
  cap-harness run --backend memory --preset quick

  # redis primary with two replicas, partition preset with docker pause
  cap-harness run --primary 127.0.0.1:6379 --replicas 127.0.0.1:6380,127.0.0.1:6381 \
    --preset partition --fault command \
    --fault-start "docker pause redis-master" --fault-stop "docker unpause redis-master"

  # scenarios from a run file, JSON report
  cap-harness run --config run.yaml --format json --output report.json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runScenarios(ctx, v, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.String("config", "", "run file (YAML or JSON)")
	flags.StringSlice("preset", nil, "preset scenarios to run when no run file is given (default quick)")
	flags.Int("workers", 0, "override worker count")
	flags.Int("iterations", 0, "override iterations per worker")
	flags.Duration("max-duration", 0, "override the breaker's wall-clock limit")
	flags.Bool("inconsistent-as-failure", false, "count inconsistent probes as breaker failures")
	flags.String("fault", "", "fault controller: manual, command, simulated or none")
	flags.String("simulate", "", "simulated fault: partition, pause_primary, delay or random")
	flags.String("fault-start", "", "command that opens the fault window")
	flags.String("fault-stop", "", "command that closes the fault window")
	flags.Duration("settle", 0, "wait after each fault command")
	flags.String("format", "text", "report format: text or json")
	flags.String("output", "", "write the report to a file instead of stdout")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address while running")
	flags.Bool("progress", false, "print one character per probe to stderr")
	mustBind(v, flags)
	return cmd
}

// buildRunFile は設定ファイルとフラグから実行内容を組み立てる
func buildRunFile(v *viper.Viper) (*config.FileConfig, error) {
	file := &config.FileConfig{}
	if path := v.GetString("config"); path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return nil, err
		}
		file = loaded
	}
	applyStoreFlags(v, &file.Store)

	if len(file.Scenarios) == 0 {
		presets := stringSlice(v, "preset")
		if len(presets) == 0 {
			presets = []string{"quick"}
		}
		for _, name := range presets {
			file.Scenarios = append(file.Scenarios, config.ScenarioConfig{Preset: name})
		}
	}

	if d := v.GetDuration("max-duration"); d > 0 {
		file.Breaker.MaxDuration = d.String()
	}
	if v.GetBool("inconsistent-as-failure") {
		file.Breaker.InconsistentAsFailure = true
	}

	for i := range file.Scenarios {
		sc := &file.Scenarios[i]
		if n := v.GetInt("workers"); n > 0 {
			sc.Workers = n
		}
		if n := v.GetInt("iterations"); n > 0 {
			sc.Iterations = n
		}
		if mode := v.GetString("fault"); mode != "" {
			sc.Fault = &config.FaultConfig{
				Mode:         mode,
				Simulate:     v.GetString("simulate"),
				StartCommand: v.GetString("fault-start"),
				StopCommand:  v.GetString("fault-stop"),
				Settle:       durationString(v.GetDuration("settle")),
			}
		}
	}

	if err := file.Validate(); err != nil {
		return nil, err
	}
	return file, nil
}

func durationString(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return d.String()
}

func runScenarios(ctx context.Context, v *viper.Viper, in io.Reader, out io.Writer) error {
	file, err := buildRunFile(v)
	if err != nil {
		return err
	}
	plans, err := file.ToScenarioConfigs()
	if err != nil {
		return err
	}

	env, err := openStore(ctx, file.Store)
	if err != nil {
		return err
	}
	defer env.Close()

	collector := metrics.NewCollector(prometheus.NewRegistry())
	if addr := v.GetString("metrics-addr"); addr != "" {
		shutdown := serveMetrics(addr, collector)
		defer shutdown()
	}

	opts := []scenario.Option{
		scenario.WithCollector(collector),
		scenario.WithLogger(logger.Zap()),
	}
	if v.GetBool("progress") {
		opts = append(opts, scenario.WithProgress(progressPrinter(os.Stderr)))
	}

	agg := report.NewAggregator()
	for _, plan := range plans {
		if ctx.Err() != nil {
			logger.Warn("", "interrupted, skipping remaining scenarios")
			break
		}
		controller, err := newController(plan.Fault, env, in, out)
		if err != nil {
			return err
		}
		runner := scenario.NewRunner(env.primary, env.replicas,
			append(opts, scenario.WithFault(controller))...)
		agg.Add(runner.Run(ctx, plan.Scenario))
	}

	return writeReport(v, out, agg.Results())
}

func writeReport(v *viper.Viper, out io.Writer, results []scenario.Result) (err error) {
	if path := v.GetString("output"); path != "" {
		f, createErr := os.Create(path)
		if createErr != nil {
			return fmt.Errorf("create report: %w", createErr)
		}
		defer func() {
			if cerr := f.Close(); err == nil {
				err = cerr
			}
		}()
		out = f
	}

	switch format := v.GetString("format"); format {
	case "", "text":
		return report.Text(out, results)
	case "json":
		return report.JSON(out, results)
	default:
		return fmt.Errorf("unknown report format: %s", format)
	}
}

func progressPrinter(w io.Writer) func(probe.Outcome) {
	marks := map[probe.Kind]string{
		probe.KindConsistent:           ".",
		probe.KindEventuallyConsistent: "~",
		probe.KindInconsistent:         "x",
		probe.KindError:                "E",
	}
	return func(o probe.Outcome) {
		_, _ = io.WriteString(w, marks[o.Kind])
	}
}

func serveMetrics(addr string, collector *metrics.Collector) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("", "metrics on http://%s/metrics", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("", "metrics server: %v", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cap-harness/internal/api"
	"cap-harness/internal/config"
	"cap-harness/internal/events"
	"cap-harness/internal/fault"
	"cap-harness/internal/logger"
	"cap-harness/internal/metrics"
	"cap-harness/internal/scenario"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with live progress over WebSocket",
		Example: `  cap-harness serve --backend memory --addr :8080
  curl -XPOST localhost:8080/api/scenario/start -d '{"preset":"partition"}'`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var sc config.StoreConfig
			applyStoreFlags(v, &sc)
			if err := (&config.FileConfig{
				Store:     sc,
				Scenarios: []config.ScenarioConfig{{Preset: "quick"}},
			}).Validate(); err != nil {
				return err
			}

			env, err := openStore(ctx, sc)
			if err != nil {
				return err
			}
			defer env.Close()

			// オペレーターの確認ができないため手動モードは使わない
			var controller fault.Controller = fault.Noop{}
			if env.cluster != nil {
				mode, err := fault.ParseMode(v.GetString("serve-simulate"))
				if err != nil {
					return err
				}
				controller = fault.NewSimulated(env.cluster, mode, 0)
			} else if start := v.GetString("serve-fault-start"); start != "" {
				controller = &fault.Command{
					StartCommand: start,
					StopCommand:  v.GetString("serve-fault-stop"),
				}
			}

			bus := events.NewBus()
			defer bus.Close()
			collector := metrics.NewCollector(prometheus.NewRegistry())
			runner := scenario.NewRunner(env.primary, env.replicas,
				scenario.WithFault(controller),
				scenario.WithEventBus(bus),
				scenario.WithCollector(collector),
				scenario.WithLogger(logger.Zap()),
			)

			addr := v.GetString("addr")
			fmt.Fprintf(cmd.OutOrStdout(), "cap-harness API on http://%s (Ctrl+C to stop)\n", addr)
			return api.NewServer(api.Config{
				Addr:      addr,
				Runner:    runner,
				Bus:       bus,
				Collector: collector,
			}).Start(ctx)
		},
	}

	flags := cmd.Flags()
	flags.String("addr", ":8080", "listen address")
	flags.String("serve-simulate", "partition", "simulated fault for the memory backend")
	flags.String("serve-fault-start", "", "command that opens the fault window (redis backend)")
	flags.String("serve-fault-stop", "", "command that closes the fault window (redis backend)")
	mustBind(v, flags)
	return cmd
}

// Package main is the entry point for cap-harness.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cap-harness/internal/logger"
)

var version = "dev"

func main() {
	if err := newRootCmd(viper.New()).Execute(); err != nil {
		logger.Error("", "%v", err)
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:   "cap-harness",
		Short: "Measure consistency and availability of a primary-replica key-value store",
		Long: `cap-harness writes through the primary, reads back from the replicas and
classifies every probe as consistent, eventually consistent, inconsistent or
an error. Scenarios can open a fault window (for example pausing the primary)
to observe how the store trades consistency for availability.

Settings can also be supplied as CAPH_* environment variables,
e.g. CAPH_PRIMARY=127.0.0.1:6379 CAPH_REPLICAS=127.0.0.1:6380.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level, err := logger.ParseLevel(v.GetString("log-level"))
			if err != nil {
				return err
			}
			logger.SetDefault(logger.New(cmd.ErrOrStderr(), level))
			return nil
		},
	}

	v.SetEnvPrefix("CAPH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	flags := root.PersistentFlags()
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("backend", "", "store backend: redis or memory (default redis)")
	flags.String("primary", "", "primary address host:port")
	flags.StringSlice("replicas", nil, "replica addresses host:port (comma separated)")
	flags.String("password", "", "store password")
	flags.Int("db", 0, "store database number")
	flags.Int("memory-replicas", 0, "replica count for the memory backend")
	flags.Duration("memory-lag", 0, "replication lag for the memory backend")
	mustBind(v, flags)

	root.AddCommand(
		newRunCmd(v),
		newServeCmd(v),
		newPresetsCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cap-harness version %s\n", version)
		},
	}
}

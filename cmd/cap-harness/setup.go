package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"cap-harness/internal/config"
	"cap-harness/internal/fault"
	"cap-harness/internal/logger"
	"cap-harness/internal/memstore"
	"cap-harness/internal/store"
)

func mustBind(v *viper.Viper, flags *pflag.FlagSet) {
	flags.VisitAll(func(f *pflag.Flag) {
		if err := v.BindPFlag(f.Name, f); err != nil {
			panic(err)
		}
	})
}

// stringSlice は環境変数のカンマ区切りも受け付ける
func stringSlice(v *viper.Viper, key string) []string {
	var out []string
	for _, s := range v.GetStringSlice(key) {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// applyStoreFlags はフラグと環境変数で設定ファイルのstoreを上書きする
func applyStoreFlags(v *viper.Viper, s *config.StoreConfig) {
	if b := v.GetString("backend"); b != "" {
		s.Backend = b
	}
	if p := v.GetString("primary"); p != "" {
		s.Primary = p
	}
	if r := stringSlice(v, "replicas"); len(r) > 0 {
		s.Replicas = r
	}
	if p := v.GetString("password"); p != "" {
		s.Password = p
	}
	if db := v.GetInt("db"); db > 0 {
		s.DB = db
	}
	if n := v.GetInt("memory-replicas"); n > 0 {
		s.Memory.Replicas = n
	}
	if d := v.GetDuration("memory-lag"); d > 0 {
		s.Memory.Lag = d.String()
	}
}

// environment は接続済みのストア
type environment struct {
	primary  store.Client
	replicas []store.Client
	cluster  *memstore.Cluster
	closers  []func()
}

func openStore(ctx context.Context, s config.StoreConfig) (*environment, error) {
	env := &environment{}

	if s.IsMemory() {
		cc, err := s.ClusterConfig()
		if err != nil {
			return nil, err
		}
		cluster := memstore.NewCluster(cc)
		if err := cluster.Start(ctx); err != nil {
			return nil, fmt.Errorf("start memory cluster: %w", err)
		}
		env.cluster = cluster
		env.primary = cluster.Primary()
		env.replicas = cluster.ReplicaClients()
		env.closers = append(env.closers, cluster.Stop)
		logger.Info("", "memory backend: 1 primary, %d replicas, lag %v", cc.Replicas, cc.Lag)
		return env, nil
	}

	pc, rcs, err := s.RedisConfigs()
	if err != nil {
		return nil, err
	}
	add := func(r *store.Redis) *store.Redis {
		env.closers = append(env.closers, func() { _ = r.Close() })
		return r
	}
	env.primary = add(store.NewRedis("primary", pc))
	for i, rc := range rcs {
		env.replicas = append(env.replicas, add(store.NewRedis(fmt.Sprintf("replica-%d", i+1), rc)))
	}
	logger.Info("", "redis backend: primary %s, %d replicas", pc.Addr, len(rcs))
	return env, nil
}

func (e *environment) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// newController はFaultSpecからControllerを組み立てる
func newController(spec config.FaultSpec, env *environment, in io.Reader, out io.Writer) (fault.Controller, error) {
	switch spec.Mode {
	case "", config.FaultNone:
		return fault.Noop{}, nil
	case config.FaultManual:
		return fault.NewManual(fault.NewConsole(in, out)), nil
	case config.FaultCommand:
		return &fault.Command{
			StartCommand: spec.StartCommand,
			StopCommand:  spec.StopCommand,
			Settle:       spec.Settle,
		}, nil
	case config.FaultSimulated:
		if env.cluster == nil {
			return nil, fmt.Errorf("simulated faults need the memory backend")
		}
		return fault.NewSimulated(env.cluster, spec.Simulate, spec.Delay), nil
	default:
		return nil, fmt.Errorf("unknown fault mode: %s", spec.Mode)
	}
}

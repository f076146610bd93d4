// Package config loads run files describing the store topology, breaker
// limits and the scenarios to execute.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"cap-harness/internal/fault"
	"cap-harness/internal/memstore"
	"cap-harness/internal/recovery"
	"cap-harness/internal/scenario"
	"cap-harness/internal/store"
)

// バックエンド
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// 障害コントローラの種類
const (
	FaultNone      = "none"
	FaultManual    = "manual"
	FaultCommand   = "command"
	FaultSimulated = "simulated"
)

// FileConfig は設定ファイルの構造
type FileConfig struct {
	Store     StoreConfig      `yaml:"store" json:"store"`
	Breaker   BreakerConfig    `yaml:"breaker" json:"breaker"`
	Scenarios []ScenarioConfig `yaml:"scenarios" json:"scenarios"`
}

// StoreConfig は接続先の設定
type StoreConfig struct {
	Backend      string   `yaml:"backend" json:"backend"`
	Primary      string   `yaml:"primary" json:"primary"`
	Replicas     []string `yaml:"replicas" json:"replicas"`
	Password     string   `yaml:"password" json:"password"`
	DB           int      `yaml:"db" json:"db"`
	DialTimeout  string   `yaml:"dial_timeout" json:"dial_timeout"`
	ReadTimeout  string   `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout string   `yaml:"write_timeout" json:"write_timeout"`
	PoolSize     int      `yaml:"pool_size" json:"pool_size"`

	Memory MemoryConfig `yaml:"memory" json:"memory"`
}

// MemoryConfig はインメモリバックエンドの設定
type MemoryConfig struct {
	Replicas int    `yaml:"replicas" json:"replicas"`
	Lag      string `yaml:"lag" json:"lag"`
	Jitter   string `yaml:"jitter" json:"jitter"`
}

// BreakerConfig はサーキットブレーカーの設定。全シナリオの既定値になる
type BreakerConfig struct {
	MaxConsecutiveFailures int    `yaml:"max_consecutive_failures" json:"max_consecutive_failures"`
	MaxTotalFailures       int    `yaml:"max_total_failures" json:"max_total_failures"`
	MaxDuration            string `yaml:"max_duration" json:"max_duration"`
	InconsistentAsFailure  bool   `yaml:"inconsistent_as_failure" json:"inconsistent_as_failure"`
}

// RetryConfig は再読み込みの設定
type RetryConfig struct {
	MaxAttempts *int   `yaml:"max_attempts" json:"max_attempts"`
	Delay       string `yaml:"delay" json:"delay"`
}

// ScenarioConfig はシナリオ設定。presetを指定した場合は指定項目のみ上書きする
type ScenarioConfig struct {
	Name         string       `yaml:"name" json:"name"`
	Preset       string       `yaml:"preset" json:"preset"`
	Description  string       `yaml:"description" json:"description"`
	Kind         string       `yaml:"kind" json:"kind"`
	Workers      int          `yaml:"workers" json:"workers"`
	Iterations   int          `yaml:"iterations" json:"iterations"`
	KeyPrefix    string       `yaml:"key_prefix" json:"key_prefix"`
	ValueSize    int          `yaml:"value_size" json:"value_size"`
	Retry        *RetryConfig `yaml:"retry" json:"retry"`
	Pacing       string       `yaml:"pacing" json:"pacing"`
	NoiseWriters int          `yaml:"noise_writers" json:"noise_writers"`
	NoiseRate    float64      `yaml:"noise_rate" json:"noise_rate"`
	InitialStock int64        `yaml:"initial_stock" json:"initial_stock"`
	Preflight    *bool        `yaml:"preflight" json:"preflight"`
	Fault        *FaultConfig `yaml:"fault" json:"fault"`
}

// FaultConfig は障害ウィンドウの設定
type FaultConfig struct {
	Mode         string `yaml:"mode" json:"mode"`
	Simulate     string `yaml:"simulate" json:"simulate"`
	Delay        string `yaml:"delay" json:"delay"`
	StartCommand string `yaml:"start_command" json:"start_command"`
	StopCommand  string `yaml:"stop_command" json:"stop_command"`
	Settle       string `yaml:"settle" json:"settle"`
	Workers      int    `yaml:"workers" json:"workers"`
	Iterations   int    `yaml:"iterations" json:"iterations"`
	Recovery     *bool  `yaml:"recovery" json:"recovery"`

	ReplicaKeys     int `yaml:"replica_keys" json:"replica_keys"`
	ConvergenceKeys int `yaml:"convergence_keys" json:"convergence_keys"`
}

// FaultSpec は障害コントローラを組み立てるための解決済み設定
type FaultSpec struct {
	Mode         string
	Simulate     fault.Mode
	Delay        time.Duration
	StartCommand string
	StopCommand  string
	Settle       time.Duration
}

// Plan は1シナリオ分の実行計画
type Plan struct {
	Scenario scenario.Config
	Fault    FaultSpec
}

// LoadFile は設定ファイルを読み込む
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config FileConfig
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}

	return &config, nil
}

// Validate は設定を検証する
func (f *FileConfig) Validate() error {
	if err := f.Store.validate(); err != nil {
		return err
	}
	if err := f.Breaker.validate(); err != nil {
		return err
	}
	if len(f.Scenarios) == 0 {
		return fmt.Errorf("at least one scenario is required")
	}
	for i, sc := range f.Scenarios {
		if err := sc.validate(); err != nil {
			return fmt.Errorf("scenarios[%d]: %w", i, err)
		}
	}
	return nil
}

func (s StoreConfig) validate() error {
	switch s.backend() {
	case BackendRedis:
		if s.Primary == "" {
			return fmt.Errorf("store.primary is required for the redis backend")
		}
	case BackendMemory:
		if s.Memory.Replicas < 0 {
			return fmt.Errorf("store.memory.replicas must be non-negative")
		}
	default:
		return fmt.Errorf("unknown store backend: %s", s.Backend)
	}
	if s.DB < 0 {
		return fmt.Errorf("store.db must be non-negative")
	}
	if s.PoolSize < 0 {
		return fmt.Errorf("store.pool_size must be non-negative")
	}
	for name, v := range map[string]string{
		"store.dial_timeout":  s.DialTimeout,
		"store.read_timeout":  s.ReadTimeout,
		"store.write_timeout": s.WriteTimeout,
		"store.memory.lag":    s.Memory.Lag,
		"store.memory.jitter": s.Memory.Jitter,
	} {
		if _, err := parseDuration(name, v, 0); err != nil {
			return err
		}
	}
	return nil
}

func (s StoreConfig) backend() string {
	if s.Backend == "" {
		return BackendRedis
	}
	return strings.ToLower(s.Backend)
}

func (b BreakerConfig) validate() error {
	if b.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("breaker.max_consecutive_failures must be non-negative")
	}
	if b.MaxTotalFailures < 0 {
		return fmt.Errorf("breaker.max_total_failures must be non-negative")
	}
	_, err := parseDuration("breaker.max_duration", b.MaxDuration, 0)
	return err
}

func (sc ScenarioConfig) validate() error {
	if sc.Name == "" && sc.Preset == "" {
		return fmt.Errorf("name or preset is required")
	}
	if sc.Preset != "" {
		if _, ok := scenario.GetPreset(sc.Preset); !ok {
			return fmt.Errorf("unknown preset: %s", sc.Preset)
		}
	}
	if sc.Workers < 0 {
		return fmt.Errorf("workers must be non-negative")
	}
	if sc.Iterations < 0 {
		return fmt.Errorf("iterations must be non-negative")
	}
	if sc.ValueSize < 0 {
		return fmt.Errorf("value_size must be non-negative")
	}
	if sc.NoiseWriters < 0 || sc.NoiseRate < 0 {
		return fmt.Errorf("noise settings must be non-negative")
	}
	if _, err := scenario.ParseKind(sc.Kind); err != nil {
		return err
	}
	if sc.Retry != nil && sc.Retry.MaxAttempts != nil && *sc.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must be non-negative")
	}
	if sc.Fault != nil {
		if _, err := sc.Fault.spec(); err != nil {
			return err
		}
	}
	return nil
}

// RedisConfigs はプライマリとレプリカの接続設定を返す
func (s StoreConfig) RedisConfigs() (primary store.RedisConfig, replicas []store.RedisConfig, err error) {
	build := func(addr string) (store.RedisConfig, error) {
		c := store.DefaultRedisConfig(addr)
		c.Password = s.Password
		c.DB = s.DB
		c.PoolSize = s.PoolSize
		var err error
		if c.DialTimeout, err = parseDuration("store.dial_timeout", s.DialTimeout, c.DialTimeout); err != nil {
			return c, err
		}
		if c.ReadTimeout, err = parseDuration("store.read_timeout", s.ReadTimeout, c.ReadTimeout); err != nil {
			return c, err
		}
		if c.WriteTimeout, err = parseDuration("store.write_timeout", s.WriteTimeout, c.WriteTimeout); err != nil {
			return c, err
		}
		return c, nil
	}

	if primary, err = build(s.Primary); err != nil {
		return primary, nil, err
	}
	for _, addr := range s.Replicas {
		c, err := build(addr)
		if err != nil {
			return primary, nil, err
		}
		replicas = append(replicas, c)
	}
	return primary, replicas, nil
}

// ClusterConfig はインメモリクラスタの設定を返す
func (s StoreConfig) ClusterConfig() (memstore.ClusterConfig, error) {
	c := memstore.DefaultClusterConfig()
	if s.Memory.Replicas > 0 {
		c.Replicas = s.Memory.Replicas
	}
	var err error
	if c.Lag, err = parseDuration("store.memory.lag", s.Memory.Lag, c.Lag); err != nil {
		return c, err
	}
	if c.Jitter, err = parseDuration("store.memory.jitter", s.Memory.Jitter, c.Jitter); err != nil {
		return c, err
	}
	return c, nil
}

// IsMemory はインメモリバックエンドかどうかを返す
func (s StoreConfig) IsMemory() bool {
	return s.backend() == BackendMemory
}

// ToScenarioConfigs はFileConfigを実行計画に変換する
func (f *FileConfig) ToScenarioConfigs() ([]Plan, error) {
	plans := make([]Plan, 0, len(f.Scenarios))
	for i, sc := range f.Scenarios {
		p, err := sc.toPlan(f.Breaker)
		if err != nil {
			return nil, fmt.Errorf("scenarios[%d]: %w", i, err)
		}
		plans = append(plans, p)
	}
	return plans, nil
}

func (sc ScenarioConfig) toPlan(defaults BreakerConfig) (Plan, error) {
	config := scenario.DefaultConfig()
	if sc.Preset != "" {
		preset, ok := scenario.GetPreset(sc.Preset)
		if !ok {
			return Plan{}, fmt.Errorf("unknown preset: %s", sc.Preset)
		}
		config = preset
	}

	if err := applyBreaker(&config.Breaker, defaults); err != nil {
		return Plan{}, err
	}

	if sc.Name != "" {
		config.Name = sc.Name
	}
	if sc.Description != "" {
		config.Description = sc.Description
	}
	if sc.Kind != "" {
		kind, err := scenario.ParseKind(sc.Kind)
		if err != nil {
			return Plan{}, err
		}
		config.Kind = kind
	}
	if sc.Workers > 0 {
		config.Workers = sc.Workers
	}
	if sc.Iterations > 0 {
		config.Iterations = sc.Iterations
	}
	if sc.KeyPrefix != "" {
		config.KeyPrefix = sc.KeyPrefix
	}
	if sc.ValueSize > 0 {
		config.ValueSize = sc.ValueSize
	}
	if sc.Retry != nil {
		if sc.Retry.MaxAttempts != nil {
			config.Retry.MaxAttempts = *sc.Retry.MaxAttempts
		}
		d, err := parseDuration("retry.delay", sc.Retry.Delay, config.Retry.Delay)
		if err != nil {
			return Plan{}, err
		}
		config.Retry.Delay = d
	}
	pacing, err := parseDuration("pacing", sc.Pacing, config.Pacing)
	if err != nil {
		return Plan{}, err
	}
	config.Pacing = pacing
	if sc.NoiseWriters > 0 {
		config.NoiseWriters = sc.NoiseWriters
	}
	if sc.NoiseRate > 0 {
		config.NoiseRate = sc.NoiseRate
	}
	if sc.InitialStock > 0 {
		config.InitialStock = sc.InitialStock
	}
	if sc.Preflight != nil {
		config.Preflight = *sc.Preflight
	}

	plan := Plan{Fault: FaultSpec{Mode: FaultNone}}
	if sc.Fault != nil {
		spec, err := sc.Fault.spec()
		if err != nil {
			return Plan{}, err
		}
		plan.Fault = spec

		fc := scenario.FaultConfig{Recovery: true, RecoveryConfig: recovery.DefaultConfig()}
		if config.Fault != nil {
			fc = *config.Fault
		}
		if sc.Fault.Workers > 0 {
			fc.Workers = sc.Fault.Workers
		}
		if sc.Fault.Iterations > 0 {
			fc.Iterations = sc.Fault.Iterations
		}
		if sc.Fault.Recovery != nil {
			fc.Recovery = *sc.Fault.Recovery
		}
		if sc.Fault.ReplicaKeys > 0 {
			fc.ReplicaKeys = sc.Fault.ReplicaKeys
		}
		if sc.Fault.ConvergenceKeys > 0 {
			fc.ConvergenceKeys = sc.Fault.ConvergenceKeys
		}
		config.Fault = &fc
	} else if config.Fault != nil {
		// presetの障害ウィンドウは手動確認で実行する
		plan.Fault = FaultSpec{Mode: FaultManual}
	}

	plan.Scenario = config
	return plan, config.Validate()
}

func applyBreaker(dst *scenario.BreakerConfig, b BreakerConfig) error {
	if b.MaxConsecutiveFailures > 0 {
		dst.MaxConsecutiveFailures = b.MaxConsecutiveFailures
	}
	if b.MaxTotalFailures > 0 {
		dst.MaxTotalFailures = b.MaxTotalFailures
	}
	d, err := parseDuration("breaker.max_duration", b.MaxDuration, dst.MaxDuration)
	if err != nil {
		return err
	}
	dst.MaxDuration = d
	if b.InconsistentAsFailure {
		dst.InconsistentAsFailure = true
	}
	return nil
}

func (fc FaultConfig) spec() (FaultSpec, error) {
	spec := FaultSpec{Mode: strings.ToLower(fc.Mode)}
	if spec.Mode == "" {
		spec.Mode = FaultManual
	}

	var err error
	if spec.Settle, err = parseDuration("fault.settle", fc.Settle, 0); err != nil {
		return spec, err
	}
	if spec.Delay, err = parseDuration("fault.delay", fc.Delay, 0); err != nil {
		return spec, err
	}

	switch spec.Mode {
	case FaultNone, FaultManual:
	case FaultCommand:
		if fc.StartCommand == "" || fc.StopCommand == "" {
			return spec, fmt.Errorf("fault.start_command and fault.stop_command are required for command mode")
		}
		spec.StartCommand = fc.StartCommand
		spec.StopCommand = fc.StopCommand
	case FaultSimulated:
		if spec.Simulate, err = fault.ParseMode(fc.Simulate); err != nil {
			return spec, err
		}
	default:
		return spec, fmt.Errorf("unknown fault mode: %s", fc.Mode)
	}
	if fc.Workers < 0 || fc.Iterations < 0 {
		return spec, fmt.Errorf("fault.workers and fault.iterations must be non-negative")
	}
	return spec, nil
}

// parseDuration は空文字列ならdefを返す
func parseDuration(name, s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s: must be non-negative", name)
	}
	return d, nil
}

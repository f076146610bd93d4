package fault

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"cap-harness/internal/logger"
	"cap-harness/internal/memstore"
)

// Mode はSimulatedが注入する障害の種類
type Mode int

const (
	ModePartition    Mode = iota // レプリケーション停止
	ModePausePrimary             // プライマリ一時停止
	ModeDelay                    // 全ノードに応答遅延を注入
	ModeRandom                   // 上記からランダムに選択
)

func (m Mode) String() string {
	switch m {
	case ModePartition:
		return "partition"
	case ModePausePrimary:
		return "pause_primary"
	case ModeDelay:
		return "delay"
	case ModeRandom:
		return "random"
	default:
		return "unknown"
	}
}

// ParseMode は文字列からModeを返す
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "partition":
		return ModePartition, nil
	case "pause_primary", "pause":
		return ModePausePrimary, nil
	case "delay":
		return ModeDelay, nil
	case "random":
		return ModeRandom, nil
	default:
		return ModePartition, fmt.Errorf("unknown fault mode: %s", s)
	}
}

// Stats は注入回数の統計
type Stats struct {
	Windows uint64            `json:"windows"`
	ByMode  map[string]uint64 `json:"by_mode"`
}

// Simulated はインメモリクラスタに障害を注入するController
type Simulated struct {
	cluster *memstore.Cluster
	mode    Mode
	delay   time.Duration

	mu     sync.Mutex
	active Mode
	open   bool
	byMode map[Mode]uint64
}

// NewSimulated は新しいSimulatedを作成する
// delayはModeDelayで各ノードに設定する遅延
func NewSimulated(c *memstore.Cluster, mode Mode, delay time.Duration) *Simulated {
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	return &Simulated{
		cluster: c,
		mode:    mode,
		delay:   delay,
		byMode:  make(map[Mode]uint64),
	}
}

func (s *Simulated) pick() Mode {
	if s.mode != ModeRandom {
		return s.mode
	}
	modes := []Mode{ModePartition, ModePausePrimary, ModeDelay}
	return modes[rand.IntN(len(modes))]
}

// StartPartition は障害を注入する
func (s *Simulated) StartPartition(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return fmt.Errorf("start partition: %s fault already active", s.active)
	}

	mode := s.pick()
	switch mode {
	case ModePartition:
		s.cluster.Partition()
	case ModePausePrimary:
		if err := s.cluster.PausePrimary(); err != nil {
			return fmt.Errorf("start partition: %w", err)
		}
	case ModeDelay:
		for _, n := range s.cluster.Nodes() {
			n.SetDelay(s.delay)
		}
	}

	s.active = mode
	s.open = true
	s.byMode[mode]++
	logger.Warn("fault", "simulated %s fault started", mode)
	return nil
}

// StopPartition は注入した障害を取り除く。未開始なら何もしない
func (s *Simulated) StopPartition(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return nil
	}

	switch s.active {
	case ModePartition:
		s.cluster.Heal()
	case ModePausePrimary:
		if err := s.cluster.ResumePrimary(); err != nil {
			return fmt.Errorf("stop partition: %w", err)
		}
	case ModeDelay:
		for _, n := range s.cluster.Nodes() {
			n.SetDelay(0)
		}
	}

	s.open = false
	logger.Info("fault", "simulated %s fault stopped", s.active)
	return nil
}

// Active は現在注入中の障害を返す
func (s *Simulated) Active() (Mode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.open
}

// Stats は注入統計を返す
func (s *Simulated) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{ByMode: make(map[string]uint64)}
	for m, n := range s.byMode {
		stats.Windows += n
		stats.ByMode[m.String()] = n
	}
	return stats
}

package fault

import (
	"context"
	"fmt"

	"cap-harness/internal/logger"
)

// 元の実験手順で使われた指示文
const (
	DefaultStartInstruction = "Isolate the primary now, e.g. `docker pause redis-master` or `./simulate_partition.sh start`."
	DefaultStopInstruction  = "Restore the primary now, e.g. `docker unpause redis-master` or `./simulate_partition.sh stop`."
)

// Manual はオペレーターに障害の適用を依頼するController
type Manual struct {
	Confirmer        Confirmer
	StartInstruction string
	StopInstruction  string
}

// NewManual は新しいManualを作成する
func NewManual(confirmer Confirmer) *Manual {
	return &Manual{
		Confirmer:        confirmer,
		StartInstruction: DefaultStartInstruction,
		StopInstruction:  DefaultStopInstruction,
	}
}

// StartPartition は指示を表示し、オペレーターの確認まで待つ
func (m *Manual) StartPartition(ctx context.Context) error {
	logger.Info("fault", "waiting for operator to start the fault window")
	if err := m.Confirmer.AwaitConfirmation(ctx, m.StartInstruction); err != nil {
		return fmt.Errorf("start partition: %w", err)
	}
	logger.Info("fault", "operator confirmed fault window start")
	return nil
}

// StopPartition は指示を表示し、オペレーターの確認まで待つ
func (m *Manual) StopPartition(ctx context.Context) error {
	logger.Info("fault", "waiting for operator to end the fault window")
	if err := m.Confirmer.AwaitConfirmation(ctx, m.StopInstruction); err != nil {
		return fmt.Errorf("stop partition: %w", err)
	}
	logger.Info("fault", "operator confirmed fault window end")
	return nil
}

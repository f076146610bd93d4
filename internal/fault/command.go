package fault

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"cap-harness/internal/logger"
)

// Command はシェルコマンドで障害を注入するController
type Command struct {
	StartCommand string        // 例: "docker pause redis-master"
	StopCommand  string        // 例: "docker unpause redis-master"
	Shell        string        // 空なら "sh"
	Settle       time.Duration // コマンド実行後の待ち時間
}

// StartPartition はStartCommandを実行する
func (c *Command) StartPartition(ctx context.Context) error {
	if err := c.run(ctx, "start", c.StartCommand); err != nil {
		return err
	}
	return c.settle(ctx)
}

// StopPartition はStopCommandを実行する
func (c *Command) StopPartition(ctx context.Context) error {
	if err := c.run(ctx, "stop", c.StopCommand); err != nil {
		return err
	}
	return c.settle(ctx)
}

func (c *Command) run(ctx context.Context, phase, command string) error {
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("%s partition: no command configured", phase)
	}
	shell := c.Shell
	if shell == "" {
		shell = "sh"
	}

	logger.Info("fault", "%s: running %q", phase, command)
	out, err := exec.CommandContext(ctx, shell, "-c", command).CombinedOutput()
	if len(out) > 0 {
		logger.Debug("fault", "%s output: %s", phase, strings.TrimSpace(string(out)))
	}
	if err != nil {
		return fmt.Errorf("%s partition: %q: %w", phase, command, err)
	}
	return nil
}

func (c *Command) settle(ctx context.Context) error {
	if c.Settle <= 0 {
		return nil
	}
	t := time.NewTimer(c.Settle)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

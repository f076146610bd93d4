// Package logger provides the levelled logging facility used across the harness.
//
// The logger is backed by zap and keeps a small printf-style API so call sites
// stay short. Each entry carries a timestamp, level, optional component name,
// and message.
//
// # Basic Usage
//
// Using the default logger:
//
//	logger.Info("", "Harness started")
//	logger.Info("breaker", "Tripped: %s", reason)
//	logger.Error("redis", "Ping failed: %v", err)
//
// Creating a custom logger:
//
//	l := logger.New(os.Stderr, logger.LevelDebug)
//	l.Debug("probe", "Debug message")
//
// Components that want structured fields take a *zap.Logger from Zap().
//
// # Log Levels
//
// Messages below the configured level are filtered:
//   - LevelDebug: all messages
//   - LevelInfo: Info, Warn, Error
//   - LevelWarn: Warn, Error
//   - LevelError: Error only
package logger

// Package logging builds the process logger: an ectologger.Logger whose entries are
// written by zap.
package logging

import (
	"fmt"
	"strings"

	"github.com/Gobusters/ectologger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls the zap sink
type Config struct {
	Level  string
	Pretty bool
}

// New returns the ectologger used throughout the service and the zap logger behind it.
// Call Sync on the zap logger before exiting.
func New(cfg Config) (ectologger.Logger, *zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Pretty {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.DisableStacktrace = true

	zl, err := zcfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build zap logger: %w", err)
	}

	return ectologger.NewEctoLogger(Sink(zl)), zl, nil
}

// Sink forwards ectologger entries to zap. The entry's level and message land in zap's own
// keys, its fields become zap fields and its error is logged under "error".
func Sink(zl *zap.Logger) func(ectologger.EctoLogMessage) {
	return func(msg ectologger.EctoLogMessage) {
		ce := zl.Check(levelOf(msg.Level), msg.Message)
		if ce == nil {
			return
		}

		fields := make([]zap.Field, 0, len(msg.Fields)+1)
		for k, v := range msg.Fields {
			fields = append(fields, zap.Any(k, v))
		}
		if msg.Err != nil {
			fields = append(fields, zap.Error(msg.Err))
		}
		ce.Write(fields...)
	}
}

func levelOf(level any) zapcore.Level {
	name := strings.ToLower(fmt.Sprint(level))
	if name == "warning" {
		name = "warn"
	}
	l, err := zapcore.ParseLevel(name)
	if err != nil {
		return zapcore.InfoLevel
	}
	return l
}

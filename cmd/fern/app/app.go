// Package app wires configuration, logging and the reconciliation services behind the fern
// CLI commands.
package app

import (
	"io"
	"os"

	"github.com/Gobusters/ectologger"
	"go.uber.org/zap"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/logging"
)

// App holds what every command shares
type App struct {
	version string
	config  *config.Config
	logger  ectologger.Logger
	zap     *zap.Logger
	out     io.Writer
}

// New loads configuration and builds the process logger
func New(version string) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.Version == "" || cfg.Version == "dev" {
		cfg.Version = version
	}

	logger, zl, err := logging.New(logging.Config{Level: cfg.LogLevel, Pretty: cfg.PrettyLogs})
	if err != nil {
		return nil, err
	}

	return &App{
		version: version,
		config:  cfg,
		logger:  logger,
		zap:     zl,
		out:     os.Stdout,
	}, nil
}

// Sync flushes buffered log entries
func (a *App) Sync() {
	if a.zap != nil {
		_ = a.zap.Sync()
	}
}

// Logger returns the process logger
func (a *App) Logger() ectologger.Logger {
	return a.logger
}

// ExitOnError prints err and exits with status 1
func ExitOnError(err error) {
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/log"
)

// setupLog sends logs to stderr, or to TTSCACHE_LOG_FILE when set. The
// returned func closes the log file.
func setupLog() (func() error, error) {
	log.SetOutput(os.Stderr)
	log.SetReportTimestamp(false)
	log.SetLevel(log.InfoLevel)

	envCfg, err := env.ParseAs[envConfig]()
	if err != nil {
		return nil, fmt.Errorf("error parsing environment: %w", err)
	}
	if envCfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	if envCfg.LogFile == "" {
		return func() error { return nil }, nil
	}

	if err := os.MkdirAll(filepath.Dir(envCfg.LogFile), 0o755); err != nil { //nolint:gosec
		return nil, fmt.Errorf("unable to create log directory: %w", err)
	}
	f, err := os.OpenFile(envCfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("unable to open log file: %w", err)
	}
	log.SetOutput(f)
	log.SetReportTimestamp(true)
	return f.Close, nil
}

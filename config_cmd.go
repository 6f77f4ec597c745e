package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/charmbracelet/x/editor"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultConfig = `# Speech synthesis endpoint and voice.
synth:
  # endpoint: "https://example.lambda-url.us-east-1.on.aws/"
  voice: "Matthew"
  engine: "neural"
  tone: "healing"
  format: "mp3"
  # Per-request timeout
  timeout: "30s"
  # Pace synthesis requests (0 for no limit)
  requests_per_minute: 0

cache:
  # auto, file or store
  backend: "auto"
  # File cache directory. Set to "" to disable caching.
  # dir: "~/.cache/ttscache"
  # Entries older than this are re-synthesized
  ttl: "720h"
  # Upper bound for the file cache, in MB
  max_size: 80
  # Minimum time between cleanup passes
  cleanup_interval: "24h"
  # SQLite database for the store backend (in memory when unset)
  # store_path: "~/.cache/ttscache/responses.db"
  # Memory quota for the store backend, in MB
  store_quota: 50

serve:
  addr: "127.0.0.1:8080"
`

var configCmd = &cobra.Command{
	Use:     "config",
	Hidden:  false,
	Short:   "Edit the ttscache config file",
	Long:    paragraph(fmt.Sprintf("\n%s the ttscache config file. We’ll use EDITOR to determine which editor to use. If the config file doesn't exist, it will be created.", keyword("Edit"))),
	Example: paragraph("ttscache config\nttscache config --config path/to/config.yml"),
	Args:    cobra.NoArgs,
	// A broken config must stay editable.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE: func(*cobra.Command, []string) error {
		if err := ensureConfigFile(); err != nil {
			return err
		}

		c, err := editor.Cmd("ttscache", configFile)
		if err != nil {
			return fmt.Errorf("unable to set config file: %w", err)
		}
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		if err := c.Run(); err != nil {
			return fmt.Errorf("unable to run command: %w", err)
		}

		fmt.Println("Wrote config file to:", configFile)
		return nil
	},
}

func ensureConfigFile() error {
	if configFile == "" {
		configFile = viper.ConfigFileUsed()
	}
	switch filepath.Ext(configFile) {
	case ".yaml", ".yml":
	default:
		return fmt.Errorf("%q is not a YAML config file", configFile)
	}

	_, err := os.Stat(configFile)
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("unable to stat config file: %w", err)
	}

	// First edit: seed the file with the defaults.
	if err := os.MkdirAll(filepath.Dir(configFile), 0o700); err != nil {
		return fmt.Errorf("unable to create config directory: %w", err)
	}
	if err := os.WriteFile(configFile, []byte(defaultConfig), 0o600); err != nil {
		return fmt.Errorf("unable to write config file: %w", err)
	}
	return nil
}

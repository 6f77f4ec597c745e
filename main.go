// Package main provides the entry point for the ttscache CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/ttscache/internal/cache"
	"github.com/dgnsrekt/ttscache/internal/synth"
	"github.com/mitchellh/go-homedir"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile string
	debug      bool

	rootCmd = &cobra.Command{
		Use:   "ttscache",
		Short: "Cache synthesized speech on disk",
		Long: paragraph(
			fmt.Sprintf("\nTurn text into %s, synthesizing each phrase only once.", keyword("playable audio")),
		),
		SilenceErrors:    false,
		SilenceUsage:     true,
		TraverseChildren: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return validateOptions(cmd)
		},
	}
)

// envConfig holds settings that only come from the environment.
type envConfig struct {
	SynthURL string `env:"TTSCACHE_SYNTH_URL"`
	Debug    bool   `env:"TTSCACHE_DEBUG"`
	LogFile  string `env:"TTSCACHE_LOG_FILE"`
}

// settings is the resolved configuration for one run.
type settings struct {
	Params            synth.Params
	Timeout           time.Duration
	RequestsPerMinute int

	Backend         string
	Dir             string
	TTL             time.Duration
	MaxBytes        int64
	CleanupInterval time.Duration
	StorePath       string
	StoreQuota      int64

	Addr string
}

var cfg settings

func validateOptions(cmd *cobra.Command) error {
	if cmd.Flags().Changed("config") {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("unable to read config file: %w", err)
		}
	}

	envCfg, err := env.ParseAs[envConfig]()
	if err != nil {
		return fmt.Errorf("error parsing environment: %w", err)
	}
	if envCfg.Debug || debug {
		log.SetLevel(log.DebugLevel)
	}

	cfg = settings{
		Params: synth.Params{
			Endpoint: viper.GetString("synth.endpoint"),
			VoiceID:  viper.GetString("synth.voice"),
			Engine:   viper.GetString("synth.engine"),
			Tone:     viper.GetString("synth.tone"),
			Format:   viper.GetString("synth.format"),
		},
		Timeout:           viper.GetDuration("synth.timeout"),
		RequestsPerMinute: viper.GetInt("synth.requests_per_minute"),
		Backend:           viper.GetString("cache.backend"),
		Dir:               viper.GetString("cache.dir"),
		TTL:               viper.GetDuration("cache.ttl"),
		MaxBytes:          viper.GetInt64("cache.max_size") * 1024 * 1024,
		CleanupInterval:   viper.GetDuration("cache.cleanup_interval"),
		StorePath:         viper.GetString("cache.store_path"),
		StoreQuota:        viper.GetInt64("cache.store_quota") * 1024 * 1024,
		Addr:              viper.GetString("serve.addr"),
	}
	if envCfg.SynthURL != "" {
		cfg.Params.Endpoint = envCfg.SynthURL
	}

	if err := cfg.Params.Validate(); err != nil {
		return fmt.Errorf("invalid synthesis settings: %w", err)
	}

	maxSize := viper.GetInt("cache.max_size")
	if maxSize < 1 || maxSize > 10000 {
		return fmt.Errorf("cache max_size must be between 1 and 10000 MB, got %d", maxSize)
	}
	if cfg.TTL <= 0 {
		return fmt.Errorf("cache ttl must be positive, got %s", cfg.TTL)
	}
	if cfg.Timeout <= 0 {
		return fmt.Errorf("synth timeout must be positive, got %s", cfg.Timeout)
	}
	if cfg.RequestsPerMinute < 0 {
		return fmt.Errorf("synth requests_per_minute must not be negative, got %d", cfg.RequestsPerMinute)
	}
	switch cfg.Backend {
	case cache.BackendAuto, cache.BackendFile, cache.BackendStore:
	default:
		return fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}

	// An explicitly empty dir turns the file cache off.
	if cfg.Dir != "" {
		if cfg.Dir, err = homedir.Expand(cfg.Dir); err != nil {
			return fmt.Errorf("unable to expand cache dir: %w", err)
		}
	}
	if cfg.StorePath != "" {
		if cfg.StorePath, err = homedir.Expand(cfg.StorePath); err != nil {
			return fmt.Errorf("unable to expand store path: %w", err)
		}
	}
	return nil
}

// app is the composed cache for one command.
type app struct {
	manager *cache.Manager
	backend cache.Backend
}

func newApp() (*app, error) {
	logger := log.Default()

	client := synth.NewClient(synth.ClientConfig{
		Timeout:           cfg.Timeout,
		RequestsPerMinute: cfg.RequestsPerMinute,
		Logger:            logger.WithPrefix("synth"),
	})

	backend, err := cache.SelectBackend(cache.Options{
		Kind:            cfg.Backend,
		BaseDir:         cfg.Dir,
		TTL:             cfg.TTL,
		MaxBytes:        cfg.MaxBytes,
		CleanupInterval: cfg.CleanupInterval,
		StorePath:       cfg.StorePath,
		StoreQuota:      cfg.StoreQuota,
		Fetcher:         client,
		Logger:          logger.WithPrefix("cache"),
	})
	if err != nil {
		return nil, err
	}

	return &app{
		manager: cache.NewManager(backend, cfg.Params, logger.WithPrefix("tts")),
		backend: backend,
	}, nil
}

func (a *app) Close() error {
	return a.manager.Close()
}

func main() {
	closer, err := setupLog()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		_ = closer()
		os.Exit(1)
	}
	_ = closer()
}

func init() {
	tryLoadConfigFromDefaultPlaces()
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version
	rootCmd.InitDefaultCompletionCmd()

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", fmt.Sprintf("config file (default %s)", viper.GetViper().ConfigFileUsed()))
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "log debug output")
	rootCmd.PersistentFlags().String("voice", "", "synthesis voice")
	rootCmd.PersistentFlags().String("backend", "", "cache backend (auto, file or store)")
	rootCmd.PersistentFlags().String("cache-dir", "", "file cache directory (empty disables caching)")

	// Config bindings
	_ = viper.BindPFlag("synth.voice", rootCmd.PersistentFlags().Lookup("voice"))
	_ = viper.BindPFlag("cache.backend", rootCmd.PersistentFlags().Lookup("backend"))
	_ = viper.BindPFlag("cache.dir", rootCmd.PersistentFlags().Lookup("cache-dir"))

	defaults := synth.DefaultParams()
	viper.SetDefault("synth.endpoint", defaults.Endpoint)
	viper.SetDefault("synth.voice", defaults.VoiceID)
	viper.SetDefault("synth.engine", defaults.Engine)
	viper.SetDefault("synth.tone", defaults.Tone)
	viper.SetDefault("synth.format", defaults.Format)
	viper.SetDefault("synth.timeout", 30*time.Second)
	viper.SetDefault("synth.requests_per_minute", 0)

	viper.SetDefault("cache.backend", cache.BackendAuto)
	viper.SetDefault("cache.dir", defaultCacheDir())
	viper.SetDefault("cache.ttl", cache.DefaultTTL)
	viper.SetDefault("cache.max_size", cache.DefaultMaxBytes/(1024*1024))
	viper.SetDefault("cache.cleanup_interval", cache.DefaultCleanupInterval)
	viper.SetDefault("cache.store_path", "")
	viper.SetDefault("cache.store_quota", 50)

	viper.SetDefault("serve.addr", "127.0.0.1:8080")

	rootCmd.AddCommand(getCmd, warmCmd, statsCmd, serveCmd, configCmd, manCmd)
}

func defaultCacheDir() string {
	dir, err := gap.NewScope(gap.User, "ttscache").CacheDir()
	if err != nil {
		return ""
	}
	return dir
}

func tryLoadConfigFromDefaultPlaces() {
	scope := gap.NewScope(gap.User, "ttscache")
	dirs, err := scope.ConfigDirs()
	if err != nil {
		fmt.Println("Could not load find configuration directory.")
		os.Exit(1)
	}

	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, "ttscache")}, dirs...)
	}

	if c := os.Getenv("TTSCACHE_CONFIG_HOME"); c != "" {
		dirs = append([]string{c}, dirs...)
	}

	for _, v := range dirs {
		viper.AddConfigPath(v)
	}

	viper.SetConfigName("ttscache")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("ttscache")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			log.Warn("Could not parse configuration file", "err", err)
		}
	}

	if used := viper.ConfigFileUsed(); used != "" {
		log.Debug("Using configuration file", "path", viper.ConfigFileUsed())
		return
	}

	configFile = filepath.Join(dirs[0], "ttscache.yml")
	if err := ensureConfigFile(); err != nil {
		log.Error("Could not create default configuration", "error", err)
	}
}

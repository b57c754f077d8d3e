package main

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "SAGACORE_"

// Config holds all sagacore server configuration.
// Priority: env vars > settings file > defaults.
type Config struct {
	ListenAddr string          `koanf:"listen_addr"`
	PoolSize   int             `koanf:"pool_size"`
	Demo       bool            `koanf:"demo"`
	DB         DBConfig        `koanf:"db"`
	Log        LogConfig       `koanf:"log"`
	Recovery   RecoveryConfig  `koanf:"recovery"`
	Approvals  ApprovalsConfig `koanf:"approvals"`
	Scheduler  SchedulerConfig `koanf:"scheduler"`
	Tracing    TracingConfig   `koanf:"tracing"`
}

type DBConfig struct {
	Driver string `koanf:"driver"` // libsql, sqlite, memory
	Path   string `koanf:"path"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type RecoveryConfig struct {
	StaleAfter time.Duration `koanf:"stale_after"`
	Cron       string        `koanf:"cron"`
}

type ApprovalsConfig struct {
	DefaultTimeout time.Duration `koanf:"default_timeout"`
	TimeoutCron    string        `koanf:"timeout_cron"`
}

type SchedulerConfig struct {
	Tick time.Duration `koanf:"tick"`
}

type TracingConfig struct {
	Enabled bool   `koanf:"enabled"`
	Service string `koanf:"service"`
}

func defaults() map[string]any {
	return map[string]any{
		"listen_addr":               ":4100",
		"pool_size":                 10,
		"demo":                      false,
		"db.driver":                 "sqlite",
		"db.path":                   filepath.Join(sagacoreDir(), "sagacore.db"),
		"log.level":                 "info",
		"log.format":                "json",
		"recovery.stale_after":      "5m",
		"recovery.cron":             "*/5 * * * *",
		"approvals.default_timeout": "24h",
		"approvals.timeout_cron":    "* * * * *",
		"scheduler.tick":            "15s",
		"tracing.enabled":           false,
		"tracing.service":           "sagacore",
	}
}

func sagacoreDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sagacore"
	}
	return filepath.Join(home, ".sagacore")
}

// settingsPath returns the YAML settings file. SAGACORE_CONFIG overrides
// the default location.
func settingsPath() string {
	if p := os.Getenv(envPrefix + "CONFIG"); p != "" {
		return p
	}
	return filepath.Join(sagacoreDir(), "settings.yaml")
}

// envKey maps SAGACORE_DB__DRIVER to db.driver; a double underscore
// separates nesting levels.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
}

// loadConfig layers defaults, the settings file and the environment. A
// .env file in the working directory is loaded into the environment first.
func loadConfig(path string) (Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, err
	}
	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return Config{}, err
	}
	for key, v := range defaults() {
		if !k.Exists(key) {
			k.Set(key, v)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

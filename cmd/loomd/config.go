package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all loomd configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath        string `json:"db_path"`
	AgentURL      string `json:"agent_url"`
	AgentTimeout  string `json:"agent_timeout"`
	LogLevel      string `json:"log_level"`
	PoolSize      int    `json:"pool_size"`
	MaxSteps      int    `json:"max_steps"`
	CronInterval  string `json:"cron_interval"`
	MemoryBackend bool   `json:"memory_backend"`
}

func defaultConfig() Config {
	return Config{
		DBPath:       filepath.Join(loomDir(), "loom.db"),
		AgentTimeout: "60s",
		LogLevel:     "info",
		PoolSize:     32,
		MaxSteps:     1000,
		CronInterval: "1m",
	}
}

func loomDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".loom"
	}
	return filepath.Join(home, ".loom")
}

func settingsPath() string {
	return filepath.Join(loomDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("LOOM_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("LOOM_AGENT_URL"); v != "" {
		cfg.AgentURL = v
	}
	if v := os.Getenv("LOOM_AGENT_TIMEOUT"); v != "" {
		cfg.AgentTimeout = v
	}
	if v := os.Getenv("LOOM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOOM_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("LOOM_MAX_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxSteps = n
		}
	}
	if v := os.Getenv("LOOM_CRON_INTERVAL"); v != "" {
		cfg.CronInterval = v
	}
	if v := os.Getenv("LOOM_MEMORY_BACKEND"); v != "" {
		cfg.MemoryBackend = v == "true" || v == "1"
	}

	return cfg
}

func (c Config) agentTimeout() time.Duration {
	d, err := time.ParseDuration(c.AgentTimeout)
	if err != nil || d <= 0 {
		return 60 * time.Second
	}
	return d
}

func (c Config) cronInterval() time.Duration {
	d, err := time.ParseDuration(c.CronInterval)
	if err != nil || d <= 0 {
		return time.Minute
	}
	return d
}

package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all runway server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr   string `json:"listen_addr"`
	DBPath       string `json:"db_path"`
	LogLevel     string `json:"log_level"`
	PoolSize     int    `json:"pool_size"`
	ExecutorURL  string `json:"executor_url"`
	ExecutorAuth string `json:"executor_auth"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:  ":4200",
		DBPath:      filepath.Join(runwayDir(), "runway.db"),
		LogLevel:    "info",
		PoolSize:    4,
		ExecutorURL: "http://localhost:9400",
	}
}

func runwayDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".runway"
	}
	return filepath.Join(home, ".runway")
}

func settingsPath() string {
	return filepath.Join(runwayDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("RUNWAY_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("RUNWAY_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("RUNWAY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RUNWAY_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("RUNWAY_EXECUTOR_URL"); v != "" {
		cfg.ExecutorURL = v
	}
	if v := os.Getenv("RUNWAY_EXECUTOR_AUTH"); v != "" {
		cfg.ExecutorAuth = v
	}

	return cfg
}

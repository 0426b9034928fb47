package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rendis/stepflow/internal/tasks"
)

// Config holds all stepflow configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath      string           `json:"db_path"`
	LogLevel    string           `json:"log_level"`
	Parallelism int              `json:"parallelism"`
	StepTimeout string           `json:"step_timeout"`
	PlanDir     string           `json:"plan_dir"`
	Sandbox     tasks.PathPolicy `json:"sandbox"`
}

func defaultConfig() Config {
	return Config{
		DBPath:      filepath.Join(stepflowDir(), "stepflow.db"),
		LogLevel:    "info",
		Parallelism: 4,
		PlanDir:     filepath.Join(stepflowDir(), "plans"),
	}
}

func stepflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stepflow"
	}
	return filepath.Join(home, ".stepflow")
}

func settingsPath() string {
	return filepath.Join(stepflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("STEPFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("STEPFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STEPFLOW_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Parallelism = n
		}
	}
	if v := os.Getenv("STEPFLOW_STEP_TIMEOUT"); v != "" {
		cfg.StepTimeout = v
	}
	if v := os.Getenv("STEPFLOW_PLAN_DIR"); v != "" {
		cfg.PlanDir = v
	}

	return cfg
}

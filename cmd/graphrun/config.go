package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"dario.cat/mergo"
)

// Config holds all graphrun configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	BackendURL  string `json:"backend_url"`
	TrainerURL  string `json:"trainer_url"`
	ClientID    string `json:"client_id"`
	DBPath      string `json:"db_path"`
	MetricsAddr string `json:"metrics_addr"`
	LogLevel    string `json:"log_level"`
	Scheduler   bool   `json:"scheduler"`
}

func defaultConfig() Config {
	return Config{
		BackendURL:  "http://127.0.0.1:8188",
		DBPath:      "file:" + filepath.Join(graphrunDir(), "graphrun.db"),
		MetricsAddr: ":9464",
		LogLevel:    "info",
		Scheduler:   true,
	}
}

func graphrunDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".graphrun"
	}
	return filepath.Join(home, ".graphrun")
}

func settingsPath() string {
	return filepath.Join(graphrunDir(), "settings.json")
}

// fileConfig is the settings.json layer. Scheduler is a pointer so an
// explicit false in the file is distinguishable from the field being absent.
type fileConfig struct {
	Config
	Scheduler *bool `json:"scheduler"`
}

// loadConfig layers settings.json over the defaults, then env vars over both.
func loadConfig() (Config, error) {
	return loadConfigFrom(settingsPath())
}

func loadConfigFrom(path string) (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing). Set fields of the file
	// override the defaults.
	if data, err := os.ReadFile(path); err == nil {
		var fc fileConfig
		if err := json.Unmarshal(data, &fc); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
		if err := mergo.Merge(&cfg, fc.Config, mergo.WithOverride); err != nil {
			return cfg, fmt.Errorf("merge settings: %w", err)
		}
		if fc.Scheduler != nil {
			cfg.Scheduler = *fc.Scheduler
		}
	}

	// Layer 3: env vars override.
	if v := os.Getenv("GRAPHRUN_BACKEND_URL"); v != "" {
		cfg.BackendURL = v
	}
	if v := os.Getenv("GRAPHRUN_TRAINER_URL"); v != "" {
		cfg.TrainerURL = v
	}
	if v := os.Getenv("GRAPHRUN_CLIENT_ID"); v != "" {
		cfg.ClientID = v
	}
	if v := os.Getenv("GRAPHRUN_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("GRAPHRUN_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("GRAPHRUN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GRAPHRUN_SCHEDULER"); v != "" {
		cfg.Scheduler = v == "true" || v == "1"
	}

	return cfg, nil
}

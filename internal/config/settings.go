// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Settings holds the resolved runtime configuration for the forged daemon.
type Settings struct {
	ListenAddr   string
	DBPath       string
	LogLevel     string
	AdminToken   string
	ArtifactsDir string

	Worker WorkerSettings
}

// WorkerSettings configures the background autonomy worker.
type WorkerSettings struct {
	Enabled             bool
	ConfiguredPID       int
	TickIntervalSeconds int
	Env                 string
	Lane                string
}

// fileSettings mirrors the optional YAML config file. Secrets (the admin
// token) are environment-only and deliberately absent here.
type fileSettings struct {
	ListenAddr   string `yaml:"listen_addr"`
	DBPath       string `yaml:"db_path"`
	LogLevel     string `yaml:"log_level"`
	ArtifactsDir string `yaml:"artifacts_dir"`

	Worker struct {
		Enabled             *bool  `yaml:"enabled"`
		TickIntervalSeconds *int   `yaml:"tick_interval_seconds"`
		Env                 string `yaml:"env"`
		Lane                string `yaml:"lane"`
	} `yaml:"worker"`
}

// Load resolves settings with precedence ENV > file > defaults.
// path may be empty, in which case only env and defaults apply.
func Load(path string) (Settings, error) {
	s := Settings{
		ListenAddr:   ":8089",
		DBPath:       "forged.db",
		LogLevel:     "info",
		ArtifactsDir: "artifacts",
		Worker: WorkerSettings{
			Enabled:             false,
			ConfiguredPID:       0,
			TickIntervalSeconds: 3,
			Env:                 "local",
			Lane:                "default",
		},
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		var f fileSettings
		if err := yaml.Unmarshal(raw, &f); err != nil {
			return Settings{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
		if f.ListenAddr != "" {
			s.ListenAddr = f.ListenAddr
		}
		if f.DBPath != "" {
			s.DBPath = f.DBPath
		}
		if f.LogLevel != "" {
			s.LogLevel = f.LogLevel
		}
		if f.ArtifactsDir != "" {
			s.ArtifactsDir = f.ArtifactsDir
		}
		if f.Worker.Enabled != nil {
			s.Worker.Enabled = *f.Worker.Enabled
		}
		if f.Worker.TickIntervalSeconds != nil {
			s.Worker.TickIntervalSeconds = *f.Worker.TickIntervalSeconds
		}
		if f.Worker.Env != "" {
			s.Worker.Env = f.Worker.Env
		}
		if f.Worker.Lane != "" {
			s.Worker.Lane = f.Worker.Lane
		}
	}

	s.ListenAddr = ParseString("FORGED_LISTEN", s.ListenAddr)
	s.DBPath = ParseString("FORGE_DB_PATH", s.DBPath)
	s.LogLevel = ParseString("LOG_LEVEL", s.LogLevel)
	s.AdminToken = ParseString("ADMIN_TOKEN", "")
	s.ArtifactsDir = ParseString("FORGED_ARTIFACTS_DIR", s.ArtifactsDir)

	s.Worker.Enabled = ParseBool("AUTONOMY_V2_WORKER_ENABLED", s.Worker.Enabled)
	s.Worker.ConfiguredPID = ParseInt("AUTONOMY_V2_WORKER_PID", s.Worker.ConfiguredPID)
	s.Worker.TickIntervalSeconds = ParseInt("AUTONOMY_V2_WORKER_TICK_INTERVAL_SECONDS", s.Worker.TickIntervalSeconds)
	s.Worker.Env = ParseString("AUTONOMY_V2_WORKER_ENV", s.Worker.Env)
	s.Worker.Lane = ParseString("AUTONOMY_V2_WORKER_LANE", s.Worker.Lane)

	if s.Worker.TickIntervalSeconds < 1 {
		s.Worker.TickIntervalSeconds = 3
	}

	return s, nil
}

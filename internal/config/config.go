// Package config provides the configuration structure for the
// narration-service.
package config

import (
	"fmt"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
)

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                       string `toml:"url"`
	NarrationRequestSubject   string `toml:"narration_request_subject"`
	ArtifactObjectStoreBucket string `toml:"artifact_object_store_bucket"`
}

// EngineConfig describes one synthesis backend.
type EngineConfig struct {
	Name           string   `toml:"name"`
	Kind           string   `toml:"kind"`
	URL            string   `toml:"url"`
	Model          string   `toml:"model"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
	Languages      []string `toml:"languages"`
}

// PipelineConfig holds the orchestrator tuning knobs.
type PipelineConfig struct {
	TargetLength   int   `toml:"target_length"`
	Concurrency    int   `toml:"concurrency"`
	SubtitleGapMS  int64 `toml:"subtitle_gap_ms"`
	StreamAttempts int   `toml:"stream_attempts"`
	RetryBackoffMS int64 `toml:"retry_backoff_ms"`
}

// CacheConfig holds result cache settings.
type CacheConfig struct {
	// Backend selects "memory", "file", or "nats".
	Backend  string `toml:"backend"`
	Dir      string `toml:"dir"`
	TTLHours int    `toml:"ttl_hours"`
}

// LimitsConfig bounds the work accepted by the service.
type LimitsConfig struct {
	MaxPendingTasks int `toml:"max_pending_tasks"`
	MaxTextLength   int `toml:"max_text_length"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
	ScratchDir  string `toml:"scratch_dir"`
	OutputDir   string `toml:"output_dir"`
	FFmpegPath  string `toml:"ffmpeg_path"`
}

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	NATS     NATSConfig     `toml:"nats"`
	Engines  []EngineConfig `toml:"engines"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Cache    CacheConfig    `toml:"cache"`
	Limits   LimitsConfig   `toml:"limits"`
	Paths    PathsConfig    `toml:"paths"`
}

// Load loads the configuration for the narration-service.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return &cfg, nil
}

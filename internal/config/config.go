// Package config loads the engine's runtime settings via viper, layering
// defaults, an optional config file, and environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EngineConfig carries every knob the orchestration facade and its
// components need. HTTP/auth/CORS/rate-limit settings are deliberately
// absent: transport is out of scope for this engine.
type EngineConfig struct {
	Database  DatabaseConfig
	Redis     RedisConfig
	Worker    WorkerConfig
	Scanner   ScannerConfig
	Predictor PredictorConfig
	Tagging   TaggingConfig
	Logging   LoggingConfig
}

type DatabaseConfig struct {
	Path string
}

type RedisConfig struct {
	Address string
}

type WorkerConfig struct {
	Count            int
	PollInterval     time.Duration
	JobTimeout       time.Duration
	DrainTimeout     time.Duration
	IdleWaitTimeout  time.Duration
	IdleWaitInterval time.Duration
}

type ScannerConfig struct {
	AudioExtensions []string
	BatchSize       int
	MoveDurationTol time.Duration
}

type PredictorConfig struct {
	ModelsDir      string
	IdleTimeout    time.Duration
	AutoEvict      bool
	SweepInterval  time.Duration
}

type TaggingConfig struct {
	Namespace             string
	VersionTagKey         string
	TaggerVersion         string
	MP4FreeformBlocklist  []string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// Default returns the baseline configuration before file/env overrides.
func Default() *EngineConfig {
	return &EngineConfig{
		Database: DatabaseConfig{Path: "./data/engine.db"},
		Redis:    RedisConfig{Address: "127.0.0.1:6379"},
		Worker: WorkerConfig{
			Count:            4,
			PollInterval:     2 * time.Second,
			JobTimeout:       3600 * time.Second,
			DrainTimeout:     60 * time.Second,
			IdleWaitTimeout:  60 * time.Second,
			IdleWaitInterval: 500 * time.Millisecond,
		},
		Scanner: ScannerConfig{
			AudioExtensions: []string{".mp3", ".m4a", ".mp4", ".flac", ".ogg", ".opus", ".wav", ".aac"},
			BatchSize:       500,
			MoveDurationTol: time.Second,
		},
		Predictor: PredictorConfig{
			ModelsDir:     "./models",
			IdleTimeout:   300 * time.Second,
			AutoEvict:     true,
			SweepInterval: 30 * time.Second,
		},
		Tagging: TaggingConfig{
			Namespace:     "nom",
			VersionTagKey: "nom_version",
			TaggerVersion: "1.0.0",
			MP4FreeformBlocklist: []string{
				"com.apple.iTunes:ACOUSTID_FINGERPRINT",
				"com.apple.iTunes:ACOUSTID_ID",
				"com.apple.iTunes:MusicBrainz Track Id",
				"com.apple.iTunes:MusicBrainz Album Id",
			},
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

func setDefaults(v *viper.Viper, cfg *EngineConfig) {
	v.SetDefault("database.path", cfg.Database.Path)
	v.SetDefault("redis.address", cfg.Redis.Address)
	v.SetDefault("worker.count", cfg.Worker.Count)
	v.SetDefault("worker.poll_interval", cfg.Worker.PollInterval)
	v.SetDefault("worker.job_timeout", cfg.Worker.JobTimeout)
	v.SetDefault("worker.drain_timeout", cfg.Worker.DrainTimeout)
	v.SetDefault("worker.idle_wait_timeout", cfg.Worker.IdleWaitTimeout)
	v.SetDefault("worker.idle_wait_interval", cfg.Worker.IdleWaitInterval)
	v.SetDefault("scanner.audio_extensions", cfg.Scanner.AudioExtensions)
	v.SetDefault("scanner.batch_size", cfg.Scanner.BatchSize)
	v.SetDefault("scanner.move_duration_tolerance", cfg.Scanner.MoveDurationTol)
	v.SetDefault("predictor.models_dir", cfg.Predictor.ModelsDir)
	v.SetDefault("predictor.idle_timeout", cfg.Predictor.IdleTimeout)
	v.SetDefault("predictor.auto_evict", cfg.Predictor.AutoEvict)
	v.SetDefault("predictor.sweep_interval", cfg.Predictor.SweepInterval)
	v.SetDefault("tagging.namespace", cfg.Tagging.Namespace)
	v.SetDefault("tagging.version_tag_key", cfg.Tagging.VersionTagKey)
	v.SetDefault("tagging.tagger_version", cfg.Tagging.TaggerVersion)
	v.SetDefault("tagging.mp4_freeform_blocklist", cfg.Tagging.MP4FreeformBlocklist)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
}

// Load reads config.{yaml,json,toml} from the usual search path, then
// applies MELODEE_-prefixed environment overrides on top.
func Load() (*EngineConfig, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/melodee")
	v.AddConfigPath("$HOME/.melodee")

	setDefaults(v, cfg)

	v.AutomaticEnv()
	v.SetEnvPrefix("MELODEE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate rejects configurations that would make the engine's invariants unsatisfiable.
func Validate(cfg *EngineConfig) error {
	if cfg.Worker.Count <= 0 {
		return fmt.Errorf("worker.count must be positive, got %d", cfg.Worker.Count)
	}
	if cfg.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	if len(cfg.Scanner.AudioExtensions) == 0 {
		return fmt.Errorf("scanner.audio_extensions must not be empty")
	}
	if cfg.Tagging.Namespace == "" {
		return fmt.Errorf("tagging.namespace must not be empty")
	}
	return nil
}

// Package config loads the daemon configuration from YAML with .env
// overrides for the knobs operators actually tune per deployment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dugoutlabs/linedrive/pkg/artifact"
	"github.com/dugoutlabs/linedrive/pkg/pipeline/run"
	"github.com/dugoutlabs/linedrive/pkg/pipeline/stage"
	"github.com/dugoutlabs/linedrive/pkg/sizing"
)

// Config is the full daemon configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Sizing   SizingConfig   `yaml:"sizing"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Storage  StorageConfig  `yaml:"storage"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// PipelineConfig declares the stage sequence and artifact handling.
type PipelineConfig struct {
	ArtifactDir  string        `yaml:"artifact_dir"`
	FreshWindow  time.Duration `yaml:"-"` // resume-mode artifact freshness
	HistoryLimit int           `yaml:"history_limit"`
	Stages       []stage.Spec  `yaml:"stages"`
}

// UnmarshalYAML accepts fresh_window as a duration string ("18h").
func (p *PipelineConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		ArtifactDir  string       `yaml:"artifact_dir"`
		FreshWindow  string       `yaml:"fresh_window"`
		HistoryLimit int          `yaml:"history_limit"`
		Stages       []stage.Spec `yaml:"stages"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	p.ArtifactDir = raw.ArtifactDir
	p.HistoryLimit = raw.HistoryLimit
	p.Stages = raw.Stages
	if raw.FreshWindow != "" {
		d, err := time.ParseDuration(raw.FreshWindow)
		if err != nil {
			return fmt.Errorf("pipeline.fresh_window: %w", err)
		}
		p.FreshWindow = d
	}
	return nil
}

// SizingConfig controls the Kelly allocator.
type SizingConfig struct {
	Bankroll           float64 `yaml:"bankroll"`
	DefaultOdds        float64 `yaml:"default_odds"`
	MaxFraction        float64 `yaml:"max_fraction"`
	MinEdgeProbability float64 `yaml:"min_edge_probability"`
}

// ScheduleConfig controls the daily automatic trigger.
type ScheduleConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"` // six-field cron expression, seconds first
}

// StorageConfig controls where the run journal is persisted.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // path to the SQLite file, or ":memory:"
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Pretty bool   `yaml:"pretty"` // console writer for local runs
}

// Load reads the YAML config and applies .env overrides. A missing config
// file yields the defaults, so the daemon starts with zero setup.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// defaults only
		case err != nil:
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Definition().Validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// Definition returns the pipeline definition the executor runs.
func (c *Config) Definition() run.Definition {
	return run.Definition{
		Stages:      c.Pipeline.Stages,
		ArtifactDir: c.Pipeline.ArtifactDir,
	}
}

// AllocatorConfig returns the sizing configuration for the allocator.
func (c *Config) AllocatorConfig() sizing.Config {
	return sizing.Config{
		DefaultOdds:        c.Sizing.DefaultOdds,
		MaxFraction:        c.Sizing.MaxFraction,
		MinEdgeProbability: c.Sizing.MinEdgeProbability,
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MLB_BANKROLL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Sizing.Bankroll = f
		}
	}
	if v := os.Getenv("MLB_DEFAULT_ODDS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Sizing.DefaultOdds = f
		}
	}
	if v := os.Getenv("MLB_MAX_BET_FRACTION"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Sizing.MaxFraction = f
		}
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8090
	}
	if cfg.Pipeline.ArtifactDir == "" {
		cfg.Pipeline.ArtifactDir = "data/processed"
	}
	if cfg.Pipeline.FreshWindow <= 0 {
		cfg.Pipeline.FreshWindow = 18 * time.Hour
	}
	if cfg.Pipeline.HistoryLimit <= 0 {
		cfg.Pipeline.HistoryLimit = 10
	}
	if len(cfg.Pipeline.Stages) == 0 {
		cfg.Pipeline.Stages = DefaultStages()
	}
	if cfg.Sizing.Bankroll <= 0 {
		cfg.Sizing.Bankroll = 1000
	}
	if cfg.Sizing.DefaultOdds <= 1 {
		cfg.Sizing.DefaultOdds = 1.91 // -110 American
	}
	if cfg.Sizing.MaxFraction <= 0 || cfg.Sizing.MaxFraction > 1 {
		cfg.Sizing.MaxFraction = 0.25
	}
	if cfg.Sizing.MinEdgeProbability <= 0 {
		cfg.Sizing.MinEdgeProbability = 0.53
	}
	if cfg.Schedule.Cron == "" {
		cfg.Schedule.Cron = "0 0 9 * * *" // 9 AM daily
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "linedrive.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// DefaultStages declares the standard daily pipeline. Commands reference the
// external Python stages; {date} expands to the run's target date and {prev}
// to the previous stage's artifact path.
func DefaultStages() []stage.Spec {
	return []stage.Spec{
		{
			Name:         "game_discovery",
			Command:      "python3",
			Args:         []string{"scraping/collect_daily_games.py", "--date", "{date}"},
			ArtifactPath: "games_{date}.csv",
			Timeout:      5 * time.Minute,
		},
		{
			Name:         "feature_preparation",
			Command:      "python3",
			Args:         []string{"features/build_features.py", "--games", "{prev}", "--date", "{date}"},
			ArtifactPath: "features_{date}.csv",
			Timeout:      5 * time.Minute,
		},
		{
			Name:         "model_inference",
			Command:      "python3",
			Args:         []string{"modeling/predict_matchups.py", "--features", "{prev}", "--date", "{date}"},
			ArtifactPath: artifact.PredictionsFilename("{date}"),
			Timeout:      10 * time.Minute,
		},
		{
			Name:    run.StageBetSizing,
			Timeout: 2 * time.Minute,
		},
		{
			Name:         "publication",
			Command:      "python3",
			Args:         []string{"dashboard/publish_recommendations.py", "--input", "{prev}", "--date", "{date}"},
			ArtifactPath: "published_{date}.json",
			Timeout:      2 * time.Minute,
		},
	}
}

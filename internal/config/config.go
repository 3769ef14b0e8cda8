// Package config loads ransomguard settings from defaults, an optional YAML
// file, RANSOMGUARD_* environment variables and bound command line flags.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/hed1ad/ransomguard/internal/logger"
	"github.com/hed1ad/ransomguard/pkg/pipeline"
)

// EnvPrefix namespaces environment overrides, e.g. RANSOMGUARD_MODEL_TREES.
const EnvPrefix = "RANSOMGUARD"

// Config is the complete application configuration.
type Config struct {
	Dataset DatasetConfig `mapstructure:"dataset"`
	Model   ModelConfig   `mapstructure:"model"`
	Export  ExportConfig  `mapstructure:"export"`
	Log     logger.Config `mapstructure:"log"`
}

// DatasetConfig selects and splits the training table.
type DatasetConfig struct {
	Samples   int     `mapstructure:"samples"`
	Seed      int64   `mapstructure:"seed"`
	TestRatio float64 `mapstructure:"test_ratio"`
	Stratify  bool    `mapstructure:"stratify"`
	Features  string  `mapstructure:"features"`
}

// ModelConfig holds forest hyperparameters.
type ModelConfig struct {
	Trees       int `mapstructure:"trees"`
	MaxDepth    int `mapstructure:"max_depth"`
	MaxFeatures int `mapstructure:"max_features"`
	Workers     int `mapstructure:"workers"`
}

// ExportConfig controls the artifact.
type ExportConfig struct {
	Output string `mapstructure:"output"`
	Verify bool   `mapstructure:"verify"`
}

// New returns a viper instance with defaults and environment lookup set up.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults registers the default value of every key.
func SetDefaults(v *viper.Viper) {
	def := pipeline.DefaultConfig()

	v.SetDefault("dataset.samples", def.Samples)
	v.SetDefault("dataset.seed", def.Seed)
	v.SetDefault("dataset.test_ratio", def.TestRatio)
	v.SetDefault("dataset.stratify", def.Stratify)
	v.SetDefault("dataset.features", "")

	v.SetDefault("model.trees", def.Trees)
	v.SetDefault("model.max_depth", def.MaxDepth)
	v.SetDefault("model.max_features", def.MaxFeatures)
	v.SetDefault("model.workers", def.Workers)

	v.SetDefault("export.output", def.Output)
	v.SetDefault("export.verify", def.Verify)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
}

// Load reads the optional config file at path into v and decodes the result.
// An empty path looks for ransomguard.yaml in the working directory and
// ignores its absence.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("ransomguard")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")

		var notFound viper.ConfigFileNotFoundError
		if err := v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no stage could accept.
func (c *Config) Validate() error {
	if c.Dataset.Features == "" && c.Dataset.Samples < 2 {
		return fmt.Errorf("dataset.samples must be at least 2, got %d", c.Dataset.Samples)
	}
	if c.Dataset.TestRatio <= 0 || c.Dataset.TestRatio >= 1 {
		return fmt.Errorf("dataset.test_ratio must be in (0, 1), got %v", c.Dataset.TestRatio)
	}
	if c.Model.Trees <= 0 {
		return fmt.Errorf("model.trees must be positive, got %d", c.Model.Trees)
	}
	if c.Model.MaxDepth < 0 {
		return fmt.Errorf("model.max_depth must not be negative, got %d", c.Model.MaxDepth)
	}
	if c.Export.Output == "" {
		return errors.New("export.output must be set")
	}
	return nil
}

// Pipeline converts the configuration into pipeline settings.
func (c *Config) Pipeline() pipeline.Config {
	return pipeline.Config{
		Samples:      c.Dataset.Samples,
		Seed:         c.Dataset.Seed,
		TestRatio:    c.Dataset.TestRatio,
		Stratify:     c.Dataset.Stratify,
		FeaturesPath: c.Dataset.Features,
		Trees:        c.Model.Trees,
		MaxDepth:     c.Model.MaxDepth,
		MaxFeatures:  c.Model.MaxFeatures,
		Workers:      c.Model.Workers,
		Output:       c.Export.Output,
		Verify:       c.Export.Verify,
	}
}

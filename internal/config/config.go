// Package config loads runtime settings and the camera registry.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application settings. Values come from the YAML config
// file, overridable through SENTINEL_-prefixed environment variables.
type Config struct {
	ListenAddr   string         `mapstructure:"listen_addr"`
	RegistryPath string         `mapstructure:"registry_path"`
	LogLevel     string         `mapstructure:"log_level"`
	Development  bool           `mapstructure:"development"`
	Sampling     SamplingConfig `mapstructure:"sampling"`
	Store        StoreConfig    `mapstructure:"store"`
	Evidence     EvidenceConfig `mapstructure:"evidence"`
	Notify       NotifyConfig   `mapstructure:"notify"`
	Models       ModelsConfig   `mapstructure:"models"`
}

// SamplingConfig controls the dispatch tick and debounce window.
type SamplingConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Cooldown time.Duration `mapstructure:"cooldown"`
}

// StoreConfig selects the analytics database.
type StoreConfig struct {
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	RetentionCap int    `mapstructure:"retention_cap"`
}

// EvidenceConfig selects where event snapshots go. Backend is "local" or
// "minio".
type EvidenceConfig struct {
	Backend         string `mapstructure:"backend"`
	Dir             string `mapstructure:"dir"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
}

// NotifyConfig configures alert delivery. URLs are shoutrrr service URLs.
type NotifyConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	URLs     []string      `mapstructure:"urls"`
	Cooldown time.Duration `mapstructure:"cooldown"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ModelsConfig points at the detection model files on disk.
type ModelsConfig struct {
	FaceCascade     string  `mapstructure:"face_cascade"`
	FaceEmbedding   string  `mapstructure:"face_embedding"`
	FaceTolerance   float64 `mapstructure:"face_tolerance"`
	PPEWeights      string  `mapstructure:"ppe_weights"`
	PPEConfig       string  `mapstructure:"ppe_config"`
	PPEConfidence   float64 `mapstructure:"ppe_confidence"`
	SmokeModel      string  `mapstructure:"smoke_model"`
	SmokeConfidence float64 `mapstructure:"smoke_confidence"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("registry_path", "registry.json")
	v.SetDefault("log_level", "info")
	v.SetDefault("development", false)

	v.SetDefault("sampling.interval", time.Second)
	v.SetDefault("sampling.cooldown", 5*time.Second)

	v.SetDefault("store.driver", "sqlite3")
	v.SetDefault("store.dsn", "sentinel.db")
	v.SetDefault("store.retention_cap", 1000)

	v.SetDefault("evidence.backend", "local")
	v.SetDefault("evidence.dir", "evidence")

	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.cooldown", 60*time.Second)
	v.SetDefault("notify.timeout", 30*time.Second)

	v.SetDefault("models.face_tolerance", 0.6)
	v.SetDefault("models.ppe_confidence", 0.5)
	v.SetDefault("models.smoke_confidence", 0.5)
}

// Load reads the config file at path. A missing file is not an error; the
// defaults apply and the environment can still override.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SENTINEL")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

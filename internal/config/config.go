package config

import (
	"os"
	"path/filepath"
	"reflect"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

const configFileName = "mdm"

// Config holds the configuration options for the application.
type Config struct {
	DownloadDir string             `yaml:"downloadDir,omitempty"`
	StateDir    string             `yaml:"stateDir,omitempty"`
	Progressive *ProgressiveConfig `yaml:"progressive,omitempty"`
	Segmented   *SegmentedConfig   `yaml:"segmented,omitempty"`
}

// ProgressiveConfig holds configuration options for single-file downloads.
type ProgressiveConfig struct {
	TempDir string `yaml:"tempDir,omitempty"`
}

// SegmentedConfig holds configuration options for HLS downloads.
type SegmentedConfig struct {
	AssetDir    string `yaml:"assetDir,omitempty"`
	Connections int    `yaml:"connections,omitempty"`
}

// GetConfig reads the configuration file and returns a Config struct.
// If the configuration file does not exist, it returns the default configuration.
func GetConfig() (*Config, error) {
	configFilePath := filepath.Join(xdg.ConfigHome, configFileName)
	defaults := DefaultConfig()

	b, err := os.ReadFile(configFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return &defaults, nil
		}

		return nil, err
	}

	if len(b) == 0 {
		return &defaults, nil
	}

	var cfg Config

	err = yaml.Unmarshal(b, &cfg)
	if err != nil {
		return nil, err
	}

	progressiveCfg := zeroOr(cfg.Progressive, defaults.Progressive)
	segmentedCfg := zeroOr(cfg.Segmented, defaults.Segmented)

	return &Config{
		DownloadDir: zeroOr(cfg.DownloadDir, defaults.DownloadDir),
		StateDir:    zeroOr(cfg.StateDir, defaults.StateDir),
		Progressive: &ProgressiveConfig{
			TempDir: zeroOr(progressiveCfg.TempDir, defaults.Progressive.TempDir),
		},
		Segmented: &SegmentedConfig{
			AssetDir:    zeroOr(segmentedCfg.AssetDir, defaults.Segmented.AssetDir),
			Connections: zeroOr(segmentedCfg.Connections, defaults.Segmented.Connections),
		},
	}, nil
}

// DatabasePath is where the completed-task store lives for this config.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.StateDir, "tasks.db")
}

func DefaultConfig() Config {
	return Config{
		DownloadDir: downloadDir,
		StateDir:    stateDir,
		Progressive: &ProgressiveConfig{
			TempDir: tempDir,
		},
		Segmented: &SegmentedConfig{
			AssetDir:    assetDir,
			Connections: segmentConnections,
		},
	}
}

// zeroOr returns def if v is the zero value for its type.
func zeroOr[T any](v, def T) T {
	if reflect.ValueOf(v).IsZero() {
		return def
	}

	return v
}

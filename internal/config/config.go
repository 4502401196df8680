package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process-wide configuration, loaded once at boot.
// The platform/model policy lives separately in models.yaml (see resolve
// package) so it can be hot-reloaded without a restart.
type Config struct {
	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"server"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Extraction struct {
		// TimeoutSeconds bounds the wait for the in-page extractor's
		// ready signal. Expired waits fail open to "no content".
		TimeoutSeconds int `yaml:"timeoutSeconds"`
	} `yaml:"extraction"`

	Janitor struct {
		// ReconcileSchedule is a cron spec for periodic orphan cleanup.
		ReconcileSchedule string `yaml:"reconcileSchedule"`
	} `yaml:"janitor"`

	Defaults struct {
		PlatformID string `yaml:"platformId"`
		ModelID    string `yaml:"modelId"`
	} `yaml:"defaults"`

	Platforms struct {
		OllamaBaseURL string `yaml:"ollamaBaseUrl"`
	} `yaml:"platforms"`
}

// DataDir returns the directory holding the database, models.yaml and logs.
func DataDir() string {
	if dir := os.Getenv("PAGERELAY_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pagerelay"
	}
	return filepath.Join(home, ".pagerelay")
}

// Load reads a YAML config file with environment variable expansion.
// A missing file yields the defaults.
func Load(path string) (Config, error) {
	c := defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return c, fmt.Errorf("read config: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses YAML config bytes with environment variable expansion.
func LoadFromBytes(data []byte) (Config, error) {
	c := defaults()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &c); err != nil {
		return c, fmt.Errorf("parse config: %w", err)
	}
	return c, nil
}

func defaults() Config {
	var c Config
	c.Server.Host = "127.0.0.1"
	c.Server.Port = 27811
	c.Database.Path = filepath.Join(DataDir(), "pagerelay.db")
	c.Extraction.TimeoutSeconds = 10
	c.Janitor.ReconcileSchedule = "@every 10m"
	return c
}

// ExtractionTimeout returns the bounded extraction wait as a duration.
func (c Config) ExtractionTimeout() time.Duration {
	if c.Extraction.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Extraction.TimeoutSeconds) * time.Second
}

// ListenAddr returns the host:port the server binds to.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

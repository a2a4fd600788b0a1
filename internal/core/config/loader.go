package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/netsession/internal/infra/kv"
	"github.com/vietddude/netsession/internal/queue"
)

// ErrInvalidConfig is returned when a loaded configuration cannot be used.
var ErrInvalidConfig = errors.New("invalid config")

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML content, expanding environment variables first, and
// applies defaults.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) applyDefaults() {
	c.API.BaseURL = strings.TrimRight(c.API.BaseURL, "/")

	if c.Network.ProbeURL == "" && c.API.BaseURL != "" {
		c.Network.ProbeURL = c.API.BaseURL + "/health"
	}
	if c.Network.BandwidthURL == "" && c.API.BaseURL != "" {
		c.Network.BandwidthURL = c.API.BaseURL + "/probe"
	}

	if c.Queue.Capacity <= 0 {
		c.Queue.Capacity = queue.DefaultConfig().Capacity
	}
	if c.Queue.LowPriorityChance == nil {
		c.Queue.LowPriorityChance = queue.Chance(queue.DefaultLowPriorityChance)
	}

	if c.Store.Backend == "" {
		c.Store.Backend = BackendBbolt
	}
	if c.Store.Path == "" {
		c.Store.Path = "netsession.db"
	}
	if c.Store.Retry == (kv.RetryConfig{}) {
		c.Store.Retry = kv.DefaultRetryConfig
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *AppConfig) validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("%w: api.base_url is required", ErrInvalidConfig)
	}
	switch c.Store.Backend {
	case BackendMemory, BackendBbolt:
	case BackendRedis:
		if c.Store.Redis.URL == "" {
			return fmt.Errorf("%w: store.redis.url is required", ErrInvalidConfig)
		}
	case BackendPostgres:
		if c.Store.Postgres.URL == "" {
			return fmt.Errorf("%w: store.postgres.url is required", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, c.Store.Backend)
	}
	return nil
}

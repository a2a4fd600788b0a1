package config

import (
	"github.com/vietddude/netsession/internal/client"
	"github.com/vietddude/netsession/internal/infra/kv"
	"github.com/vietddude/netsession/internal/infra/kv/postgres"
	redisstore "github.com/vietddude/netsession/internal/infra/kv/redis"
	"github.com/vietddude/netsession/internal/network"
	"github.com/vietddude/netsession/internal/queue"
	"github.com/vietddude/netsession/internal/session"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	API     client.Config  `yaml:"api"`
	Session session.Config `yaml:"session"`
	Network network.Config `yaml:"network"`
	Queue   queue.Config   `yaml:"queue"`
	Store   StoreConfig    `yaml:"store"`
	Logging LoggingConfig  `yaml:"logging"`
	Server  ServerConfig   `yaml:"server"`
}

// Store backends.
const (
	BackendMemory   = "memory"
	BackendBbolt    = "bbolt"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// StoreConfig selects and configures the key-value backend.
type StoreConfig struct {
	Backend string `yaml:"backend"` // memory, bbolt, redis, postgres
	// Path is the bbolt database file.
	Path           string            `yaml:"path"`
	MemoryCapacity int               `yaml:"memory_capacity"` // bytes, 0 = unlimited
	Redis          redisstore.Config `yaml:"redis"`
	Postgres       postgres.Config   `yaml:"postgres"`
	Retry          kv.RetryConfig    `yaml:"retry"`
}

// ServerConfig holds the health/metrics HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"` // 0 disables the server
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

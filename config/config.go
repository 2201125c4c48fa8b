// Package config loads the surge components' settings from environment
// variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config aggregates the settings of every surge component.
type Config struct {
	Redis     RedisConfig
	DB        DBConfig
	Cache     CacheConfig
	Admission AdmissionConfig
}

// RedisConfig locates the shared store.
type RedisConfig struct {
	Addr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password string `envconfig:"REDIS_PASSWORD" default:""`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

// DBConfig locates the relational database used for order finalization.
type DBConfig struct {
	Host     string `envconfig:"DB_HOST" default:"localhost"`
	Port     string `envconfig:"DB_PORT" default:"5432"`
	User     string `envconfig:"DB_USER" default:"surge"`
	Password string `envconfig:"DB_PASSWORD" default:""`
	DBName   string `envconfig:"DB_NAME" default:"surge"`
	SSLMode  string `envconfig:"DB_SSL_MODE" default:"disable"`
}

// CacheConfig tunes the cache coordinator.
type CacheConfig struct {
	NullTTL        time.Duration `envconfig:"CACHE_NULL_TTL" default:"2m"`
	LockTTL        time.Duration `envconfig:"CACHE_LOCK_TTL" default:"10s"`
	RebuildWorkers int           `envconfig:"CACHE_REBUILD_WORKERS" default:"10"`
	RebuildQueue   int           `envconfig:"CACHE_REBUILD_QUEUE" default:"64"`
}

// AdmissionConfig tunes the admission pipeline.
type AdmissionConfig struct {
	QueueSize int           `envconfig:"ADMISSION_QUEUE_SIZE" default:"1024"`
	LockTTL   time.Duration `envconfig:"ADMISSION_LOCK_TTL" default:"10s"`
}

// DSN builds the Postgres connection string.
func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("process env config: %w", err)
	}
	return cfg, nil
}

package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends accepted by COORD_STORE.
const (
	storeMemory = "memory"
	storeRedis  = "redis"
	storePulse  = "pulse"
	storeMongo  = "mongo"
)

type (
	// config is the daemon configuration. Values come from defaults, then the
	// optional YAML file named by COORD_CONFIG, then environment variables.
	config struct {
		Name          string        `yaml:"name"`
		Store         string        `yaml:"store"`
		StoreKey      string        `yaml:"store_key"`
		Redis         redisConfig   `yaml:"redis"`
		Mongo         mongoConfig   `yaml:"mongo"`
		HealthAddr    string        `yaml:"health_addr"`
		PruneInterval time.Duration `yaml:"prune_interval"`
		PruneMaxAge   time.Duration `yaml:"prune_max_age"`
		StaleAfter    time.Duration `yaml:"stale_after"`
		Debug         bool          `yaml:"debug"`
	}

	redisConfig struct {
		URL      string `yaml:"url"`
		Password string `yaml:"password"`
	}

	mongoConfig struct {
		URI        string `yaml:"uri"`
		Database   string `yaml:"database"`
		Collection string `yaml:"collection"`
	}
)

func defaultConfig() config {
	return config{
		Name:          "coordinator",
		Store:         storeMemory,
		Redis:         redisConfig{URL: "localhost:6379"},
		Mongo:         mongoConfig{URI: "mongodb://localhost:27017", Database: "coordinator"},
		HealthAddr:    ":8081",
		PruneInterval: 5 * time.Minute,
		PruneMaxAge:   time.Hour,
		StaleAfter:    10 * time.Minute,
	}
}

// loadConfig builds the configuration from defaults, COORD_CONFIG and the
// environment.
func loadConfig() (config, error) {
	cfg := defaultConfig()
	if path := os.Getenv("COORD_CONFIG"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return config{}, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return config{}, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	cfg.Name = envOr("COORD_NAME", cfg.Name)
	cfg.Store = envOr("COORD_STORE", cfg.Store)
	cfg.StoreKey = envOr("COORD_STORE_KEY", cfg.StoreKey)
	cfg.Redis.URL = envOr("REDIS_URL", cfg.Redis.URL)
	cfg.Redis.Password = envOr("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Mongo.URI = envOr("MONGO_URI", cfg.Mongo.URI)
	cfg.Mongo.Database = envOr("MONGO_DATABASE", cfg.Mongo.Database)
	cfg.HealthAddr = envOr("HEALTH_ADDR", cfg.HealthAddr)
	cfg.PruneInterval = envDurationOr("PRUNE_INTERVAL", cfg.PruneInterval)
	cfg.PruneMaxAge = envDurationOr("PRUNE_MAX_AGE", cfg.PruneMaxAge)
	cfg.StaleAfter = envDurationOr("STALE_AFTER", cfg.StaleAfter)
	cfg.Debug = envBoolOr("DEBUG", cfg.Debug)

	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c config) validate() error {
	switch c.Store {
	case storeMemory, storeRedis, storePulse:
	case storeMongo:
		if c.Mongo.Database == "" {
			return fmt.Errorf("mongo store requires a database name")
		}
	default:
		return fmt.Errorf("unknown store %q (want memory, redis, pulse or mongo)", c.Store)
	}
	if c.PruneInterval <= 0 {
		return fmt.Errorf("prune interval must be positive, got %s", c.PruneInterval)
	}
	return nil
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

// envBoolOr returns the environment variable as bool or a default.
func envBoolOr(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

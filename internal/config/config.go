// Package config provides configuration management for a ray node.
//
// Configuration is read from ray.conf (YAML) and RAY_* environment
// variables, e.g. RAY_NET_LISTENING_PORT overrides net.listening_port.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "RAY"

// Supported password hashing algorithms.
const (
	HashArgon2 = "argon2"
	HashPBKDF2 = "pbkdf2"
)

// Config holds all configuration for a ray node.
type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Net         NetConfig         `mapstructure:"net" yaml:"net"`
	Auth        AuthConfig        `mapstructure:"auth" yaml:"auth"`
	Storage     StorageConfig     `mapstructure:"storage" yaml:"storage"`
	Cache       CacheConfig       `mapstructure:"cache" yaml:"cache"`
	Queue       QueueConfig       `mapstructure:"queue" yaml:"queue"`
	RateLimiter RateLimiterConfig `mapstructure:"rate_limiter" yaml:"rate_limiter"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig holds HTTP server timeouts.
type ServerConfig struct {
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// RequireLength rejects non-GET requests with a body but no Content-Length.
	RequireLength bool `mapstructure:"require_length" yaml:"require_length"`
}

// NetConfig holds listener and connection accounting settings.
type NetConfig struct {
	// Host defaults to all interfaces in production and 127.0.0.1 otherwise.
	Host                string        `mapstructure:"host" yaml:"host"`
	ListeningPort       int           `mapstructure:"listening_port" yaml:"listening_port"`
	ForceSSL            bool          `mapstructure:"force_ssl" yaml:"force_ssl"`
	TLSCertFile         string        `mapstructure:"tls_cert_file" yaml:"tls_cert_file"`
	TLSKeyFile          string        `mapstructure:"tls_key_file" yaml:"tls_key_file"`
	MaxConnections      int           `mapstructure:"max_connections" yaml:"max_connections"`
	MaxConnectionsPerIP int           `mapstructure:"max_connections_per_ip" yaml:"max_connections_per_ip"`
	ClientTimeout       time.Duration `mapstructure:"client_timeout" yaml:"client_timeout"`
}

// AuthConfig holds Basic authentication settings.
type AuthConfig struct {
	EnableAuthentication bool   `mapstructure:"enable_authentication" yaml:"enable_authentication"`
	Username             string `mapstructure:"username" yaml:"username"`
	HashedPassword       string `mapstructure:"hashed_password" yaml:"hashed_password"`
	HashingAlgorithm     string `mapstructure:"hashing_algorithm" yaml:"hashing_algorithm"`
}

// StorageConfig names the durable stores and the keyspace snapshot.
type StorageConfig struct {
	AppStore     string `mapstructure:"app_store" yaml:"app_store"`
	NetworkStore string `mapstructure:"network_store" yaml:"network_store"`
	Keyspace     string `mapstructure:"keyspace" yaml:"keyspace"`
}

// CacheConfig holds TTL cache settings.
type CacheConfig struct {
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// QueueConfig holds write queue settings.
type QueueConfig struct {
	Size         int           `mapstructure:"size" yaml:"size"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
}

// RateLimiterConfig holds rate limiter configuration.
type RateLimiterConfig struct {
	Enabled           bool    `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size" yaml:"burst_size"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	Port          int           `mapstructure:"port" yaml:"port"`
	Path          string        `mapstructure:"path" yaml:"path"`
	StatsInterval time.Duration `mapstructure:"stats_interval" yaml:"stats_interval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
	// File enables the rayrc.log file under the logs path.
	File bool `mapstructure:"file" yaml:"file"`
}

// Load reads configuration from path and environment variables. An empty
// path or a missing file leaves the defaults in place.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read environment variables
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return &cfg
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.require_length", false)

	// Net defaults
	v.SetDefault("net.host", "")
	v.SetDefault("net.listening_port", 4160)
	v.SetDefault("net.force_ssl", false)
	v.SetDefault("net.tls_cert_file", "")
	v.SetDefault("net.tls_key_file", "")
	v.SetDefault("net.max_connections", 1024)
	v.SetDefault("net.max_connections_per_ip", 64)
	v.SetDefault("net.client_timeout", "30s")

	// Auth defaults
	v.SetDefault("auth.enable_authentication", false)
	v.SetDefault("auth.username", "")
	v.SetDefault("auth.hashed_password", "")
	v.SetDefault("auth.hashing_algorithm", HashArgon2)

	// Storage defaults
	v.SetDefault("storage.app_store", "app")
	v.SetDefault("storage.network_store", "network")
	v.SetDefault("storage.keyspace", "keyspace")

	// Cache defaults
	v.SetDefault("cache.namespace", "rayrc")

	// Queue defaults
	v.SetDefault("queue.size", 256)
	v.SetDefault("queue.drain_timeout", "10s")

	// Rate limiter defaults
	v.SetDefault("rate_limiter.enabled", true)
	v.SetDefault("rate_limiter.requests_per_second", 1000.0)
	v.SetDefault("rate_limiter.burst_size", 100)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9160)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.stats_interval", "15s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.file", true)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Net.ListeningPort <= 0 || c.Net.ListeningPort > 65535 {
		return fmt.Errorf("invalid listening port: %d", c.Net.ListeningPort)
	}

	if c.Net.MaxConnections <= 0 {
		return fmt.Errorf("max connections must be positive")
	}

	if c.Net.MaxConnectionsPerIP <= 0 || c.Net.MaxConnectionsPerIP > c.Net.MaxConnections {
		return fmt.Errorf("max connections per ip must be in [1, %d]", c.Net.MaxConnections)
	}

	if c.Net.ClientTimeout < 0 {
		return fmt.Errorf("client timeout must not be negative")
	}

	if c.Net.ForceSSL && (c.Net.TLSCertFile == "" || c.Net.TLSKeyFile == "") {
		return fmt.Errorf("force_ssl requires tls_cert_file and tls_key_file")
	}

	if c.Auth.EnableAuthentication {
		if c.Auth.Username == "" || c.Auth.HashedPassword == "" {
			return fmt.Errorf("authentication requires a username and a hashed password")
		}
		switch c.Auth.HashingAlgorithm {
		case HashArgon2, HashPBKDF2:
		default:
			return fmt.Errorf("unsupported hashing algorithm: %q", c.Auth.HashingAlgorithm)
		}
	}

	for name, v := range map[string]string{
		"storage.app_store":     c.Storage.AppStore,
		"storage.network_store": c.Storage.NetworkStore,
		"storage.keyspace":      c.Storage.Keyspace,
		"cache.namespace":       c.Cache.Namespace,
	} {
		if v == "" || strings.ContainsAny(v, `/\`) || v == "." || v == ".." {
			return fmt.Errorf("invalid %s: %q", name, v)
		}
	}

	if c.Queue.Size <= 0 {
		return fmt.Errorf("queue size must be positive")
	}

	if c.RateLimiter.Enabled {
		if c.RateLimiter.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate limiter requests per second must be positive")
		}
		if c.RateLimiter.BurstSize <= 0 {
			return fmt.Errorf("rate limiter burst size must be positive")
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
		}
		if c.Metrics.Port == c.Net.ListeningPort {
			return fmt.Errorf("metrics port must differ from the listening port")
		}
	}

	return nil
}

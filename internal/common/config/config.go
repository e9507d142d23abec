// Package config provides configuration management for agentpool.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Docker   DockerConfig   `mapstructure:"docker"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Host     HostConfig     `mapstructure:"host"`
	Secrets  SecretsConfig  `mapstructure:"secrets"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds

	// InstanceID marks coordination nodes owned by this process. Empty means hostname.
	InstanceID string `mapstructure:"instanceId"`
}

// DatabaseConfig holds database connection configuration.
// Driver "sqlite" uses Path; driver "postgres" uses the DSN parts.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging and coordination configuration.
// An empty URL selects the in-memory event bus and coordinator.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
	KVBucket      string `mapstructure:"kvBucket"`
	KVTTL         int    `mapstructure:"kvTtl"` // in seconds
}

// DockerConfig holds settings for the agent containers the pool starts.
type DockerConfig struct {
	SocketPath string `mapstructure:"socketPath"`
	APIVersion string `mapstructure:"apiVersion"`
	AgentImage string `mapstructure:"agentImage"`
	// ServerURL is handed to agent containers so they can dial back.
	ServerURL string `mapstructure:"serverUrl"`
	Network   string `mapstructure:"network"`
}

// AgentConfig holds allocation settings.
type AgentConfig struct {
	RetryInterval  int   `mapstructure:"retryInterval"` // in seconds
	LockTimeout    int   `mapstructure:"lockTimeout"`   // in seconds
	TokenCacheSize int64 `mapstructure:"tokenCacheSize"`
}

// HostConfig holds host pool settings.
type HostConfig struct {
	CacheSize        int  `mapstructure:"cacheSize"`
	CacheTTL         int  `mapstructure:"cacheTtl"`      // in seconds
	SweepInterval    int  `mapstructure:"sweepInterval"` // in seconds
	SweepConcurrency int  `mapstructure:"sweepConcurrency"`
	AutoCreateLocal  bool `mapstructure:"autoCreateLocal"`
	DefaultMaxSize   int  `mapstructure:"defaultMaxSize"`
	MaxIdle          int  `mapstructure:"maxIdle"`    // in seconds
	MaxOffline       int  `mapstructure:"maxOffline"` // in seconds
}

// SecretsConfig locates the master key used for secrets at rest.
type SecretsConfig struct {
	DataDir string `mapstructure:"dataDir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

func (a *AgentConfig) RetryIntervalDuration() time.Duration {
	return time.Duration(a.RetryInterval) * time.Second
}

func (a *AgentConfig) LockTimeoutDuration() time.Duration {
	return time.Duration(a.LockTimeout) * time.Second
}

func (h *HostConfig) CacheTTLDuration() time.Duration {
	return time.Duration(h.CacheTTL) * time.Second
}

func (h *HostConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(h.SweepInterval) * time.Second
}

func (h *HostConfig) MaxIdleDuration() time.Duration {
	return time.Duration(h.MaxIdle) * time.Second
}

func (h *HostConfig) MaxOfflineDuration() time.Duration {
	return time.Duration(h.MaxOffline) * time.Second
}

func (n *NATSConfig) KVTTLDuration() time.Duration {
	return time.Duration(n.KVTTL) * time.Second
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTPOOL_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.instanceId", "")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./agentpool.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "agentpool")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "agentpool")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Empty URL means in-memory bus and coordinator (single instance).
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentpool")
	v.SetDefault("nats.maxReconnects", 10)
	v.SetDefault("nats.kvBucket", "agentpool")
	v.SetDefault("nats.kvTtl", 30)

	v.SetDefault("docker.socketPath", "/var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "")
	v.SetDefault("docker.agentImage", "agentpool/agent:latest")
	v.SetDefault("docker.serverUrl", "http://127.0.0.1:8080")
	v.SetDefault("docker.network", "")

	v.SetDefault("agent.retryInterval", 10)
	v.SetDefault("agent.lockTimeout", 5)
	v.SetDefault("agent.tokenCacheSize", 10000)

	v.SetDefault("host.cacheSize", 20)
	v.SetDefault("host.cacheTtl", 1800)
	v.SetDefault("host.sweepInterval", 300)
	v.SetDefault("host.sweepConcurrency", 4)
	v.SetDefault("host.autoCreateLocal", true)
	v.SetDefault("host.defaultMaxSize", 10)
	v.SetDefault("host.maxIdle", 3600)
	v.SetDefault("host.maxOffline", 600)

	v.SetDefault("secrets.dataDir", "~/.agentpool")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTPOOL_.
// Config file should be named config.yaml and placed in the current directory or /etc/agentpool/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not map camelCase keys to SNAKE_CASE.
	_ = v.BindEnv("database.dbName", "AGENTPOOL_DATABASE_DB_NAME")
	_ = v.BindEnv("nats.kvBucket", "AGENTPOOL_NATS_KV_BUCKET")
	_ = v.BindEnv("docker.socketPath", "AGENTPOOL_DOCKER_SOCKET_PATH")
	_ = v.BindEnv("docker.agentImage", "AGENTPOOL_DOCKER_AGENT_IMAGE")
	_ = v.BindEnv("docker.serverUrl", "AGENTPOOL_DOCKER_SERVER_URL")
	_ = v.BindEnv("secrets.dataDir", "AGENTPOOL_SECRETS_DATA_DIR")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentpool/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch strings.ToLower(cfg.Database.Driver) {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	if cfg.NATS.URL != "" && cfg.NATS.KVBucket == "" {
		errs = append(errs, "nats.kvBucket is required when nats.url is set")
	}
	if cfg.NATS.KVTTL <= 0 {
		errs = append(errs, "nats.kvTtl must be positive")
	}

	if cfg.Agent.RetryInterval <= 0 {
		errs = append(errs, "agent.retryInterval must be positive")
	}
	if cfg.Agent.LockTimeout <= 0 {
		errs = append(errs, "agent.lockTimeout must be positive")
	}

	if cfg.Host.CacheSize <= 0 {
		errs = append(errs, "host.cacheSize must be positive")
	}
	if cfg.Host.SweepInterval <= 0 {
		errs = append(errs, "host.sweepInterval must be positive")
	}
	if cfg.Host.DefaultMaxSize <= 0 {
		errs = append(errs, "host.defaultMaxSize must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// Package config provides configuration management for the orchestration
// core. It supports loading configuration from environment variables,
// config files, and defaults, following the same viper-based layering the
// rest of the ambient stack uses.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestration core.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Database     DatabaseConfig     `mapstructure:"database"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Bus          BusConfig          `mapstructure:"bus"`
	Delegation   DelegationConfig   `mapstructure:"delegation"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Consensus    ConsensusConfig    `mapstructure:"consensus"`
}

// ServerConfig holds the optional thin HTTP surface's configuration.
type ServerConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	Port         int  `mapstructure:"port"`
	ReadTimeout  int  `mapstructure:"readTimeout"`
	WriteTimeout int  `mapstructure:"writeTimeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// DatabaseConfig holds the optional Postgres-backed memory store
// connection configuration. When Driver is "memory" (the default), the
// in-process memory store is used instead.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // "memory" or "postgres"
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// NATSConfig holds NATS messaging configuration for the communication
// bus's optional real transport. An empty URL means use the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// BusConfig holds communication-bus tuning parameters.
type BusConfig struct {
	HistoryCapPerSession int `mapstructure:"historyCapPerSession"`
}

// DelegationConfig holds task delegation service parameters.
type DelegationConfig struct {
	TaskMaxAttempts int `mapstructure:"taskMaxAttempts"`
	BackoffBaseMs   int `mapstructure:"backoffBaseMs"`
	BackoffCapMs    int `mapstructure:"backoffCapMs"`
}

// OrchestratorConfig holds orchestrator execution parameters.
type OrchestratorConfig struct {
	TaskExecutionTimeoutMs     int  `mapstructure:"taskExecutionTimeoutMs"`
	RequeueSchedulerIntervalMs int  `mapstructure:"requeueSchedulerIntervalMs"`
	SimulateAgentExecution     bool `mapstructure:"simulateAgentExecution"`
	SimulatedAgentDelayMs      int  `mapstructure:"simulatedAgentDelayMs"`
	// DisableRealAgentExecution is the deprecated, negated predecessor of
	// SimulateAgentExecution. Observing it true sets SimulateAgentExecution
	// (see applyDeprecations); no audit record is emitted for it.
	DisableRealAgentExecution bool `mapstructure:"disableRealAgentExecution"`
	MetricsWindowSize         int  `mapstructure:"metricsWindowSize"`
}

// ConsensusConfig holds consensus engine parameters.
type ConsensusConfig struct {
	AgreementThreshold         float64  `mapstructure:"agreementThreshold"`
	ConstitutionalBlocklist    []string `mapstructure:"constitutionalBlocklist"`
	SupportSimilarityThreshold float64  `mapstructure:"supportSimilarityThreshold"`
	ObjectSimilarityThreshold  float64  `mapstructure:"objectSimilarityThreshold"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "agentcore")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "agentcore")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 10)
	v.SetDefault("database.minConns", 2)

	// Empty URL means use the in-memory bus transport instead of NATS.
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentcore-orchestrator")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("bus.historyCapPerSession", 10000)

	v.SetDefault("delegation.taskMaxAttempts", 3)
	v.SetDefault("delegation.backoffBaseMs", 500)
	v.SetDefault("delegation.backoffCapMs", 30000)

	v.SetDefault("orchestrator.taskExecutionTimeoutMs", 4000)
	v.SetDefault("orchestrator.requeueSchedulerIntervalMs", 0)
	v.SetDefault("orchestrator.simulateAgentExecution", false)
	v.SetDefault("orchestrator.simulatedAgentDelayMs", 120)
	v.SetDefault("orchestrator.disableRealAgentExecution", false)
	v.SetDefault("orchestrator.metricsWindowSize", 1000)

	v.SetDefault("consensus.agreementThreshold", 0.7)
	v.SetDefault("consensus.constitutionalBlocklist", []string{})
	v.SetDefault("consensus.supportSimilarityThreshold", 0.6)
	v.SetDefault("consensus.objectSimilarityThreshold", 0.4)
}

// Load reads configuration from environment variables, config file, and
// defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations. Environment variables use the prefix AGENTCORE_ with
// snake_case naming, matching the ambient convention.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentcore/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	applyDeprecations(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyDeprecations rewrites deprecated options onto their replacements.
// Returns true if a deprecated option was observed, so callers can emit a
// one-time audit record.
func applyDeprecations(cfg *Config) bool {
	if cfg.Orchestrator.DisableRealAgentExecution {
		cfg.Orchestrator.SimulateAgentExecution = true
		return true
	}
	return false
}

// validate checks that required configuration fields are well-formed.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Enabled && (cfg.Server.Port <= 0 || cfg.Server.Port > 65535) {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if cfg.Database.Driver != "memory" && cfg.Database.Driver != "postgres" {
		errs = append(errs, "database.driver must be one of: memory, postgres")
	}

	if cfg.Delegation.TaskMaxAttempts <= 0 {
		errs = append(errs, "delegation.taskMaxAttempts must be positive")
	}
	if cfg.Delegation.BackoffBaseMs <= 0 || cfg.Delegation.BackoffCapMs < cfg.Delegation.BackoffBaseMs {
		errs = append(errs, "delegation.backoffCapMs must be >= delegation.backoffBaseMs")
	}

	if cfg.Orchestrator.TaskExecutionTimeoutMs < 0 {
		errs = append(errs, "orchestrator.taskExecutionTimeoutMs must not be negative")
	}

	if cfg.Consensus.AgreementThreshold < 0 || cfg.Consensus.AgreementThreshold > 1 {
		errs = append(errs, "consensus.agreementThreshold must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

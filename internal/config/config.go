// Package config loads Renova configuration from YAML with environment
// overrides. Each concern keeps its own file in this package; Config is
// the aggregate handed to the service constructors at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all Renova configuration.
type Config struct {
	// Org prefixes every routing key (<org>.<service>.<event>.<version>).
	Org string `yaml:"org" validate:"required"`

	Server  ServerConfig  `yaml:"server"`
	Mongo   MongoConfig   `yaml:"mongo"`
	Broker  BrokerConfig  `yaml:"broker"`
	LLM     LLMConfig     `yaml:"llm"`
	Runs    RunsConfig    `yaml:"runs"`
	Logging LoggingConfig `yaml:"logging"`

	// RegistrySeedDir holds kind definition YAML files; watched for
	// changes when non-empty.
	RegistrySeedDir string `yaml:"registry_seed_dir"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
	File   string `yaml:"file"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Org:     "renova",
		Server:  defaultServer(),
		Mongo:   defaultMongo(),
		Broker:  defaultBroker(),
		LLM:     defaultLLM(),
		Runs:    defaultRuns(),
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads the config file at path (optional) and applies RENOVA_*
// environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural constraints.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// applyEnv overrides individual fields from the environment.
func (c *Config) applyEnv() {
	setString(&c.Org, "RENOVA_ORG")
	setString(&c.Server.Host, "RENOVA_HOST")
	setInt(&c.Server.Port, "RENOVA_PORT")
	setString(&c.Mongo.URI, "RENOVA_MONGO_URI")
	setString(&c.Mongo.Database, "RENOVA_MONGO_DB")
	setString(&c.Broker.URL, "RENOVA_BROKER_URL")
	setString(&c.Broker.Exchange, "RENOVA_BROKER_EXCHANGE")
	setString(&c.LLM.Provider, "RENOVA_LLM_PROVIDER")
	setString(&c.LLM.APIKey, "RENOVA_LLM_API_KEY")
	setString(&c.LLM.Model, "RENOVA_LLM_MODEL")
	setString(&c.LLM.BaseURL, "RENOVA_LLM_BASE_URL")
	setDuration(&c.LLM.Timeout, "RENOVA_LLM_TIMEOUT")
	setString(&c.RegistrySeedDir, "RENOVA_REGISTRY_SEED_DIR")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

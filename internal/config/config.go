// Package config loads the shepherd's declarative configuration from a
// single YAML file. Configuration problems are fatal at startup; nothing in
// this package is reloaded at runtime.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the shepherd service.
type Config struct {
	Service ServiceConfig `mapstructure:"service"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	Topics  TopicsConfig  `mapstructure:"topics"`
	Agents  AgentsConfig  `mapstructure:"agents"`
	Bus     BusConfig     `mapstructure:"bus"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServiceConfig contains the HTTP surface settings.
type ServiceConfig struct {
	Port            int           `mapstructure:"port"`
	PublicDir       string        `mapstructure:"public_dir"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
}

// KafkaConfig addresses the message broker.
type KafkaConfig struct {
	Host      string   `mapstructure:"host"`
	GroupID   string   `mapstructure:"group_id"`
	Subscribe []string `mapstructure:"subscribe"`
}

// TopicsConfig maps the conventional topic roles to wire names.
type TopicsConfig struct {
	ShepherdReceive    string `mapstructure:"shepherd_receive"`
	AgentReceive       string `mapstructure:"agent_receive"`
	CellReceive        string `mapstructure:"cell_receive"`
	EnvironmentReceive string `mapstructure:"environment_receive"`
	EnvironmentState   string `mapstructure:"environment_state"`
}

// AgentsConfig controls how agent subprocesses are launched.
type AgentsConfig struct {
	// Dir is the working directory of spawned children.
	Dir string `mapstructure:"dir"`

	// Boot is the default module to run when an ADD_AGENT message does
	// not name one.
	Boot string `mapstructure:"boot"`

	// Interpreter is the invocation prefix for module-style boots.
	Interpreter []string `mapstructure:"interpreter"`

	// TerminateTimeout bounds the wait before a removed agent is killed.
	TerminateTimeout time.Duration `mapstructure:"terminate_timeout"`
}

// BusConfig tunes the in-process event bus.
type BusConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// LoggingConfig selects the logger profile.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load reads the configuration file named by SHEPHERD_CONFIG, defaulting to
// config/shepherd.yaml. Missing file or invalid data is an error; the caller
// treats it as fatal.
func Load() (*Config, error) {
	path := os.Getenv("SHEPHERD_CONFIG")
	if path == "" {
		path = "config/shepherd.yaml"
	}
	return LoadFile(path)
}

// LoadFile reads and validates one configuration file.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.port", 33332)
	v.SetDefault("service.public_dir", "public")
	v.SetDefault("service.graceful_timeout", 15*time.Second)

	v.SetDefault("kafka.host", "127.0.0.1:9092")
	v.SetDefault("kafka.group_id", "shepherd")
	v.SetDefault("kafka.subscribe", []string{"shepherd-receive", "environment-state"})

	v.SetDefault("topics.shepherd_receive", "shepherd-receive")
	v.SetDefault("topics.agent_receive", "agent-receive")
	v.SetDefault("topics.cell_receive", "cell-receive")
	v.SetDefault("topics.environment_receive", "environment-receive")
	v.SetDefault("topics.environment_state", "environment-state")

	v.SetDefault("agents.dir", ".")
	v.SetDefault("agents.interpreter", []string{"python", "-u", "-m"})
	v.SetDefault("agents.terminate_timeout", 30*time.Second)

	v.SetDefault("bus.capacity", 256)
	v.SetDefault("logging.development", false)
}

func (c *Config) validate() error {
	if c.Service.Port <= 0 || c.Service.Port > 65535 {
		return fmt.Errorf("service.port %d out of range", c.Service.Port)
	}
	if c.Kafka.Host == "" {
		return fmt.Errorf("kafka.host is required")
	}
	if len(c.Kafka.Subscribe) == 0 {
		return fmt.Errorf("kafka.subscribe must name at least one topic")
	}
	if len(c.Agents.Interpreter) == 0 {
		return fmt.Errorf("agents.interpreter must not be empty")
	}
	return nil
}

// ChildKafkaConfig builds the kafka_config block forwarded to every spawned
// agent so the child can address the bus without separate configuration. The
// subscription list starts empty; the agent fills in its own.
func (c *Config) ChildKafkaConfig() map[string]any {
	return map[string]any{
		"host": c.Kafka.Host,
		"topics": map[string]any{
			"shepherd_receive":    c.Topics.ShepherdReceive,
			"agent_receive":       c.Topics.AgentReceive,
			"cell_receive":        c.Topics.CellReceive,
			"environment_receive": c.Topics.EnvironmentReceive,
			"environment_state":   c.Topics.EnvironmentState,
		},
		"subscribe": []any{},
	}
}

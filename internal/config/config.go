package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models siteforge.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		DevLogin  bool   `yaml:"dev_login"`
	} `yaml:"auth"`
	Credits struct {
		SignupGrant int `yaml:"signup_grant"`
	} `yaml:"credits"`
	Pricing Pricing `yaml:"pricing"`
	Build   struct {
		Workers int `yaml:"workers"`
	} `yaml:"build"`
	Stream Stream `yaml:"stream"`
	Webhooks struct {
		URLs []string `yaml:"urls"`
	} `yaml:"webhooks"`
}

// Pricing is the per-agent cost table and bulk-discount policy. The figures
// are configuration, not code: deployments tune them against provider cost.
type Pricing struct {
	AgentCosts        map[string]int `yaml:"agent_costs"`
	DiscountThreshold int            `yaml:"discount_threshold"`
	DiscountFactor    float64        `yaml:"discount_factor"`
}

// Stream tunes the status-streaming protocol.
type Stream struct {
	ReplayBufferSize int      `yaml:"replay_buffer_size"`
	SendQueueSize    int      `yaml:"send_queue_size"`
	PingInterval     Duration `yaml:"ping_interval"`
}

// Duration is a time.Duration that reads and writes the "30s" notation in
// YAML. Bare integers are taken as nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("parse duration: %w", err)
	}
	*d = Duration(n)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

const configFileName = "siteforge.yml"

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".siteforge", configFileName)
}

// Default returns the built-in configuration. Agent costs mirror the
// provider pricing the service launched with.
func Default() *Config {
	c := &Config{}
	c.Server.Addr = "127.0.0.1:8870"
	c.Server.BasePath = "/v1"
	c.Auth.DevLogin = true
	c.Credits.SignupGrant = 20
	c.Pricing = Pricing{
		AgentCosts: map[string]int{
			"planner":    5,
			"frontend":   8,
			"backend":    6,
			"image":      12,
			"testing":    4,
			"deployment": 3,
		},
		DiscountThreshold: 4,
		DiscountFactor:    0.9,
	}
	c.Build.Workers = 4
	c.Stream = Stream{
		ReplayBufferSize: 200,
		SendQueueSize:    64,
		PingInterval:     Duration(30 * time.Second),
	}
	return c
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates a config document. Unset sections inherit
// defaults so a partial file only overrides what it names.
func FromYAML(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if len(c.Pricing.AgentCosts) == 0 {
		return fmt.Errorf("config.pricing.agent_costs is required")
	}
	for agent, cost := range c.Pricing.AgentCosts {
		if cost <= 0 {
			return fmt.Errorf("config.pricing.agent_costs.%s must be positive", agent)
		}
	}
	if c.Pricing.DiscountThreshold < 2 {
		return fmt.Errorf("config.pricing.discount_threshold must be at least 2")
	}
	if c.Pricing.DiscountFactor <= 0 || c.Pricing.DiscountFactor > 1 {
		return fmt.Errorf("config.pricing.discount_factor must be in (0,1]")
	}
	if c.Credits.SignupGrant < 0 {
		return fmt.Errorf("config.credits.signup_grant must not be negative")
	}
	if c.Build.Workers < 1 {
		return fmt.Errorf("config.build.workers must be at least 1")
	}
	if c.Stream.ReplayBufferSize < 1 {
		return fmt.Errorf("config.stream.replay_buffer_size must be at least 1")
	}
	if c.Stream.SendQueueSize < 1 {
		return fmt.Errorf("config.stream.send_queue_size must be at least 1")
	}
	if c.Stream.PingInterval <= 0 {
		return fmt.Errorf("config.stream.ping_interval must be positive")
	}
	return nil
}

// ToYAML serializes the config for export.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

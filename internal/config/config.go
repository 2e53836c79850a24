package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"missionline/internal/breaker"
	"missionline/internal/registry"
)

// Config models missionline.yml.
type Config struct {
	Engine struct {
		// Armed gates destructive-class missions: with armed false, any
		// execute or complete of a destructive mission is rejected.
		Armed bool `yaml:"armed"`
		// IdempotencyWindow buckets watchdog signals; duplicates inside one
		// bucket are suppressed. Go duration string, default 1h.
		IdempotencyWindow string `yaml:"idempotency_window"`
	} `yaml:"engine"`
	Breaker struct {
		MaxFailures       int `yaml:"max_failures"`
		MaxImmediateExecs int `yaml:"max_immediate_execs"`
	} `yaml:"breaker"`
	Costs struct {
		// Defaults apply when a mission declares no ceiling of its own.
		// Zero means unlimited.
		DefaultMaxEstimated   float64 `yaml:"default_max_estimated"`
		DefaultMaxCostPerHour float64 `yaml:"default_max_cost_per_hour"`
	} `yaml:"costs"`
	Artifacts struct {
		Catalog map[string]ArtifactType `yaml:"catalog"`
	} `yaml:"artifacts"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// WebhookConfig describes an audit-trail subscriber; the server tails the
// event log and posts matching entries to the URL. MissionID narrows the
// subscription to one mission's events; empty means all missions.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	MissionID      string   `yaml:"mission_id,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// ArtifactType is a config-declared artifact kind added on top of the
// built-in registry types.
type ArtifactType struct {
	Description string              `yaml:"description"`
	Mode        string              `yaml:"mode"`
	Fields      []ArtifactFieldSpec `yaml:"fields"`
}

type ArtifactFieldSpec struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Required bool   `yaml:"required"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run ml init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Breaker.MaxFailures < 0 {
		return fmt.Errorf("config.breaker.max_failures must not be negative")
	}
	if c.Breaker.MaxImmediateExecs < 0 {
		return fmt.Errorf("config.breaker.max_immediate_execs must not be negative")
	}
	if c.Costs.DefaultMaxEstimated < 0 || c.Costs.DefaultMaxCostPerHour < 0 {
		return fmt.Errorf("config.costs ceilings must not be negative")
	}
	if c.Engine.IdempotencyWindow != "" {
		if _, err := time.ParseDuration(c.Engine.IdempotencyWindow); err != nil {
			return fmt.Errorf("config.engine.idempotency_window: %w", err)
		}
	}
	for name, t := range c.Artifacts.Catalog {
		if name == "" {
			return fmt.Errorf("config.artifacts.catalog contains empty type name")
		}
		if t.Mode != registry.ModeImmutable && t.Mode != registry.ModeAppendOnly {
			return fmt.Errorf("artifact type %s: mode must be immutable or append-only", name)
		}
		for _, f := range t.Fields {
			if f.Name == "" {
				return fmt.Errorf("artifact type %s has a field with empty name", name)
			}
			switch registry.FieldType(f.Type) {
			case registry.FieldString, registry.FieldNumber, registry.FieldBoolean, registry.FieldObject, registry.FieldArray:
			default:
				return fmt.Errorf("artifact type %s: field %s has invalid type %q", name, f.Name, f.Type)
			}
		}
	}
	return nil
}

// Thresholds returns the breaker thresholds, applying defaults for unset
// values.
func (c *Config) Thresholds() breaker.Thresholds {
	t := breaker.DefaultThresholds()
	if c.Breaker.MaxFailures > 0 {
		t.MaxFailures = c.Breaker.MaxFailures
	}
	if c.Breaker.MaxImmediateExecs > 0 {
		t.MaxImmediateExecs = c.Breaker.MaxImmediateExecs
	}
	return t
}

// IdempotencyWindow returns the configured window, defaulting to one hour.
func (c *Config) IdempotencyWindow() time.Duration {
	if c.Engine.IdempotencyWindow == "" {
		return time.Hour
	}
	d, err := time.ParseDuration(c.Engine.IdempotencyWindow)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}

// RegistryTypes converts the config catalog into registry types.
func (c *Config) RegistryTypes() []registry.Type {
	var types []registry.Type
	for name, t := range c.Artifacts.Catalog {
		rt := registry.Type{Name: name, Mode: t.Mode, Description: t.Description}
		for _, f := range t.Fields {
			rt.Fields = append(rt.Fields, registry.FieldSpec{
				Name:     f.Name,
				Type:     registry.FieldType(f.Type),
				Required: f.Required,
			})
		}
		types = append(types, rt)
	}
	return types
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "missionline.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `engine:
  armed: false
  idempotency_window: 1h

breaker:
  max_failures: 3
  max_immediate_execs: 3

costs:
  default_max_estimated: 0
  default_max_cost_per_hour: 0

artifacts:
  catalog:
    research_note:
      description: "Free-form note produced during an exploration mission"
      mode: immutable
      fields:
        - name: summary
          type: string
          required: true
        - name: links
          type: array
    patch_review:
      description: "Review of a change an implementation mission produced"
      mode: immutable
      fields:
        - name: approved
          type: boolean
          required: true
        - name: comments
          type: string
    agent_transcript:
      description: "Rolling transcript of an agent session"
      mode: append-only
      fields:
        - name: role
          type: string
          required: true
        - name: content
          type: string
          required: true
`

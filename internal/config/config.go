package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"runselect/internal/criteria"
)

// Config models runselect.yml.
type Config struct {
	Thresholds ThresholdConfig `yaml:"thresholds"`
	Batch      struct {
		Parallel int `yaml:"parallel"`
	} `yaml:"batch"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// ThresholdConfig picks a named threshold set; non-nil overrides replace
// single values of that set.
type ThresholdConfig struct {
	Set                 string   `yaml:"set"`
	MaxEventRate        *float64 `yaml:"max_event_rate"`
	MinBitFlipCount     *int     `yaml:"min_bitflip_count"`
	MaxBitFlipCount     *int     `yaml:"max_bitflip_count"`
	MaxMissingGTIDCount *int     `yaml:"max_missing_gtid_count"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// IsEnabled defaults to true when enabled is omitted.
func (w WebhookConfig) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// CriteriaThresholds resolves the configured set and applies overrides.
func (c *Config) CriteriaThresholds() (criteria.Thresholds, error) {
	th, err := criteria.ThresholdSet(c.Thresholds.Set)
	if err != nil {
		return criteria.Thresholds{}, err
	}
	overridden := false
	if v := c.Thresholds.MaxEventRate; v != nil {
		th.MaxEventRate, overridden = *v, true
	}
	if v := c.Thresholds.MinBitFlipCount; v != nil {
		th.MinBitFlipCount, overridden = *v, true
	}
	if v := c.Thresholds.MaxBitFlipCount; v != nil {
		th.MaxBitFlipCount, overridden = *v, true
	}
	if v := c.Thresholds.MaxMissingGTIDCount; v != nil {
		th.MaxMissingGTIDCount, overridden = *v, true
	}
	if overridden {
		th.Set += "+overrides"
		th.Note = "overridden in " + ConfigFileName
	}
	if err := th.Validate(); err != nil {
		return criteria.Thresholds{}, err
	}
	return th, nil
}

// Permissions expands roles into the union of their permissions.
func (c *Config) Permissions(roles []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range roles {
		for _, p := range c.RBAC.Roles[r].Permissions {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if _, err := c.CriteriaThresholds(); err != nil {
		return fmt.Errorf("config.thresholds: %w", err)
	}
	if c.Batch.Parallel < 0 {
		return fmt.Errorf("config.batch.parallel must not be negative")
	}
	if bp := c.Server.BasePath; bp != "" && !strings.HasPrefix(bp, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.logging.format %q is not one of text, json", c.Logging.Format)
	}
	for roleID, role := range c.RBAC.Roles {
		if roleID == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
		for _, perm := range role.Permissions {
			if perm == "" {
				return fmt.Errorf("role %s has empty permission id", roleID)
			}
		}
	}
	for i, w := range c.Webhooks {
		u, err := url.Parse(w.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config.webhooks[%d].url %q is not an absolute url", i, w.URL)
		}
		if w.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
		for _, ev := range w.Events {
			if ev == "" {
				return fmt.Errorf("config.webhooks[%d] has empty event type", i)
			}
		}
	}
	return nil
}

// ConfigFileName is the config file looked up in a workspace.
const ConfigFileName = "runselect.yml"

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ConfigFileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with rs init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Omitted sections
// keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `thresholds:
  # named set from the threshold history; empty means the latest
  set: "2017-06-19"

batch:
  parallel: 4

server:
  addr: 127.0.0.1:8080
  base_path: /v0

logging:
  level: info
  format: text

rbac:
  roles:
    shifter:
      description: "Reads verdicts and statistics"
      permissions: [verdicts.read]
    dq-expert:
      description: "Imports run documents and evaluates runs"
      permissions: [verdicts.read, documents.write, runs.evaluate]
`

package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the main configuration
type Config struct {
	Libdir           string              `yaml:"libdir"`
	Poll             int                 `yaml:"poll"`  // milliseconds between polls
	Lines            int                 `yaml:"lines"` // max events per pull
	LogWatchInterval int                 `yaml:"log_watch_interval"` // seconds between wildcard re-globs
	Benchmark        bool                `yaml:"benchmark"`
	Logging          LoggingConfig       `yaml:"logging"`
	Metrics          MetricsConfig       `yaml:"metrics"`
	Input            map[string]NodeList `yaml:"input"`
	Output           map[string]NodeList `yaml:"output"`
}

// LoggingConfig defines agent log settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// MetricsConfig defines the optional prometheus exposition endpoint
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// NodeList holds the raw yaml nodes of one or more input/output sections
// of the same type. A scalar section and a list of sections are both valid;
// they are normalised into a list here.
type NodeList []*yaml.Node

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *NodeList) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.SequenceNode {
		*l = append(*l, n.Content...)
		return nil
	}
	*l = append(*l, n)
	return nil
}

// StringList accepts a scalar, a comma-separated scalar, or a sequence.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *StringList) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		var raw string
		if err := n.Decode(&raw); err != nil {
			return err
		}
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				*s = append(*s, part)
			}
		}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := n.Decode(&list); err != nil {
			return err
		}
		*s = append(*s, list...)
		return nil
	}
	return fmt.Errorf("line %d: expected scalar or sequence", n.Line)
}

// BoolYN accepts yes|no|1|0|true|false.
type BoolYN bool

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *BoolYN) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected scalar boolean", n.Line)
	}
	switch strings.ToLower(strings.TrimSpace(n.Value)) {
	case "yes", "y", "1", "true", "on":
		*b = true
	case "no", "n", "0", "false", "off", "":
		*b = false
	default:
		return fmt.Errorf("line %d: invalid boolean %q", n.Line, n.Value)
	}
	return nil
}

// FieldValue is one add_field entry: either a static value or a derived
// rule matching a referenced field against a regex.
type FieldValue struct {
	Static string
	Field  string
	Match  string
	Value  string
	Default string
	IsRule bool
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (f *FieldValue) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		return n.Decode(&f.Static)
	}
	var rule struct {
		Field   string `yaml:"field"`
		Match   string `yaml:"match"`
		Value   string `yaml:"value"`
		Default string `yaml:"default"`
	}
	if err := n.Decode(&rule); err != nil {
		return err
	}
	f.Field = rule.Field
	f.Match = rule.Match
	f.Value = rule.Value
	f.Default = rule.Default
	f.IsRule = true
	return nil
}

// Defaults and clamps, applied after unmarshalling.
const (
	DefaultPoll             = 500
	MinPoll                 = 100
	MaxPoll                 = 9999
	DefaultLines            = 100
	DefaultLibdir           = "/var/lib/awesant"
	DefaultLogWatchInterval = 10
)

// Load reads, parses and validates the agent configuration.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Poll == 0 {
		c.Poll = DefaultPoll
	}
	if c.Poll < MinPoll {
		c.Poll = MinPoll
	}
	if c.Poll > MaxPoll {
		c.Poll = MaxPoll
	}
	if c.Lines <= 0 {
		c.Lines = DefaultLines
	}
	if c.Libdir == "" {
		c.Libdir = DefaultLibdir
	}
	if c.LogWatchInterval <= 0 {
		c.LogWatchInterval = DefaultLogWatchInterval
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) validate() error {
	if len(c.Input) == 0 {
		return fmt.Errorf("no inputs configured")
	}
	if len(c.Output) == 0 {
		return fmt.Errorf("no outputs configured")
	}
	return nil
}

// Package input holds the input plugins and their pull contract.
package input

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/golouhm/awesant/internal/config"
	"github.com/golouhm/awesant/internal/event"
	"github.com/golouhm/awesant/internal/logging"
)

// Record is one pulled payload. File-backed inputs deliver a raw (possibly
// multi-line) Line plus pre-parsed Fields; network inputs deliver a
// fully-formed Event from the wire. The pipeline enriches either shape.
type Record struct {
	Line   string
	File   string // originating path for file-backed inputs
	Fields map[string]string
	Event  *event.Event
}

// Input is the pull contract. Pull returns up to lines records, an empty
// slice when idle, or an error; a fatal error tells the pipeline to
// destroy the input. Commit persists the read position up to the last
// pulled complete event; the pipeline calls it once those events have
// been shipped or the stash for the input's type has drained.
type Input interface {
	Name() string
	Pull(lines int) ([]Record, error)
	Commit() error
	Close() error
}

// Descriptor is the validated common part of an input section.
type Descriptor struct {
	InputType    string // plugin name: file, oraclealertlog, lumberjack
	Type         string // routing key
	Format       string // plain | json
	Tags         []string
	StaticFields map[string]string
	Rules        []*event.FieldRule
	Workers      int
	HasWorkers   bool
}

// common is the yaml shape of the shared input keys.
type common struct {
	Type     string                        `yaml:"type"`
	Format   string                        `yaml:"format"`
	Tags     config.StringList             `yaml:"tags"`
	AddField map[string]config.FieldValue  `yaml:"add_field"`
	Workers  *int                          `yaml:"workers"`
}

func parseDescriptor(inputType string, node *yaml.Node) (Descriptor, error) {
	var c common
	if err := node.Decode(&c); err != nil {
		return Descriptor{}, fmt.Errorf("input %s: %w", inputType, err)
	}
	if c.Format == "" {
		c.Format = "plain"
	}
	if c.Format != "plain" && c.Format != "json" {
		return Descriptor{}, fmt.Errorf("input %s: unknown format %q", inputType, c.Format)
	}

	d := Descriptor{
		InputType: inputType,
		Type:      c.Type,
		Format:    c.Format,
		Tags:      c.Tags,
	}
	if c.Workers != nil {
		d.Workers = *c.Workers
		d.HasWorkers = true
	}

	for key, fv := range c.AddField {
		if !fv.IsRule {
			if d.StaticFields == nil {
				d.StaticFields = make(map[string]string)
			}
			d.StaticFields[key] = fv.Static
			continue
		}
		rule, err := event.NewFieldRule(key, fv.Field, fv.Match, fv.Value, fv.Default)
		if err != nil {
			return Descriptor{}, fmt.Errorf("input %s: %w", inputType, err)
		}
		d.Rules = append(d.Rules, rule)
	}
	return d, nil
}

// Globals carries agent-wide settings the factories need.
type Globals struct {
	Libdir           string
	LogWatchInterval int // seconds
}

// Set is everything one input section expands to: the shared descriptor,
// the concrete inputs, any wildcard patterns the worker must keep watching,
// and a factory for watcher-discovered files.
type Set struct {
	Descriptor Descriptor
	Inputs     []Input
	Wildcards  []string
	NewInput   func(path string) (Input, error)
}

type factory func(d Descriptor, node *yaml.Node, g Globals, log *logging.Logger) (*Set, error)

// registry maps lowercase type names to input factories. Unknown types are
// a configuration error at startup.
var registry = map[string]factory{
	"file":           newFileSet,
	"oraclealertlog": newOracleSet,
	"lumberjack":     newLumberjackSet,
}

// Build expands one input section into its input set.
func Build(inputType string, node *yaml.Node, g Globals, log *logging.Logger) (*Set, error) {
	fn, ok := registry[inputType]
	if !ok {
		return nil, fmt.Errorf("unknown input type %q", inputType)
	}
	d, err := parseDescriptor(inputType, node)
	if err != nil {
		return nil, err
	}
	return fn(d, node, g, log)
}

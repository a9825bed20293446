// Package output holds the output adapters and their push contract.
package output

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/golouhm/awesant/internal/config"
	"github.com/golouhm/awesant/internal/event"
	"github.com/golouhm/awesant/internal/logging"
)

// Output is the push contract. Adapters with MaxWindowSize 0 receive one
// event per push; otherwise the pipeline chunks batches to at most
// MaxWindowSize events. Any error means "failure; stash and retry".
type Output interface {
	Name() string
	Push(events []*event.Event) error
	MaxWindowSize() int
	Close() error
}

// Bound couples an adapter with the routing keys it subscribes to.
// A "*" key matches any event type.
type Bound struct {
	Types  []string
	Output Output
}

type common struct {
	Type config.StringList `yaml:"type"`
}

type factory func(node *yaml.Node, log *logging.Logger) (Output, error)

// registry maps lowercase type names to output factories. Unknown types
// are a configuration error at startup.
var registry = map[string]factory{
	"screen":        newScreenOutput,
	"file":          newFileOutput,
	"socket":        newSocketOutput,
	"redis":         newRedisOutput,
	"rabbitmq":      newAMQPOutput,
	"lumberjack":    newLumberjackOutput,
	"kafka":         newKafkaOutput,
	"elasticsearch": newElasticsearchOutput,
}

// Build constructs one output section.
func Build(outputType string, node *yaml.Node, log *logging.Logger) (*Bound, error) {
	fn, ok := registry[outputType]
	if !ok {
		return nil, fmt.Errorf("unknown output type %q", outputType)
	}

	var c common
	if err := node.Decode(&c); err != nil {
		return nil, fmt.Errorf("output %s: %w", outputType, err)
	}
	if len(c.Type) == 0 {
		return nil, fmt.Errorf("output %s: type is mandatory", outputType)
	}

	out, err := fn(node, log)
	if err != nil {
		return nil, err
	}
	return &Bound{Types: c.Type, Output: out}, nil
}

// encode renders one event as its single-line JSON document.
func encode(ev *event.Event) ([]byte, error) {
	raw, err := ev.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return raw, nil
}

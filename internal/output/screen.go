package output

import (
	"bufio"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/golouhm/awesant/internal/event"
	"github.com/golouhm/awesant/internal/logging"
)

type screenConfig struct {
	Send string `yaml:"send"` // event (json, default) or line (payload only)
}

// ScreenOutput writes events to stdout. It doubles as a foreground
// diagnostic channel.
type ScreenOutput struct {
	send string
	w    *bufio.Writer
}

func newScreenOutput(node *yaml.Node, _ *logging.Logger) (Output, error) {
	var sc screenConfig
	if err := node.Decode(&sc); err != nil {
		return nil, fmt.Errorf("output screen: %w", err)
	}
	if sc.Send == "" {
		sc.Send = "event"
	}
	if sc.Send != "event" && sc.Send != "line" {
		return nil, fmt.Errorf("output screen: invalid send %q", sc.Send)
	}
	return &ScreenOutput{send: sc.Send, w: bufio.NewWriter(os.Stdout)}, nil
}

// Name implements Output.
func (s *ScreenOutput) Name() string { return "screen" }

// MaxWindowSize implements Output.
func (s *ScreenOutput) MaxWindowSize() int { return 0 }

// Push implements Output.
func (s *ScreenOutput) Push(events []*event.Event) error {
	for _, ev := range events {
		if s.send == "line" {
			if _, err := s.w.WriteString(ev.Line); err != nil {
				return err
			}
		} else {
			raw, err := encode(ev)
			if err != nil {
				return err
			}
			if _, err := s.w.Write(raw); err != nil {
				return err
			}
		}
		if err := s.w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return s.w.Flush()
}

// Close implements Output.
func (s *ScreenOutput) Close() error {
	return s.w.Flush()
}

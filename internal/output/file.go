package output

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/golouhm/awesant/internal/event"
	"github.com/golouhm/awesant/internal/logging"
)

type fileConfig struct {
	Path string `yaml:"path"`
}

// FileOutput appends events as JSON lines to a local file. The handle is
// closed after a write failure and reopened on the next push; a target that
// is renamed away keeps receiving writes through the open handle.
type FileOutput struct {
	path string
	file *os.File
}

func newFileOutput(node *yaml.Node, _ *logging.Logger) (Output, error) {
	var fc fileConfig
	if err := node.Decode(&fc); err != nil {
		return nil, fmt.Errorf("output file: %w", err)
	}
	if fc.Path == "" {
		return nil, fmt.Errorf("output file: path is mandatory")
	}
	return &FileOutput{path: fc.Path}, nil
}

// Name implements Output.
func (f *FileOutput) Name() string { return "file" }

// MaxWindowSize implements Output.
func (f *FileOutput) MaxWindowSize() int { return 0 }

func (f *FileOutput) open() error {
	if f.file != nil {
		return nil
	}
	file, err := os.OpenFile(f.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("output file: %w", err)
	}
	f.file = file
	return nil
}

// Push implements Output.
func (f *FileOutput) Push(events []*event.Event) error {
	if err := f.open(); err != nil {
		return err
	}
	for _, ev := range events {
		raw, err := encode(ev)
		if err != nil {
			return err
		}
		if _, err := f.file.Write(append(raw, '\n')); err != nil {
			f.file.Close()
			f.file = nil
			return fmt.Errorf("output file write: %w", err)
		}
	}
	return nil
}

// Close implements Output.
func (f *FileOutput) Close() error {
	if f.file != nil {
		err := f.file.Close()
		f.file = nil
		return err
	}
	return nil
}

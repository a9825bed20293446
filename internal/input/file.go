package input

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/golouhm/awesant/internal/config"
	"github.com/golouhm/awesant/internal/grouper"
	"github.com/golouhm/awesant/internal/logging"
	"github.com/golouhm/awesant/internal/tailer"
)

// fileConfig is the yaml shape of a file input section.
type fileConfig struct {
	Path                   config.StringList `yaml:"path"`
	StartPosition          string            `yaml:"start_position"` // begin | end
	SavePosition           config.BoolYN     `yaml:"save_position"`
	Skip                   config.StringList `yaml:"skip"`
	Grep                   config.StringList `yaml:"grep"`
	MultilineMode          string            `yaml:"multiline_mode"`
	MultilinePrefix        string            `yaml:"multiline_prefix"`
	MultilineSuffix        string            `yaml:"multiline_suffix"`
	MultilineGarbage       string            `yaml:"multiline_garbage"`
	MultilineIndentedGroup string            `yaml:"multiline_indented_group"`
	MultilineDropGarbage   *config.BoolYN    `yaml:"multiline_drop_garbage"`
}

func (c *fileConfig) grouperConfig() grouper.Config {
	drop := true
	if c.MultilineDropGarbage != nil {
		drop = bool(*c.MultilineDropGarbage)
	}
	return grouper.Config{
		Mode:          c.MultilineMode,
		Prefix:        c.MultilinePrefix,
		Suffix:        c.MultilineSuffix,
		Garbage:       c.MultilineGarbage,
		IndentedGroup: c.MultilineIndentedGroup,
		DropGarbage:   drop,
	}
}

func compileAll(exprs []string, what string) ([]*regexp.Regexp, error) {
	var out []*regexp.Regexp
	for _, expr := range exprs {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid %s regex %q: %w", what, expr, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// FileInput tails one file and groups its lines into logical events.
type FileInput struct {
	tail      *tailer.Tailer
	group     *grouper.Grouper
	skip      []*regexp.Regexp
	grep      []*regexp.Regexp
	log       *logging.Logger
	removable bool // wildcard-matched; destroyed when the path disappears
	pending   int64
}

func newFileSet(d Descriptor, node *yaml.Node, g Globals, log *logging.Logger) (*Set, error) {
	var fc fileConfig
	if err := node.Decode(&fc); err != nil {
		return nil, fmt.Errorf("input file: %w", err)
	}
	if len(fc.Path) == 0 {
		return nil, fmt.Errorf("input file: path is mandatory")
	}
	if fc.StartPosition == "" {
		fc.StartPosition = "end"
	}
	if fc.StartPosition != "begin" && fc.StartPosition != "end" {
		return nil, fmt.Errorf("input file: invalid start_position %q", fc.StartPosition)
	}

	skip, err := compileAll(fc.Skip, "skip")
	if err != nil {
		return nil, err
	}
	grep, err := compileAll(fc.Grep, "grep")
	if err != nil {
		return nil, err
	}
	// validate the multiline options once up front
	if _, err := grouper.New(fc.grouperConfig()); err != nil {
		return nil, fmt.Errorf("input file: %w", err)
	}

	build := func(path, startPosition string, removable bool) (Input, error) {
		grp, err := grouper.New(fc.grouperConfig())
		if err != nil {
			return nil, err
		}
		t := tailer.New(tailer.Config{
			Path:          path,
			Libdir:        g.Libdir,
			StartPosition: startPosition,
			SavePosition:  bool(fc.SavePosition),
		}, log)
		return &FileInput{
			tail:      t,
			group:     grp,
			skip:      skip,
			grep:      grep,
			log:       log.WithComponent("input-file"),
			removable: removable,
		}, nil
	}

	set := &Set{
		Descriptor: d,
		// Rotated-in successors discovered by the watcher are read from the
		// beginning so nothing written before discovery is lost.
		NewInput: func(path string) (Input, error) {
			return build(path, "begin", true)
		},
	}

	for _, path := range fc.Path {
		if strings.ContainsAny(path, "*?[") {
			set.Wildcards = append(set.Wildcards, path)
			matches, err := tailer.Glob(path)
			if err != nil {
				return nil, err
			}
			for _, m := range matches {
				in, err := build(m, fc.StartPosition, true)
				if err != nil {
					return nil, err
				}
				set.Inputs = append(set.Inputs, in)
			}
			continue
		}
		in, err := build(path, fc.StartPosition, false)
		if err != nil {
			return nil, err
		}
		set.Inputs = append(set.Inputs, in)
	}
	return set, nil
}

// Name implements Input.
func (f *FileInput) Name() string { return "file" }

// Path returns the tailed path.
func (f *FileInput) Path() string { return f.tail.Path() }

// filtered applies the skip and grep line filters.
func (f *FileInput) filtered(line string) bool {
	for _, re := range f.skip {
		if re.MatchString(line) {
			return true
		}
	}
	if len(f.grep) == 0 {
		return false
	}
	for _, re := range f.grep {
		if re.MatchString(line) {
			return false
		}
	}
	return true
}

// Pull implements Input. It reads lines from the tailer, runs them through
// the grouper, and returns completed logical events. The committed offset
// is only advanced later, via Commit.
func (f *FileInput) Pull(lines int) ([]Record, error) {
	// rotation or truncation reset the tailer; clamp the pending commit
	if f.pending > f.tail.ReadOffset() {
		f.pending = f.tail.ReadOffset()
	}
	var out []Record
	for len(out) < lines {
		line, end, ok, err := f.tail.ReadLine()
		if err != nil {
			if errors.Is(err, tailer.ErrFileRemoved) {
				if f.removable {
					return nil, err
				}
				// configured path: keep polling for it to reappear
				return out, nil
			}
			return nil, err
		}
		if !ok {
			if res, flushed := f.group.FlushIdle(time.Now()); flushed {
				out = f.collect(out, res)
			}
			break
		}
		if f.filtered(line) {
			if !f.group.Pending() {
				f.pending = end
			}
			continue
		}
		for _, res := range f.group.Feed(line, end) {
			out = f.collect(out, res)
		}
	}
	return out, nil
}

func (f *FileInput) collect(out []Record, res grouper.Result) []Record {
	f.pending = res.End
	if res.Drop {
		return out
	}
	return append(out, Record{Line: res.Text, File: f.tail.Path()})
}

// Commit implements Input: it advances the committed offset to the end of
// the last complete logical event handed out.
func (f *FileInput) Commit() error {
	if f.pending > f.tail.Committed() {
		return f.tail.CommitTo(f.pending)
	}
	return nil
}

// Close implements Input.
func (f *FileInput) Close() error {
	return f.tail.ClosePosition()
}

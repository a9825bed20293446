package input

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/golouhm/awesant/internal/config"
	"github.com/golouhm/awesant/internal/logging"
	"github.com/golouhm/awesant/internal/oraxml"
	"github.com/golouhm/awesant/internal/tailer"
)

// oraIdleFlush mirrors the multi-line idle flush: a partially assembled
// TNS message or envelope is emitted after ten quiet seconds.
const oraIdleFlush = 10 * time.Second

type oracleConfig struct {
	Path          config.StringList `yaml:"path"`
	StartPosition string            `yaml:"start_position"`
	SavePosition  config.BoolYN     `yaml:"save_position"`
}

// OracleInput tails an Oracle XML alert log, parses its <msg> envelopes and
// reassembles TNS multi-message sequences.
type OracleInput struct {
	tail      *tailer.Tailer
	parser    *oraxml.Parser
	asm       *oraxml.Assembler
	log       *logging.Logger
	removable bool
	pending   int64 // committable offset: everything consumed is emitted
	lastRead  time.Time
}

func newOracleSet(d Descriptor, node *yaml.Node, g Globals, log *logging.Logger) (*Set, error) {
	var oc oracleConfig
	if err := node.Decode(&oc); err != nil {
		return nil, fmt.Errorf("input oraclealertlog: %w", err)
	}
	if len(oc.Path) == 0 {
		return nil, fmt.Errorf("input oraclealertlog: path is mandatory")
	}
	if oc.StartPosition == "" {
		oc.StartPosition = "end"
	}

	build := func(path, startPosition string, removable bool) (Input, error) {
		t := tailer.New(tailer.Config{
			Path:          path,
			Libdir:        g.Libdir,
			StartPosition: startPosition,
			SavePosition:  bool(oc.SavePosition),
		}, log)
		return &OracleInput{
			tail:      t,
			parser:    oraxml.NewParser(),
			asm:       oraxml.NewAssembler(),
			log:       log.WithComponent("input-oraclealertlog"),
			removable: removable,
			lastRead:  time.Now(),
		}, nil
	}

	set := &Set{
		Descriptor: d,
		NewInput: func(path string) (Input, error) {
			return build(path, "begin", true)
		},
	}
	for _, path := range oc.Path {
		if strings.ContainsAny(path, "*?[") {
			set.Wildcards = append(set.Wildcards, path)
			matches, err := tailer.Glob(path)
			if err != nil {
				return nil, err
			}
			for _, m := range matches {
				in, err := build(m, oc.StartPosition, true)
				if err != nil {
					return nil, err
				}
				set.Inputs = append(set.Inputs, in)
			}
			continue
		}
		in, err := build(path, oc.StartPosition, false)
		if err != nil {
			return nil, err
		}
		set.Inputs = append(set.Inputs, in)
	}
	return set, nil
}

// Name implements Input.
func (o *OracleInput) Name() string { return "oraclealertlog" }

// Pull implements Input.
func (o *OracleInput) Pull(lines int) ([]Record, error) {
	if o.pending > o.tail.ReadOffset() {
		o.pending = o.tail.ReadOffset()
	}
	var out []Record
	for len(out) < lines {
		line, end, ok, err := o.tail.ReadLine()
		if err != nil {
			if errors.Is(err, tailer.ErrFileRemoved) {
				if o.removable {
					return nil, err
				}
				return out, nil
			}
			return nil, err
		}
		if !ok {
			out = o.flushIdle(out)
			break
		}
		o.lastRead = time.Now()
		for _, env := range o.parser.Feed(line, end) {
			for _, msg := range o.asm.Feed(env) {
				out = append(out, o.record(msg))
			}
		}
		// everything up to here is either emitted or still buffered; the
		// offset may only advance when nothing is buffered
		if !o.parser.Pending() && !o.asm.Pending() {
			o.pending = end
		}
	}
	return out, nil
}

// flushIdle emits whatever has been accumulated once the input has been
// quiet for the idle window.
func (o *OracleInput) flushIdle(out []Record) []Record {
	if time.Since(o.lastRead) < oraIdleFlush {
		return out
	}
	if !o.parser.Pending() && !o.asm.Pending() {
		return out
	}
	if env, ok := o.parser.Flush(); ok {
		for _, msg := range o.asm.Feed(env) {
			out = append(out, o.record(msg))
		}
	}
	for _, msg := range o.asm.Flush() {
		out = append(out, o.record(msg))
	}
	o.pending = o.tail.ReadOffset()
	return out
}

// record converts an assembled message: attributes become ora.-prefixed
// fields, the decoded text becomes the line.
func (o *OracleInput) record(msg oraxml.Message) Record {
	fields := make(map[string]string, len(msg.Attrs)+1)
	for k, v := range msg.Attrs {
		fields["ora."+k] = v
	}
	if msg.Type != "" {
		fields["ora.type"] = msg.Type
	}
	return Record{Line: msg.Text, File: o.tail.Path(), Fields: fields}
}

// Commit implements Input.
func (o *OracleInput) Commit() error {
	if o.pending > o.tail.Committed() {
		return o.tail.CommitTo(o.pending)
	}
	return nil
}

// Close implements Input.
func (o *OracleInput) Close() error {
	return o.tail.ClosePosition()
}

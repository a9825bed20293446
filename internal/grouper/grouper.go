// Package grouper assembles raw physical lines into logical multi-line
// events. One grouper serves one input; it is fed lines in byte order and
// emits events in the same order.
package grouper

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Grouping modes.
const (
	ModeSingleLine    = "singleline"
	ModeIndented      = "indented"
	ModeIndentedGroup = "indented-group"
	ModePrefixGarbage = "prefix-garbage"
	ModePrefixSuffix  = "prefix-suffix"
)

// DefaultIdleFlush is how long a non-empty buffer may sit without new
// input before it is emitted as-is.
const DefaultIdleFlush = 10 * time.Second

// Config selects the grouping mode and its patterns.
type Config struct {
	Mode          string
	Prefix        string // multiline_prefix
	Suffix        string // multiline_suffix
	Garbage       string // multiline_garbage
	IndentedGroup string // multiline_indented_group
	DropGarbage   bool   // multiline_drop_garbage
	IdleFlush     time.Duration
}

// Result is one outcome of feeding a line: either a complete logical event
// or a consumed-and-dropped garbage line. End is the byte offset just past
// the last line belonging to the result; the input commits to it once the
// event has been shipped, or, after a push failure, once the stash holding
// it has drained.
type Result struct {
	Text string
	End  int64
	Drop bool
}

// Grouper is the per-input grouping state machine.
type Grouper struct {
	mode          string
	prefix        *regexp.Regexp
	suffix        *regexp.Regexp
	garbage       *regexp.Regexp
	indentedGroup *regexp.Regexp
	dropGarbage   bool
	idleFlush     time.Duration

	buf      []string
	bufEnd   int64
	open     bool
	lastFeed time.Time
}

// New compiles the configured patterns and returns a grouper.
func New(cfg Config) (*Grouper, error) {
	g := &Grouper{
		mode:        cfg.Mode,
		dropGarbage: cfg.DropGarbage,
		idleFlush:   cfg.IdleFlush,
	}
	if g.mode == "" {
		g.mode = ModeSingleLine
	}
	if g.idleFlush <= 0 {
		g.idleFlush = DefaultIdleFlush
	}

	var err error
	compile := func(name, expr string) *regexp.Regexp {
		if err != nil || expr == "" {
			return nil
		}
		var re *regexp.Regexp
		re, err = regexp.Compile(expr)
		if err != nil {
			err = fmt.Errorf("invalid %s: %w", name, err)
		}
		return re
	}
	g.prefix = compile("multiline_prefix", cfg.Prefix)
	g.suffix = compile("multiline_suffix", cfg.Suffix)
	g.garbage = compile("multiline_garbage", cfg.Garbage)
	g.indentedGroup = compile("multiline_indented_group", cfg.IndentedGroup)
	if err != nil {
		return nil, err
	}

	switch g.mode {
	case ModeSingleLine, ModeIndented:
	case ModeIndentedGroup, ModePrefixGarbage:
		if g.prefix == nil {
			return nil, fmt.Errorf("mode %s requires multiline_prefix", g.mode)
		}
	case ModePrefixSuffix:
		if g.prefix == nil || g.suffix == nil {
			return nil, fmt.Errorf("mode %s requires multiline_prefix and multiline_suffix", g.mode)
		}
	default:
		return nil, fmt.Errorf("unknown multiline_mode %q", g.mode)
	}
	return g, nil
}

// Pending reports whether a partial event is buffered.
func (g *Grouper) Pending() bool { return len(g.buf) > 0 }

// Feed consumes one physical line ending at byte offset end and returns
// zero or more results in order.
func (g *Grouper) Feed(line string, end int64) []Result {
	g.lastFeed = time.Now()

	switch g.mode {
	case ModeSingleLine:
		return []Result{{Text: line, End: end}}
	case ModeIndented:
		return g.feedIndented(line, end)
	case ModeIndentedGroup:
		return g.feedIndentedGroup(line, end)
	case ModePrefixGarbage:
		return g.feedPrefixGarbage(line, end)
	case ModePrefixSuffix:
		return g.feedPrefixSuffix(line, end)
	}
	return nil
}

func indented(line string) bool {
	return len(line) > 0 && (line[0] == ' ' || line[0] == '\t')
}

func (g *Grouper) feedIndented(line string, end int64) []Result {
	if indented(line) && len(g.buf) > 0 {
		g.append(line, end)
		return nil
	}
	var out []Result
	if res, ok := g.close(); ok {
		out = append(out, res)
	}
	g.start(line, end)
	return out
}

func (g *Grouper) feedIndentedGroup(line string, end int64) []Result {
	if g.open {
		if indented(line) || (g.indentedGroup != nil && g.indentedGroup.MatchString(line)) {
			g.append(line, end)
			return nil
		}
		var out []Result
		if res, ok := g.close(); ok {
			out = append(out, res)
		}
		g.open = false
		return append(out, g.openOrGarbage(line, end)...)
	}
	return g.openOrGarbage(line, end)
}

func (g *Grouper) feedPrefixGarbage(line string, end int64) []Result {
	if g.open {
		if g.prefix.MatchString(line) {
			var out []Result
			if res, ok := g.close(); ok {
				out = append(out, res)
			}
			g.start(line, end)
			g.open = true
			return out
		}
		if g.garbage != nil && g.garbage.MatchString(line) {
			var out []Result
			if res, ok := g.close(); ok {
				out = append(out, res)
			}
			g.open = false
			return append(out, g.garbageResult(line, end))
		}
		g.append(line, end)
		return nil
	}
	return g.openOrGarbage(line, end)
}

func (g *Grouper) feedPrefixSuffix(line string, end int64) []Result {
	if g.open {
		g.append(line, end)
		if g.suffix.MatchString(line) {
			g.open = false
			if res, ok := g.close(); ok {
				return []Result{res}
			}
		}
		return nil
	}
	if g.prefix.MatchString(line) {
		g.start(line, end)
		g.open = true
		if g.suffix.MatchString(line) {
			g.open = false
			if res, ok := g.close(); ok {
				return []Result{res}
			}
		}
		return nil
	}
	return []Result{g.garbageResult(line, end)}
}

// openOrGarbage handles a line seen in find-start state for the prefix modes.
func (g *Grouper) openOrGarbage(line string, end int64) []Result {
	if g.prefix.MatchString(line) {
		g.start(line, end)
		g.open = true
		return nil
	}
	return []Result{g.garbageResult(line, end)}
}

// garbageResult drops or singles out a line that belongs to no event.
func (g *Grouper) garbageResult(line string, end int64) Result {
	if g.dropGarbage {
		return Result{End: end, Drop: true}
	}
	return Result{Text: line, End: end}
}

func (g *Grouper) start(line string, end int64) {
	g.buf = append(g.buf[:0], line)
	g.bufEnd = end
}

func (g *Grouper) append(line string, end int64) {
	g.buf = append(g.buf, line)
	g.bufEnd = end
}

func (g *Grouper) close() (Result, bool) {
	if len(g.buf) == 0 {
		return Result{}, false
	}
	res := Result{Text: strings.Join(g.buf, "\n"), End: g.bufEnd}
	g.buf = g.buf[:0]
	return res, true
}

// FlushIdle emits the buffer as-is when it has been idle for the
// configured duration. State resets to find-start.
func (g *Grouper) FlushIdle(now time.Time) (Result, bool) {
	if len(g.buf) == 0 || now.Sub(g.lastFeed) < g.idleFlush {
		return Result{}, false
	}
	return g.Flush()
}

// Flush unconditionally emits whatever is buffered.
func (g *Grouper) Flush() (Result, bool) {
	g.open = false
	return g.close()
}

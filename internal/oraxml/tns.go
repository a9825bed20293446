package oraxml

import (
	"regexp"
	"strings"
)

// Message is one logical alert-log event: either a plain envelope or a
// reassembled TNS multi-message.
type Message struct {
	Attrs map[string]string
	Text  string
	End   int64
	Type  string // "", "TNS", or "TNS mess"
}

// tnsMarker opens a TNS multi-message: a text beginning with 71 asterisks.
var tnsMarker = strings.Repeat("*", 71)

// tnsContinuation matches envelope texts that extend the current TNS
// multi-message.
var tnsContinuation = regexp.MustCompile(`^(\s|TNS|Fatal NI connect error)`)

// The expected TNS sub-message sequence, ordered by state. A sub-message
// whose state is lower than or equal to the state already reached belongs
// to a second, interleaved TNS message and goes to the backlog.
var tnsStates = []struct {
	state int
	re    *regexp.Regexp
}{
	{10, regexp.MustCompile(`Fatal NI connect error`)},
	{20, regexp.MustCompile(`VERSION INFORMATION`)},
	{30, regexp.MustCompile(`^\s*Time:`)},
	{40, regexp.MustCompile(`^\s*Tracing`)},
	{50, regexp.MustCompile(`^\s*Tns error struct`)},
	{60, regexp.MustCompile(`^\s*nr err code`)},
	{80, regexp.MustCompile(`^\s*ns main err code`)},
	{100, regexp.MustCompile(`^\s*ns secondary err code`)},
	{110, regexp.MustCompile(`^\s*nt main err code`)},
	{130, regexp.MustCompile(`^\s*nt secondary err code`)},
	{140, regexp.MustCompile(`^\s*nt OS err code`)},
	{150, regexp.MustCompile(`^\s*Client address`)},
}

var tnsCodeRe = regexp.MustCompile(`^\s*TNS-\d`)

// minTNSState is the completeness threshold: a TNS message may only close
// once it has reached at least the Time sub-message.
const minTNSState = 30

// classifyTNS maps an envelope text to its position in the canonical TNS
// state sequence. TNS-nnnnn code lines take their state from the err-code
// line they follow (nr, ns main, nt main).
func classifyTNS(text string, prev int) int {
	if tnsCodeRe.MatchString(text) {
		switch prev {
		case 60, 80, 110:
			return prev + 10
		}
		return 70
	}
	for _, s := range tnsStates {
		if s.re.MatchString(text) {
			return s.state
		}
	}
	return 0
}

// building is a TNS multi-message under assembly.
type building struct {
	envs  []Envelope
	state int
	end   int64
}

func (b *building) add(env Envelope, state int) {
	b.envs = append(b.envs, env)
	if state > b.state {
		b.state = state
	}
	if env.End > b.end {
		b.end = env.End
	}
}

func (b *building) message(mtype string) Message {
	texts := make([]string, len(b.envs))
	for i, env := range b.envs {
		texts[i] = env.Text
	}
	return Message{
		Attrs: b.envs[0].Attrs,
		Text:  strings.Join(texts, "\n"),
		End:   b.end,
		Type:  mtype,
	}
}

// Assembler turns a stream of envelopes into messages, reassembling TNS
// multi-message sequences and recovering interleaved ones from a backlog.
type Assembler struct {
	cur     *building
	backlog []Envelope
}

// NewAssembler returns an empty TNS assembler.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// Pending reports whether a TNS message is under assembly.
func (a *Assembler) Pending() bool {
	return a.cur != nil || len(a.backlog) > 0
}

// Feed consumes one envelope and returns any completed messages in order.
func (a *Assembler) Feed(env Envelope) []Message {
	if a.cur == nil {
		if strings.HasPrefix(env.Text, tnsMarker) {
			a.cur = &building{}
			a.cur.add(env, 0)
			return nil
		}
		return []Message{{Attrs: env.Attrs, Text: env.Text, End: env.End}}
	}

	if strings.HasPrefix(env.Text, tnsMarker) {
		out := a.closeCurrent()
		a.cur = &building{}
		a.cur.add(env, 0)
		return out
	}

	if tnsContinuation.MatchString(env.Text) {
		state := classifyTNS(env.Text, a.cur.state)
		if state == 0 || state > a.cur.state {
			a.cur.add(env, state)
			return nil
		}
		// A lower-or-equal state after a higher one: a second TNS message
		// has interleaved. Park it for recovery on closure.
		a.backlog = append(a.backlog, env)
		return nil
	}

	// Not a continuation. Close only once the minimum completeness state
	// has been reached; otherwise keep absorbing.
	if a.cur.state < minTNSState {
		a.cur.add(env, 0)
		return nil
	}
	out := a.closeCurrent()
	return append(out, Message{Attrs: env.Attrs, Text: env.Text, End: env.End})
}

// Flush closes whatever is under assembly, including the backlog.
// Used by the idle flush and at input shutdown.
func (a *Assembler) Flush() []Message {
	return a.closeCurrent()
}

// closeCurrent emits the primary message, then repeatedly scans the backlog
// greedily to reconstruct the interleaved TNS messages in canonical state
// order. Residue that does not form a complete message is marked "TNS mess".
func (a *Assembler) closeCurrent() []Message {
	var out []Message
	if a.cur != nil {
		out = append(out, a.cur.message("TNS"))
		a.cur = nil
	}

	for len(a.backlog) > 0 {
		b := &building{}
		rest := a.backlog[:0:0]
		for _, env := range a.backlog {
			state := classifyTNS(env.Text, b.state)
			if len(b.envs) == 0 || state > b.state {
				b.add(env, state)
				continue
			}
			rest = append(rest, env)
		}
		a.backlog = rest

		if b.state >= minTNSState {
			out = append(out, b.message("TNS"))
			continue
		}
		// Lossy reassembly: emit each leftover envelope with a marker type.
		for _, env := range b.envs {
			out = append(out, Message{Attrs: env.Attrs, Text: env.Text, End: env.End, Type: "TNS mess"})
		}
	}
	return out
}

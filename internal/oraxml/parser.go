// Package oraxml parses the Oracle RDBMS/listener alert log XML dialect
// and reassembles TNS multi-message sequences.
package oraxml

import (
	"regexp"
	"strings"
)

// Envelope is one parsed <msg ...><txt>...</txt></msg> element.
type Envelope struct {
	Attrs map[string]string
	Text  string
	End   int64 // byte offset just past the last physical line
}

// parser states
const (
	stFindMsg = iota
	stAttrs   // inside the <msg ...> opening tag, may span lines
	stBody    // between the opening tag and </msg>
	stText    // inside <txt>
)

var (
	attrPairRe   = regexp.MustCompile(`([A-Za-z_][\w.]*)='([^']*)'`)
	attrTagRe    = regexp.MustCompile(`<attr\s+name='([^']*)'\s+value='([^']*)'\s*/?>`)
	entityDecode = strings.NewReplacer(
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&apos;", "'",
		"&amp;", "&",
	)
)

// Parser assembles physical lines into envelopes. The <msg> opening tag may
// span several lines; <txt> bodies may contain arbitrary entity-encoded text.
type Parser struct {
	state   int
	attrRaw []string
	attrs   map[string]string
	txt     []string
	midLine bool // entered stText mid-line; an empty rest is not a blank line
	end     int64
}

// NewParser returns an empty envelope parser.
func NewParser() *Parser {
	return &Parser{}
}

// Pending reports whether a partial envelope is buffered.
func (p *Parser) Pending() bool {
	return p.state != stFindMsg
}

// Feed consumes one physical line ending at offset end and returns any
// completed envelopes.
func (p *Parser) Feed(line string, end int64) []Envelope {
	p.end = end
	var out []Envelope

	rest := line
	for {
		switch p.state {
		case stFindMsg:
			idx := strings.Index(rest, "<msg")
			if idx < 0 {
				return out
			}
			p.attrs = make(map[string]string)
			p.attrRaw = p.attrRaw[:0]
			p.txt = p.txt[:0]
			p.state = stAttrs
			rest = rest[idx+len("<msg"):]

		case stAttrs:
			if gt := strings.Index(rest, ">"); gt >= 0 {
				p.attrRaw = append(p.attrRaw, rest[:gt])
				p.parseAttrs()
				p.state = stBody
				rest = rest[gt+1:]
				continue
			}
			p.attrRaw = append(p.attrRaw, rest)
			return out

		case stBody:
			if m := attrTagRe.FindStringSubmatchIndex(rest); m != nil {
				name := rest[m[2]:m[3]]
				value := rest[m[4]:m[5]]
				p.attrs[name] = entityDecode.Replace(value)
				rest = rest[m[1]:]
				continue
			}
			if idx := strings.Index(rest, "<txt>"); idx >= 0 {
				p.state = stText
				p.midLine = true
				rest = rest[idx+len("<txt>"):]
				continue
			}
			if idx := strings.Index(rest, "</msg>"); idx >= 0 {
				out = append(out, p.emit())
				rest = rest[idx+len("</msg>"):]
				continue
			}
			return out

		case stText:
			if idx := strings.Index(rest, "</txt>"); idx >= 0 {
				if idx > 0 {
					p.txt = append(p.txt, rest[:idx])
				}
				p.state = stBody
				p.midLine = false
				rest = rest[idx+len("</txt>"):]
				continue
			}
			if rest != "" || !p.midLine {
				p.txt = append(p.txt, rest)
			}
			p.midLine = false
			return out
		}
	}
}

// Flush emits a partial envelope, if any. Used by the idle flush.
func (p *Parser) Flush() (Envelope, bool) {
	if p.state == stFindMsg {
		return Envelope{}, false
	}
	if p.state == stAttrs {
		p.parseAttrs()
	}
	env := p.emit()
	return env, true
}

func (p *Parser) parseAttrs() {
	raw := strings.Join(p.attrRaw, " ")
	for _, m := range attrPairRe.FindAllStringSubmatch(raw, -1) {
		p.attrs[m[1]] = entityDecode.Replace(m[2])
	}
	p.attrRaw = p.attrRaw[:0]
}

func (p *Parser) emit() Envelope {
	env := Envelope{
		Attrs: p.attrs,
		Text:  entityDecode.Replace(strings.Join(p.txt, "\n")),
		End:   p.end,
	}
	p.state = stFindMsg
	p.attrs = nil
	p.txt = nil
	return env
}

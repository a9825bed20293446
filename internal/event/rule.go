package event

import (
	"fmt"
	"regexp"
	"strings"
)

// FieldRule derives a new field from an existing one: the referenced field
// is matched against a regex and the capture groups are substituted into a
// template. When the match fails the default value applies, if set.
type FieldRule struct {
	Key     string         // field to create
	Field   string         // field the regex runs against
	Match   *regexp.Regexp // may capture groups $1..$n
	Value   string         // template with $1..$n placeholders
	Default string         // used when Match does not hit; empty = leave unset
}

// NewFieldRule compiles a derived add_field rule.
func NewFieldRule(key, field, match, value, def string) (*FieldRule, error) {
	if field == "" || match == "" {
		return nil, fmt.Errorf("add_field rule %q needs both field and match", key)
	}
	re, err := regexp.Compile(match)
	if err != nil {
		return nil, fmt.Errorf("add_field rule %q: invalid match: %w", key, err)
	}
	return &FieldRule{Key: key, Field: field, Match: re, Value: value, Default: def}, nil
}

// Apply evaluates the rule against the event and sets the derived field.
func (r *FieldRule) Apply(e *Event) {
	src, ok := e.Field(r.Field)
	if ok {
		if m := r.Match.FindStringSubmatch(src); m != nil {
			out := r.Value
			for i := len(m) - 1; i >= 1; i-- {
				out = strings.ReplaceAll(out, fmt.Sprintf("$%d", i), m[i])
			}
			e.SetField(r.Key, out)
			return
		}
	}
	if r.Default != "" {
		e.SetField(r.Key, r.Default)
	}
}

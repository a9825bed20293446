package event

import (
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestampFormat(t *testing.T) {
	ts := Timestamp(time.Date(2015, 7, 24, 13, 5, 9, 42*int(time.Millisecond), time.UTC))
	assert.Equal(t, "2015-07-24T13:05:09.042Z", ts)

	// the per-second prefix cache must not leak between seconds
	ts2 := Timestamp(time.Date(2015, 7, 24, 13, 5, 10, 999*int(time.Millisecond), time.UTC))
	assert.Equal(t, "2015-07-24T13:05:10.999Z", ts2)
}

func TestTimestampMatchesPattern(t *testing.T) {
	re := regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}Z$`)
	assert.Regexp(t, re, Timestamp(time.Now()))
}

func TestMarshalJSON(t *testing.T) {
	ev := New("web01", "/var/log/app.log", "app", "hello")
	ev.AddTags("prod")
	ev.SetField("team", "ops")

	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &doc))

	assert.Equal(t, "1", doc["@version"])
	assert.Equal(t, "file://web01/var/log/app.log", doc["source"])
	assert.Equal(t, "web01", doc["host"])
	assert.Equal(t, "/var/log/app.log", doc["file"])
	assert.Equal(t, "app", doc["type"])
	assert.Equal(t, "hello", doc["line"])
	assert.Equal(t, []interface{}{"prod"}, doc["tags"])
	assert.Equal(t, "ops", doc["team"])
	assert.NotEmpty(t, doc["@timestamp"])
}

func TestMarshalJSONEmptyTags(t *testing.T) {
	raw, err := json.Marshal(New("h", "/f", "t", "l"))
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, []interface{}{}, doc["tags"])
}

func TestFromJSON(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantErr  bool
		wantType string
		wantLine string
	}{
		{
			name:     "type override",
			line:     `{"type":"nginx","message":"GET /"}`,
			wantType: "nginx",
			wantLine: "GET /",
		},
		{
			name:     "plain document",
			line:     `{"line":"hello","num":3}`,
			wantLine: "hello",
		},
		{
			name:    "malformed",
			line:    `{"type":`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := FromJSON(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, ev.Type)
			assert.Equal(t, tt.wantLine, ev.Line)
		})
	}
}

func TestFromJSONTags(t *testing.T) {
	ev, err := FromJSON(`{"tags":["a","b"],"line":"x"}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ev.Tags)
}

func TestWireRoundTrip(t *testing.T) {
	ev := New("db01", "/var/log/ora.log", "oracle", "payload")
	ev.AddTags("t1", "t2")
	ev.SetField("ora.level", "8")

	back := FromWire(ev.WireFields())
	assert.Equal(t, ev.Source, back.Source)
	assert.Equal(t, ev.Host, back.Host)
	assert.Equal(t, ev.File, back.File)
	assert.Equal(t, ev.Type, back.Type)
	assert.Equal(t, ev.Line, back.Line)
	assert.Equal(t, ev.Tags, back.Tags)
	assert.Equal(t, "8", back.Fields["ora.level"])
}

func TestAddTagsDedup(t *testing.T) {
	ev := &Event{}
	ev.AddTags("a", "b", "a")
	ev.AddTags("b")
	assert.Equal(t, []string{"a", "b"}, ev.Tags)
}

func TestFieldRule(t *testing.T) {
	tests := []struct {
		name  string
		rule  [5]string // key, field, match, value, default
		line  string
		want  string
		unset bool
	}{
		{
			name: "capture substitution",
			rule: [5]string{"status", "line", `HTTP/\d\.\d" (\d{3})`, "code-$1", ""},
			line: `GET / HTTP/1.1" 404 123`,
			want: "code-404",
		},
		{
			name: "default on miss",
			rule: [5]string{"status", "line", `(\d{3}) done`, "$1", "none"},
			line: "no match here",
			want: "none",
		},
		{
			name:  "unset on miss without default",
			rule:  [5]string{"status", "line", `(\d{3}) done`, "$1", ""},
			line:  "no match here",
			unset: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, err := NewFieldRule(tt.rule[0], tt.rule[1], tt.rule[2], tt.rule[3], tt.rule[4])
			require.NoError(t, err)

			ev := &Event{Line: tt.line}
			rule.Apply(ev)
			got, ok := ev.Field("status")
			if tt.unset {
				assert.False(t, ok)
				return
			}
			assert.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFieldRuleValidation(t *testing.T) {
	_, err := NewFieldRule("k", "", "x", "v", "")
	assert.Error(t, err)
	_, err = NewFieldRule("k", "line", "([", "v", "")
	assert.Error(t, err)
}

package event

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Version is the value of the @version field on every shipped event.
const Version = "1"

// Event is a keyed record shipped from an input to one or more outputs.
// The well-known fields live in the struct; anything else (ora.* attributes,
// json-format extras, add_field values) goes into Fields.
type Event struct {
	Timestamp string            // ISO 8601 UTC, millisecond precision
	Source    string            // file://<host><path>
	Host      string
	File      string
	Type      string // routing key
	Tags      []string
	Line      string // the payload
	Fields    map[string]string
}

// New constructs an event for a payload pulled from a file-backed input.
func New(host, path, etype, line string) *Event {
	return &Event{
		Timestamp: Timestamp(time.Now()),
		Source:    "file://" + host + path,
		Host:      host,
		File:      path,
		Type:      etype,
		Line:      line,
	}
}

// SetField stores a field on the event, routing the well-known keys into
// their struct slots.
func (e *Event) SetField(key, value string) {
	switch key {
	case "@timestamp":
		e.Timestamp = value
	case "source":
		e.Source = value
	case "host":
		e.Host = value
	case "file":
		e.File = value
	case "type":
		e.Type = value
	case "line", "message":
		e.Line = value
	case "@version":
		// fixed
	default:
		if e.Fields == nil {
			e.Fields = make(map[string]string)
		}
		e.Fields[key] = value
	}
}

// Field returns the value of a field by name, well-known or additional.
func (e *Event) Field(key string) (string, bool) {
	switch key {
	case "@version":
		return Version, true
	case "@timestamp":
		return e.Timestamp, true
	case "source":
		return e.Source, true
	case "host":
		return e.Host, true
	case "file":
		return e.File, true
	case "type":
		return e.Type, true
	case "line", "message":
		return e.Line, true
	}
	v, ok := e.Fields[key]
	return v, ok
}

// AddTags appends tags, skipping duplicates.
func (e *Event) AddTags(tags ...string) {
	for _, t := range tags {
		dup := false
		for _, have := range e.Tags {
			if have == t {
				dup = true
				break
			}
		}
		if !dup {
			e.Tags = append(e.Tags, t)
		}
	}
}

// MarshalJSON renders the event as a single JSON document with the
// mandatory @version/@timestamp keys included.
func (e *Event) MarshalJSON() ([]byte, error) {
	doc := make(map[string]interface{}, 8+len(e.Fields))
	doc["@version"] = Version
	doc["@timestamp"] = e.Timestamp
	doc["source"] = e.Source
	doc["host"] = e.Host
	doc["file"] = e.File
	doc["type"] = e.Type
	if e.Tags == nil {
		doc["tags"] = []string{}
	} else {
		doc["tags"] = e.Tags
	}
	doc["line"] = e.Line
	for k, v := range e.Fields {
		doc[k] = v
	}
	return json.Marshal(doc)
}

// FromJSON builds an event from a json-format input line. The parsed
// document may override the input's declared type.
func FromJSON(line string) (*Event, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(line), &doc); err != nil {
		return nil, fmt.Errorf("malformed json line: %w", err)
	}
	e := &Event{Timestamp: Timestamp(time.Now())}
	for k, v := range doc {
		if k == "tags" {
			if list, ok := v.([]interface{}); ok {
				for _, t := range list {
					if s, ok := t.(string); ok {
						e.AddTags(s)
					}
				}
				continue
			}
		}
		e.SetField(k, stringify(v))
	}
	return e, nil
}

// WireFields flattens the event to the string pairs sent in a Lumberjack
// version 1 data frame.
func (e *Event) WireFields() map[string]string {
	fields := make(map[string]string, 8+len(e.Fields))
	fields["@version"] = Version
	fields["@timestamp"] = e.Timestamp
	fields["source"] = e.Source
	fields["host"] = e.Host
	fields["file"] = e.File
	fields["type"] = e.Type
	fields["tags"] = joinTags(e.Tags)
	fields["line"] = e.Line
	for k, v := range e.Fields {
		fields[k] = v
	}
	return fields
}

// FromWire reassembles an event from decoded wire fields.
func FromWire(fields map[string]string) *Event {
	e := &Event{}
	for k, v := range fields {
		if k == "tags" {
			if v != "" {
				e.Tags = splitTags(v)
			}
			continue
		}
		e.SetField(k, v)
	}
	if e.Timestamp == "" {
		e.Timestamp = Timestamp(time.Now())
	}
	return e
}

// SortedFieldKeys returns the additional field names in lexical order.
func (e *Event) SortedFieldKeys() []string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case nil:
		return ""
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}

func joinTags(tags []string) string {
	out := ""
	for i, t := range tags {
		if i > 0 {
			out += ","
		}
		out += t
	}
	return out
}

func splitTags(s string) []string {
	var tags []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				tags = append(tags, s[start:i])
			}
			start = i + 1
		}
	}
	return tags
}

// timestamp cache: formatting the date part is the expensive half, and it
// only changes once per second.
var tsCache struct {
	sync.Mutex
	sec    int64
	prefix string
}

// Timestamp renders t as YYYY-MM-DDTHH:MM:SS.mmmZ in UTC. The per-second
// prefix is cached; only the millisecond suffix is formatted per call.
func Timestamp(t time.Time) string {
	t = t.UTC()
	sec := t.Unix()
	ms := t.Nanosecond() / int(time.Millisecond)

	tsCache.Lock()
	if tsCache.sec != sec || tsCache.prefix == "" {
		tsCache.sec = sec
		tsCache.prefix = t.Format("2006-01-02T15:04:05.")
	}
	prefix := tsCache.prefix
	tsCache.Unlock()

	var buf [4]byte
	buf[0] = byte('0' + ms/100)
	buf[1] = byte('0' + ms/10%10)
	buf[2] = byte('0' + ms%10)
	buf[3] = 'Z'
	return prefix + string(buf[:])
}

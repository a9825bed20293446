package pipeline

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golouhm/awesant/internal/event"
	"github.com/golouhm/awesant/internal/input"
	"github.com/golouhm/awesant/internal/logging"
	"github.com/golouhm/awesant/internal/output"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Level: "fatal"})
}

// fakeOutput records pushes and fails on demand.
type fakeOutput struct {
	name     string
	window   int
	failing  bool
	failAt   int // fail once the total accepted count would pass this, 0 = never
	accepted []*event.Event
	pushes   [][]*event.Event
}

func (f *fakeOutput) Name() string       { return f.name }
func (f *fakeOutput) MaxWindowSize() int { return f.window }
func (f *fakeOutput) Close() error       { return nil }

func (f *fakeOutput) Push(events []*event.Event) error {
	if f.failing {
		return errors.New("downstream unavailable")
	}
	if f.failAt > 0 && len(f.accepted)+len(events) > f.failAt {
		return errors.New("downstream broke mid-stream")
	}
	f.pushes = append(f.pushes, events)
	f.accepted = append(f.accepted, events...)
	return nil
}

// fakeInput replays scripted record batches.
type fakeInput struct {
	batches [][]input.Record
	pulls   int
	commits int
}

func (f *fakeInput) Name() string { return "fake" }
func (f *fakeInput) Close() error { return nil }
func (f *fakeInput) Commit() error {
	f.commits++
	return nil
}

func (f *fakeInput) Pull(lines int) ([]input.Record, error) {
	f.pulls++
	if len(f.batches) == 0 {
		return nil, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

func makeEvents(etype string, n int) []*event.Event {
	events := make([]*event.Event, 0, n)
	for i := 1; i <= n; i++ {
		events = append(events, event.New("h", "/f", etype, fmt.Sprintf("E%d", i)))
	}
	return events
}

func newTestWorker(sets []*input.Set, outs []*output.Bound, settings Settings) *Worker {
	if settings.Poll == 0 {
		settings.Poll = 100 * time.Millisecond
	}
	if settings.Lines == 0 {
		settings.Lines = 100
	}
	if settings.Hostname == "" {
		settings.Hostname = "testhost"
	}
	return NewWorker(settings, sets, outs, nil, testLogger())
}

func lines(events []*event.Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Line)
	}
	return out
}

func TestDispatchDeliversInOrder(t *testing.T) {
	sink := &fakeOutput{name: "sink"}
	w := newTestWorker(nil, []*output.Bound{{Types: []string{"app"}, Output: sink}}, Settings{})

	stashed := w.dispatch("app", makeEvents("app", 3))
	assert.False(t, stashed)
	assert.Equal(t, []string{"E1", "E2", "E3"}, lines(sink.accepted))
	// window size 0: one event per push
	assert.Len(t, sink.pushes, 3)
}

func TestDispatchWindowChunking(t *testing.T) {
	sink := &fakeOutput{name: "sink", window: 2}
	w := newTestWorker(nil, []*output.Bound{{Types: []string{"app"}, Output: sink}}, Settings{})

	w.dispatch("app", makeEvents("app", 5))
	require.Len(t, sink.pushes, 3)
	assert.Len(t, sink.pushes[0], 2)
	assert.Len(t, sink.pushes[1], 2)
	assert.Len(t, sink.pushes[2], 1)
	assert.Equal(t, []string{"E1", "E2", "E3", "E4", "E5"}, lines(sink.accepted))
}

func TestDispatchWildcardRouting(t *testing.T) {
	direct := &fakeOutput{name: "direct"}
	wild := &fakeOutput{name: "wild"}
	both := &fakeOutput{name: "both"}
	w := newTestWorker(nil, []*output.Bound{
		{Types: []string{"app"}, Output: direct},
		{Types: []string{"*"}, Output: wild},
		{Types: []string{"app", "*"}, Output: both},
	}, Settings{})

	w.dispatch("app", makeEvents("app", 1))
	assert.Len(t, direct.accepted, 1)
	assert.Len(t, wild.accepted, 1)
	// bound under both the type and the wildcard: delivered once
	assert.Len(t, both.accepted, 1)

	w.dispatch("other", makeEvents("other", 1))
	assert.Len(t, direct.accepted, 1)
	assert.Len(t, wild.accepted, 2)
	assert.Len(t, both.accepted, 2)
}

// Scenario: E1, E2 go through, the output dies before E3. E3 and E4 are
// stashed in order, drained once the output recovers, and only then does
// the input commit.
func TestStashOnFailureAndDrain(t *testing.T) {
	sink := &fakeOutput{name: "sink", failAt: 2}
	w := newTestWorker(nil, []*output.Bound{{Types: []string{"app"}, Output: sink}}, Settings{})

	stashed := w.dispatch("app", makeEvents("app", 4))
	assert.True(t, stashed)
	assert.Equal(t, []string{"E1", "E2"}, lines(sink.accepted))
	assert.Equal(t, 2, w.StashDepth("app"))

	// still down: the stash survives intact
	sink.failing = true
	sink.failAt = 0
	assert.False(t, w.drain("app"))
	assert.Equal(t, 2, w.StashDepth("app"))

	// recovered: drained in order
	sink.failing = false
	assert.True(t, w.drain("app"))
	assert.Equal(t, 0, w.StashDepth("app"))
	assert.Equal(t, []string{"E1", "E2", "E3", "E4"}, lines(sink.accepted))
}

func TestPassSuppressesPullsWhileStashed(t *testing.T) {
	sink := &fakeOutput{name: "sink", failing: true}
	in := &fakeInput{batches: [][]input.Record{
		{{Line: "E1"}},
		{{Line: "E2"}},
	}}
	set := &input.Set{
		Descriptor: input.Descriptor{InputType: "file", Type: "app"},
		Inputs:     []input.Input{in},
	}
	w := newTestWorker([]*input.Set{set},
		[]*output.Bound{{Types: []string{"app"}, Output: sink}}, Settings{})

	now := time.Now()
	w.pass(now)
	assert.Equal(t, 1, in.pulls)
	assert.Equal(t, 1, w.StashDepth("app"))
	assert.Equal(t, 0, in.commits)

	// while the stash is non-empty the input is not pulled again
	w.pass(now.Add(time.Second))
	assert.Equal(t, 1, in.pulls)

	// output recovers: the stash drains, the held commit is released, and
	// pulling resumes
	sink.failing = false
	w.pass(now.Add(2 * time.Second))
	assert.Equal(t, 2, in.pulls)
	assert.Equal(t, []string{"E1", "E2"}, lines(sink.accepted))
	assert.GreaterOrEqual(t, in.commits, 1)
}

func TestPassDestroysFatalInput(t *testing.T) {
	bad := &failingInput{}
	set := &input.Set{
		Descriptor: input.Descriptor{InputType: "file", Type: "app"},
		Inputs:     []input.Input{bad},
	}
	w := newTestWorker([]*input.Set{set}, nil, Settings{})

	now := time.Now()
	w.pass(now)
	assert.Len(t, w.inputs, 1) // flagged, removed on the next tick
	w.pass(now.Add(time.Second))
	assert.Empty(t, w.inputs)
	assert.Empty(t, set.Inputs)
}

type failingInput struct{}

func (f *failingInput) Name() string  { return "bad" }
func (f *failingInput) Close() error  { return nil }
func (f *failingInput) Commit() error { return nil }
func (f *failingInput) Pull(int) ([]input.Record, error) {
	return nil, errors.New("pull exploded")
}

func TestEnrichPlain(t *testing.T) {
	d := input.Descriptor{Type: "app", Format: "plain", Tags: []string{"prod"},
		StaticFields: map[string]string{"dc": "eu-1"}}
	w := newTestWorker(nil, nil, Settings{Hostname: "web01"})

	events := w.enrich([]input.Record{{Line: "hello", File: "/var/log/app.log"}}, d)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, "web01", ev.Host)
	assert.Equal(t, "/var/log/app.log", ev.File)
	assert.Equal(t, "file://web01/var/log/app.log", ev.Source)
	assert.Equal(t, "app", ev.Type)
	assert.Equal(t, "hello", ev.Line)
	assert.Equal(t, []string{"prod"}, ev.Tags)
	assert.Equal(t, "eu-1", ev.Fields["dc"])
	assert.NotEmpty(t, ev.Timestamp)
}

func TestEnrichJSONOverridesType(t *testing.T) {
	d := input.Descriptor{Type: "app", Format: "json"}
	w := newTestWorker(nil, nil, Settings{Hostname: "web01"})

	events := w.enrich([]input.Record{
		{Line: `{"type":"nginx","line":"GET /"}`},
		{Line: `{broken`},
		{Line: `{"line":"no type"}`},
	}, d)
	require.Len(t, events, 2) // the malformed line is dropped
	assert.Equal(t, "nginx", events[0].Type)
	assert.Equal(t, "app", events[1].Type)
}

func TestEnrichAppliesFieldRules(t *testing.T) {
	rule, err := event.NewFieldRule("status", "line", `" (\d{3}) `, "$1", "")
	require.NoError(t, err)
	d := input.Descriptor{Type: "web", Format: "plain", Rules: []*event.FieldRule{rule}}
	w := newTestWorker(nil, nil, Settings{})

	events := w.enrich([]input.Record{{Line: `GET / HTTP/1.1" 404 9`}}, d)
	require.Len(t, events, 1)
	assert.Equal(t, "404", events[0].Fields["status"])
}

func TestEnrichKeepsWireEvent(t *testing.T) {
	wire := event.New("remote", "/remote.log", "", "from afar")
	d := input.Descriptor{Type: "relay", Format: "plain", Tags: []string{"forwarded"}}
	w := newTestWorker(nil, nil, Settings{Hostname: "local"})

	events := w.enrich([]input.Record{{Event: wire}}, d)
	require.Len(t, events, 1)
	assert.Equal(t, "remote", events[0].Host) // sender wins
	assert.Equal(t, "relay", events[0].Type)  // missing type filled in
	assert.Equal(t, []string{"forwarded"}, events[0].Tags)
}

func TestUnroutedEventsAreDropped(t *testing.T) {
	sink := &fakeOutput{name: "sink"}
	w := newTestWorker(nil, []*output.Bound{{Types: []string{"app"}, Output: sink}}, Settings{})

	stashed := w.dispatch("other", makeEvents("other", 2))
	assert.False(t, stashed)
	assert.Empty(t, sink.accepted)
}

// Package pipeline runs the per-worker event loop: pull from inputs,
// enrich, dispatch per output type, stash on failure and retry in order.
package pipeline

import (
	"context"
	"time"

	"github.com/golouhm/awesant/internal/event"
	"github.com/golouhm/awesant/internal/input"
	"github.com/golouhm/awesant/internal/logging"
	"github.com/golouhm/awesant/internal/metrics"
	"github.com/golouhm/awesant/internal/output"
	"github.com/golouhm/awesant/internal/tailer"
)

// Settings are the agent-wide loop parameters.
type Settings struct {
	Hostname         string
	Poll             time.Duration
	Lines            int
	LogWatchInterval time.Duration
	Benchmark        bool
}

// boundInput couples a concrete input with its section descriptor and the
// per-input poll state.
type boundInput struct {
	set      *input.Set
	in       input.Input
	nextPoll time.Time
	destroy  bool
}

// WatcherBinding couples a wildcard watcher with the input set whose
// factory instantiates tailers for newly discovered files.
type WatcherBinding struct {
	Watcher *tailer.Watcher
	Set     *input.Set
}

// Worker owns a list of inputs and its own output instances, and runs the
// pull-enrich-dispatch loop single-threadedly.
type Worker struct {
	log      *logging.Logger
	stats    *metrics.Collector
	settings Settings

	inputs   []*boundInput
	watchers []*WatcherBinding
	outputs  []*output.Bound
	routes   map[string][]*output.Bound

	// failed maps an input type to its ordered stash; while non-empty, new
	// pulls for that type are suppressed and the stash drains first.
	failed map[string][]*stashEntry
	// commitHold are inputs whose commit waits for the stash to drain.
	commitHold map[string][]input.Input
}

// NewWorker assembles a worker from shared input sets and its own outputs.
func NewWorker(settings Settings, sets []*input.Set, outputs []*output.Bound,
	watchers []*WatcherBinding, log *logging.Logger) *Worker {

	w := &Worker{
		log:        log,
		stats:      metrics.Default(),
		settings:   settings,
		outputs:    outputs,
		watchers:   watchers,
		routes:     make(map[string][]*output.Bound),
		failed:     make(map[string][]*stashEntry),
		commitHold: make(map[string][]input.Input),
	}
	for _, set := range sets {
		for _, in := range set.Inputs {
			w.inputs = append(w.inputs, &boundInput{set: set, in: in})
		}
	}
	for _, bound := range outputs {
		for _, t := range bound.Types {
			w.routes[t] = append(w.routes[t], bound)
		}
	}
	return w
}

// Run executes the worker loop until the context is cancelled. The current
// pass always completes: soft termination drains the pull in flight.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.settings.Poll)
	defer ticker.Stop()
	defer w.closeAll()

	for {
		w.pass(time.Now())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pass is one iteration of the worker loop: watcher rotation, input
// destruction, stash drain, pull, enrich, dispatch.
func (w *Worker) pass(now time.Time) {
	start := time.Now()
	w.rotateWatchers(now)
	w.dropDestroyed()

	for _, b := range w.inputs {
		if b.destroy || now.Before(b.nextPoll) {
			continue
		}
		itype := b.set.Descriptor.Type

		// With failures outstanding, events without a certain routing key
		// cannot be dispatched; skip the input until the stash clears.
		if len(w.failed) > 0 && itype == "" {
			continue
		}
		if entries := w.failed[itype]; len(entries) > 0 {
			if !w.drain(itype) {
				b.nextPoll = now.Add(w.settings.Poll)
				continue
			}
		}

		records, err := b.in.Pull(w.settings.Lines)
		if err != nil {
			w.log.Error().Err(err).Str("input", b.in.Name()).Msg("input failed, destroying")
			b.destroy = true
			continue
		}
		if len(records) == 0 {
			b.nextPoll = now.Add(w.settings.Poll)
			continue
		}
		w.stats.EventsPulled.WithLabelValues(itype).Add(float64(len(records)))

		events := w.enrich(records, b.set.Descriptor)
		if len(events) == 0 {
			continue
		}
		stashed := w.dispatch(itype, events)
		if stashed {
			w.commitHold[itype] = append(w.commitHold[itype], b.in)
			continue
		}
		if err := b.in.Commit(); err != nil {
			w.log.Error().Err(err).Str("input", b.in.Name()).Msg("commit failed")
		}
	}

	if w.settings.Benchmark {
		w.log.Debug().Dur("took", time.Since(start)).Msg("pipeline pass")
	}
}

// rotateWatchers re-globs wildcard paths and instantiates tailers for
// newly discovered files.
func (w *Worker) rotateWatchers(now time.Time) {
	for _, wb := range w.watchers {
		for _, path := range wb.Watcher.Poll(now) {
			in, err := wb.Set.NewInput(path)
			if err != nil {
				w.log.Error().Err(err).Str("path", path).Msg("failed to open discovered file")
				continue
			}
			w.log.Info().Str("path", path).Msg("discovered new file")
			wb.Set.Inputs = append(wb.Set.Inputs, in)
			w.inputs = append(w.inputs, &boundInput{set: wb.Set, in: in})
		}
	}
}

// dropDestroyed removes inputs flagged for destruction.
func (w *Worker) dropDestroyed() {
	kept := w.inputs[:0]
	for _, b := range w.inputs {
		if !b.destroy {
			kept = append(kept, b)
			continue
		}
		if p, ok := b.in.(interface{ Path() string }); ok {
			for _, wb := range w.watchers {
				if wb.Set == b.set {
					wb.Watcher.Forget(p.Path())
				}
			}
		}
		for i, in := range b.set.Inputs {
			if in == b.in {
				b.set.Inputs = append(b.set.Inputs[:i], b.set.Inputs[i+1:]...)
				break
			}
		}
		b.in.Close()
	}
	w.inputs = kept
}

// enrich turns pulled records into routable events.
func (w *Worker) enrich(records []input.Record, d input.Descriptor) []*event.Event {
	events := make([]*event.Event, 0, len(records))
	now := event.Timestamp(time.Now())

	for _, rec := range records {
		var ev *event.Event
		switch {
		case rec.Event != nil:
			ev = rec.Event
		case d.Format == "json":
			parsed, err := event.FromJSON(rec.Line)
			if err != nil {
				w.stats.EventsDropped.WithLabelValues(d.Type, "malformed_json").Inc()
				w.log.Error().Err(err).Str("line", rec.Line).Msg("dropping malformed json line")
				continue
			}
			ev = parsed
		default:
			ev = &event.Event{Timestamp: now, Line: rec.Line}
		}

		if ev.Host == "" {
			ev.Host = w.settings.Hostname
		}
		if ev.File == "" {
			ev.File = rec.File
		}
		if ev.Type == "" {
			ev.Type = d.Type
		}
		if ev.Source == "" {
			ev.Source = "file://" + ev.Host + ev.File
		}
		for k, v := range rec.Fields {
			ev.SetField(k, v)
		}
		ev.AddTags(d.Tags...)
		for k, v := range d.StaticFields {
			ev.SetField(k, v)
		}
		for _, rule := range d.Rules {
			rule.Apply(ev)
		}
		events = append(events, ev)
	}
	return events
}

// closeAll releases the worker-owned outputs. Inputs and watchers belong
// to the group and survive a worker respawn.
func (w *Worker) closeAll() {
	for _, bound := range w.outputs {
		bound.Output.Close()
	}
}

// StashDepth returns the number of stashed events for an input type.
func (w *Worker) StashDepth(itype string) int {
	n := 0
	for _, e := range w.failed[itype] {
		n += len(e.events)
	}
	return n
}

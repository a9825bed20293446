package pipeline

import (
	"time"

	"github.com/golouhm/awesant/internal/event"
	"github.com/golouhm/awesant/internal/output"
)

// stashEntry is the pending work for one (output, event type) pair after a
// push failure. Order within events is preserved; entries drain before new
// pulls for the input type proceed.
type stashEntry struct {
	out    *output.Bound
	etype  string
	events []*event.Event
}

// lookup returns the outputs bound to an event type, including wildcard
// subscribers, without duplicates.
func (w *Worker) lookup(etype string) []*output.Bound {
	direct := w.routes[etype]
	wild := w.routes["*"]
	if len(wild) == 0 {
		return direct
	}
	out := make([]*output.Bound, 0, len(direct)+len(wild))
	out = append(out, direct...)
	for _, b := range wild {
		dup := false
		for _, have := range direct {
			if have == b {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, b)
		}
	}
	return out
}

// dispatch groups events by type and ships each group to its outputs.
// On the first failure from an output the remaining events are stashed
// against the input type and that output is skipped for this pass.
// Returns true when anything was stashed.
func (w *Worker) dispatch(itype string, events []*event.Event) bool {
	// group by routed type, preserving order within each group
	order := make([]string, 0, 2)
	groups := make(map[string][]*event.Event, 2)
	for _, ev := range events {
		if _, ok := groups[ev.Type]; !ok {
			order = append(order, ev.Type)
		}
		groups[ev.Type] = append(groups[ev.Type], ev)
	}

	stashed := false
	for _, etype := range order {
		group := groups[etype]
		outs := w.lookup(etype)
		if len(outs) == 0 {
			w.stats.EventsDropped.WithLabelValues(itype, "unrouted").Add(float64(len(group)))
			w.log.Debug().Str("type", etype).Int("events", len(group)).Msg("no output bound, dropping")
			continue
		}
		for _, bound := range outs {
			remaining, err := w.push(bound, group)
			if err != nil {
				w.log.Error().Err(err).Str("output", bound.Output.Name()).
					Str("type", etype).Int("stashed", len(remaining)).Msg("push failed, stashing")
				w.stash(itype, bound, etype, remaining)
				stashed = true
			}
		}
	}
	return stashed
}

// push ships a group to one output, window-chunked when the adapter
// supports batches, one event at a time otherwise. It returns the events
// not yet pushed when an error occurs.
func (w *Worker) push(bound *output.Bound, events []*event.Event) ([]*event.Event, error) {
	name := bound.Output.Name()
	window := bound.Output.MaxWindowSize()
	if window <= 0 {
		window = 1
	}

	for len(events) > 0 {
		n := window
		if n > len(events) {
			n = len(events)
		}
		start := time.Now()
		err := bound.Output.Push(events[:n])
		w.stats.PushDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		if err != nil {
			return events, err
		}
		w.stats.EventsPushed.WithLabelValues(name).Add(float64(n))
		events = events[n:]
	}
	return nil, nil
}

// stash appends un-pushed events for an input type.
func (w *Worker) stash(itype string, bound *output.Bound, etype string, events []*event.Event) {
	if len(events) == 0 {
		return
	}
	w.failed[itype] = append(w.failed[itype], &stashEntry{out: bound, etype: etype, events: events})
	w.stats.EventsStashed.WithLabelValues(itype).Add(float64(len(events)))
	w.stats.StashDepth.WithLabelValues(itype).Set(float64(w.StashDepth(itype)))
}

// drain retries the stash for an input type in order. It returns true when
// the stash is empty and held commits have been released.
func (w *Worker) drain(itype string) bool {
	entries := w.failed[itype]
	for len(entries) > 0 {
		e := entries[0]
		remaining, err := w.push(e.out, e.events)
		if err != nil {
			// still down; keep what is left, in order
			e.events = remaining
			w.failed[itype] = entries
			w.stats.StashDepth.WithLabelValues(itype).Set(float64(w.StashDepth(itype)))
			return false
		}
		entries = entries[1:]
	}

	delete(w.failed, itype)
	w.stats.StashDepth.WithLabelValues(itype).Set(0)

	// the stash is clear: release the commits held back by the failure
	for _, in := range w.commitHold[itype] {
		if err := in.Commit(); err != nil {
			w.log.Error().Err(err).Str("input", in.Name()).Msg("commit failed")
		}
	}
	delete(w.commitHold, itype)
	w.log.Info().Str("type", itype).Msg("stash drained, resuming pulls")
	return true
}

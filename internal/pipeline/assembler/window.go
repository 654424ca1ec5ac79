package assembler

import (
	"fmt"
	"sort"

	"github.com/tiger/relay-telemetry-pipeline/api/telemetry"
)

// window holds out-of-order events that arrived ahead of the next expected
// sequence. Its bound is expressed as sequence distance: an event may run at
// most size sequences ahead of the cursor before it forces a gap.
type window struct {
	size    int
	pending map[uint64]telemetry.Event
}

func newWindow(size int) (*window, error) {
	if size < 1 {
		return nil, fmt.Errorf("reorder window size must be >=1")
	}
	return &window{size: size, pending: make(map[uint64]telemetry.Event)}, nil
}

// fits reports whether seq may be held without forcing the cursor forward.
func (w *window) fits(next, seq uint64) bool {
	return seq <= next+uint64(w.size)
}

// hold parks an ahead-of-cursor event. Later arrivals for an occupied slot
// are duplicates and are dropped.
func (w *window) hold(event telemetry.Event) {
	if _, ok := w.pending[event.Sequence]; ok {
		return
	}
	w.pending[event.Sequence] = event
}

// drainFrom pops consecutively-sequenced events starting at next.
func (w *window) drainFrom(next uint64) []telemetry.Event {
	out := make([]telemetry.Event, 0, len(w.pending))
	for {
		event, ok := w.pending[next]
		if !ok {
			return out
		}
		delete(w.pending, next)
		out = append(out, event)
		next++
	}
}

// flushBefore removes and returns all held events with sequence < bound, in
// sequence order. Used when a far-ahead arrival forces the window past held
// slots.
func (w *window) flushBefore(bound uint64) []telemetry.Event {
	out := make([]telemetry.Event, 0, len(w.pending))
	for seq, event := range w.pending {
		if seq < bound {
			out = append(out, event)
			delete(w.pending, seq)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

func (w *window) len() int {
	return len(w.pending)
}

package journal

import (
	"errors"

	"github.com/blocunited/weave/pkg/turn"
)

// Fanout publishes every event to each sink in order. All sinks are
// attempted even when one fails; the errors are joined.
type Fanout []turn.Sink

// NewFanout combines sinks into one. Typical wiring is journal first,
// gateway broadcaster second.
func NewFanout(sinks ...turn.Sink) Fanout {
	return Fanout(sinks)
}

// Add appends a sink. Only valid during wiring, before any Publish:
// some sinks are built after the components that publish through the
// fanout.
func (f *Fanout) Add(sink turn.Sink) {
	*f = append(*f, sink)
}

// Publish implements turn.Sink.
func (f Fanout) Publish(ev *turn.Event) error {
	var errs []error
	for _, sink := range f {
		if err := sink.Publish(ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

package event

import (
	"time"
)

// Event is the immutable unit of work flowing through the pipeline. It is
// decoded once when read from the broker and never mutated afterwards; the
// transform stage produces a new Event rather than editing in place.
type Event struct {
	Key       string
	Payload   map[string]any
	EventTime time.Time
	Partition int
	Offset    int64
}

// Clone returns a copy with its own payload map, used by the transform stage
// so enrichment never writes through to the original event.
func (e *Event) Clone() *Event {
	payload := make(map[string]any, len(e.Payload))
	for k, v := range e.Payload {
		payload[k] = v
	}
	return &Event{
		Key:       e.Key,
		Payload:   payload,
		EventTime: e.EventTime,
		Partition: e.Partition,
		Offset:    e.Offset,
	}
}

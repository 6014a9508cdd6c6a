package events

import "htlcswap/core/types"

// Event represents a structured state change emitted by an escrow engine or
// the swap coordinator.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (e.g. websocket
// streams, audit sinks).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Payload is implemented by events that wrap a types.Event record.
type Payload interface {
	Event
	Event() *types.Event
}

// Record extracts the types.Event carried by evt, if any.
func Record(evt Event) (*types.Event, bool) {
	p, ok := evt.(Payload)
	if !ok {
		return nil, false
	}
	rec := p.Event()
	return rec, rec != nil
}

// Multi fans a single Emit out to every non-nil emitter in order.
type Multi []Emitter

// Emit implements the Emitter interface.
func (m Multi) Emit(evt Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(evt)
		}
	}
}

// EmitterFunc adapts a plain function to the Emitter interface.
type EmitterFunc func(Event)

// Emit implements the Emitter interface.
func (f EmitterFunc) Emit(evt Event) {
	if f != nil {
		f(evt)
	}
}

package types

import "sort"

// Event represents a typed event emitted during escrow and session
// transitions. Attributes carry string encoded values so the record can be
// relayed verbatim over JSON and persisted by audit sinks.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Timestamp  int64             `json:"timestamp,omitempty"`
}

// NewEvent constructs an event with an initialised attribute map.
func NewEvent(eventType string, timestamp int64) *Event {
	return &Event{Type: eventType, Attributes: make(map[string]string), Timestamp: timestamp}
}

// Attr returns the attribute stored under key, or the empty string.
func (e *Event) Attr(key string) string {
	if e == nil || e.Attributes == nil {
		return ""
	}
	return e.Attributes[key]
}

// Keys lists attribute names in sorted order.
func (e *Event) Keys() []string {
	if e == nil {
		return nil
	}
	keys := make([]string, 0, len(e.Attributes))
	for k := range e.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy of the event.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	clone := &Event{Type: e.Type, Timestamp: e.Timestamp, Attributes: make(map[string]string, len(e.Attributes))}
	for k, v := range e.Attributes {
		clone.Attributes[k] = v
	}
	return clone
}

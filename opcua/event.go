package opcua

import "github.com/pkg/errors"

// EventType describes a custom event type derived from BaseEventType, with
// a set of named int32 properties clients may select in their event
// filters.
type EventType struct {
	NamespaceIndex uint16
	BrowseName     string
	DisplayName    string
	Description    string

	properties map[string]int32
}

// AddProperty declares a named property with its default value.
func (t *EventType) AddProperty(name string, value int32) {
	if t.properties == nil {
		t.properties = make(map[string]int32)
	}
	t.properties[name] = value
}

// Properties returns the declared properties keyed by browse name.
func (t *EventType) Properties() map[string]int32 { return t.properties }

// Event is an instance of an EventType, carrying the standard fields plus
// values for the declared properties. Field assignment is restricted to the
// names the originating type declares.
type Event struct {
	// SourceName identifies the event source shown to subscribers.
	SourceName string
	// Message is the human-readable event text.
	Message string
	// Severity ranges 1..1000 per the protocol convention.
	Severity uint16

	etype  *EventType
	fields map[string]int32
}

// EventFrom creates an event instance of the given type with the declared
// property defaults.
func EventFrom(etype EventType) Event {
	t := etype
	e := Event{etype: &t, fields: make(map[string]int32, len(etype.properties))}
	for k, v := range etype.properties {
		e.fields[k] = v
	}
	return e
}

// Type returns the originating EventType.
func (e *Event) Type() *EventType { return e.etype }

// Set assigns a declared field. Names outside the originating type's
// declaration are rejected.
func (e *Event) Set(name string, value int32) error {
	if _, ok := e.fields[name]; !ok {
		return errors.Errorf("event field %q not declared by event type %q", name, e.etype.BrowseName)
	}
	e.fields[name] = value
	return nil
}

// Get reads a declared field.
func (e *Event) Get(name string) (int32, bool) {
	v, ok := e.fields[name]
	return v, ok
}

// Fields returns the field values keyed by browse name.
func (e *Event) Fields() map[string]int32 { return e.fields }

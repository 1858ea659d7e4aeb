// Package eventkind defines the pluggable per-kind parser contract and a
// small registry of concrete parsers, one file per kind.
package eventkind

import "github.com/nostrflow/engine/internal/schema"

// Parser extracts structured data (and any follow-up requests) from an
// event of a specific kind.
type Parser interface {
	// Kinds returns the event kinds this parser handles.
	Kinds() []uint16
	// Parse returns the structured payload, any follow-up requests the
	// pipeline should issue (e.g. fetching a referenced profile), and an
	// error only for malformed input the event's kind guarantees should
	// not occur (an unparseable profile JSON is not an error: parsers
	// degrade to partial/empty output instead of failing the event).
	Parse(event schema.Event) (*schema.ParsedData, []schema.Request, error)
}

// Dispatcher routes an event to the Parser registered for its kind.
type Dispatcher struct {
	byKind map[uint16]Parser
}

// NewDispatcher builds a Dispatcher from a list of parsers, indexing each
// by every kind it declares.
func NewDispatcher(parsers ...Parser) *Dispatcher {
	d := &Dispatcher{byKind: make(map[uint16]Parser)}
	for _, p := range parsers {
		for _, k := range p.Kinds() {
			d.byKind[k] = p
		}
	}
	return d
}

// Parse dispatches event to its registered parser. If no parser is
// registered for event.Kind, Parse returns (nil, nil, nil): an unparsed
// event passes through with Parsed == nil, not an error.
func (d *Dispatcher) Parse(event schema.Event) (*schema.ParsedData, []schema.Request, error) {
	p, ok := d.byKind[event.Kind]
	if !ok {
		return nil, nil, nil
	}
	return p.Parse(event)
}

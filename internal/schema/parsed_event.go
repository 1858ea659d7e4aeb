package schema

import "encoding/json"

// ParsedData is the tagged-union payload produced by a kind-specific
// parser. Only the dispatch contract lives here; concrete kinds sit
// behind the eventkind.Parser interface.
type ParsedData struct {
	Kind uint16          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ParsedEvent is an Event plus everything parsing discovered about it.
type ParsedEvent struct {
	Event Event `json:"event"`

	Parsed *ParsedData `json:"parsed,omitempty"`

	// FollowUps are requests discovered while parsing, e.g. fetching the
	// profile of a referenced pubkey.
	FollowUps []Request `json:"follow_ups,omitempty"`

	// SeenOn is the set of relay URLs this event arrived from. A cached
	// replay has no relay source and leaves this empty.
	SeenOn []string `json:"seen_on,omitempty"`
}

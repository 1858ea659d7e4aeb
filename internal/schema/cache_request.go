package schema

// CacheRequest is the parser -> cache message: either a publish (Event
// set) or a batch of lookups (Requests set) for one subscription. Relays
// carries the publish path's explicit relay hints, unioned with the
// author's kind-10002 relay list by the cache planner.
type CacheRequest struct {
	SubID    string    `json:"sub_id"`
	Requests []Request `json:"requests,omitempty"`
	Event    *Event    `json:"event,omitempty"`
	Relays   []string  `json:"relays,omitempty"`
}

// CacheResponse is the cache -> parser reply to a lookup, one per
// cache-resident event found for the request plus a closing Complete
// signal.
type CacheResponse struct {
	SubID    string  `json:"sub_id"`
	Events   []Event `json:"events"`
	Complete bool    `json:"complete"`
}

package cache

import (
	"encoding/json"
	"fmt"

	"github.com/nostrflow/engine/internal/schema"
)

// buildFilter renders a Request as a NIP-01 filter object. Built by hand
// (rather than via nbd-wtf/go-nostr's nostr.Filter) so the wire encoding
// stays keyed to schema.Event/schema.Request's own field set instead of
// go-nostr's parallel Event type, matching internal/connections/frame.go's
// choice to parse relay frames directly against schema types.
func buildFilter(r schema.Request) map[string]any {
	f := make(map[string]any, 8)
	if len(r.IDs) > 0 {
		f["ids"] = hexIDs(r.IDs)
	}
	if len(r.Authors) > 0 {
		f["authors"] = hexIDs(r.Authors)
	}
	if len(r.Kinds) > 0 {
		f["kinds"] = r.Kinds
	}
	for tag, vals := range r.Tags {
		if len(vals) > 0 {
			f["#"+tag] = vals
		}
	}
	if r.Since != 0 {
		f["since"] = r.Since
	}
	if r.Until != 0 {
		f["until"] = r.Until
	}
	if r.Limit > 0 {
		f["limit"] = r.Limit
	}
	if r.Search != "" {
		f["search"] = r.Search
	}
	return f
}

func hexIDs(ids []schema.ID32) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// buildReqFrame renders ["REQ", sub_id, filter].
func buildReqFrame(subID string, r schema.Request) (string, error) {
	b, err := json.Marshal([]any{"REQ", subID, buildFilter(r)})
	if err != nil {
		return "", fmt.Errorf("cache: marshal REQ frame: %w", err)
	}
	return string(b), nil
}

// buildEventFrame renders ["EVENT", e].
func buildEventFrame(ev schema.Event) (string, error) {
	b, err := json.Marshal([]any{"EVENT", ev})
	if err != nil {
		return "", fmt.Errorf("cache: marshal EVENT frame: %w", err)
	}
	return string(b), nil
}

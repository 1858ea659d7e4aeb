package eventkind

import "github.com/nostrflow/engine/internal/schema"

// RelayListEntry is one relay URL plus its read/write markers, per NIP-65
// "r" tags: ["r", "<url>"] (both), ["r", "<url>", "read"], or
// ["r", "<url>", "write"].
type RelayListEntry struct {
	URL   string `json:"url"`
	Read  bool   `json:"read"`
	Write bool   `json:"write"`
}

// RelayListParser parses kind-10002 (relay list metadata) events.
type RelayListParser struct{}

func (RelayListParser) Kinds() []uint16 { return []uint16{10002} }

func (RelayListParser) Parse(event schema.Event) (*schema.ParsedData, []schema.Request, error) {
	var entries []RelayListEntry
	for _, tag := range event.Tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}
		entry := RelayListEntry{URL: tag[1], Read: true, Write: true}
		if len(tag) >= 3 {
			switch tag[2] {
			case "read":
				entry.Write = false
			case "write":
				entry.Read = false
			}
		}
		entries = append(entries, entry)
	}

	data, err := marshalParsed(entries)
	if err != nil {
		return nil, nil, err
	}
	return &schema.ParsedData{Kind: 10002, Data: data}, nil, nil
}

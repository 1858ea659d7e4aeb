// Package schema defines the wire types shared by every worker: events,
// requests, pipeline configuration, and the host/connections envelopes.
// Everything crossing a worker boundary is a JSON-tagged struct with a
// discriminant field; fixed-size identifiers carry their own hex codecs.
package schema

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ID32 is a 32-byte identifier (event id or pubkey), hex-encoded on the wire.
type ID32 [32]byte

// Sig64 is a 64-byte Schnorr signature, hex-encoded on the wire.
type Sig64 [64]byte

func (id ID32) String() string { return hex.EncodeToString(id[:]) }

func (id ID32) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(id[:]))
}

func (id *ID32) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("schema: decode id hex: %w", err)
	}
	return decodeFixed(s, id[:])
}

func (s Sig64) String() string { return hex.EncodeToString(s[:]) }

func (s Sig64) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(s[:]))
}

func (s *Sig64) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("schema: decode sig hex: %w", err)
	}
	return decodeFixed(str, s[:])
}

func decodeFixed(s string, out []byte) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("schema: invalid hex %q: %w", s, err)
	}
	if len(b) != len(out) {
		return fmt.Errorf("schema: expected %d bytes, got %d", len(out), len(b))
	}
	copy(out, b)
	return nil
}

// Tag is one ordered sequence of strings, e.g. ["e", "<id>", "<relay>"].
type Tag []string

// Tags is the ordered sequence of a Nostr event's tags.
type Tags []Tag

// Find returns the values (everything after the key) of the first tag
// whose first element equals key, and whether one was found.
func (t Tags) Find(key string) ([]string, bool) {
	for _, tag := range t {
		if len(tag) > 0 && tag[0] == key {
			return tag[1:], true
		}
	}
	return nil, false
}

// FindAll returns the values of every tag whose first element equals key.
func (t Tags) FindAll(key string) [][]string {
	var out [][]string
	for _, tag := range t {
		if len(tag) > 0 && tag[0] == key {
			out = append(out, tag[1:])
		}
	}
	return out
}

// Values returns the second element (the primary value) of every tag
// whose first element equals key -- e.g. Values("e") collects the ids of
// ["e","<id>","<relay>"] tags.
func (t Tags) Values(key string) []string {
	var out []string
	for _, tag := range t {
		if len(tag) >= 2 && tag[0] == key {
			out = append(out, tag[1])
		}
	}
	return out
}

// Event is an immutable, verified-or-not Nostr event. Construction
// happens once (via Unmarshal or the signer); no in-place mutation is
// exposed.
type Event struct {
	ID        ID32   `json:"id"`
	Pubkey    ID32   `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      uint16 `json:"kind"`
	Tags      Tags   `json:"tags"`
	Content   string `json:"content"`
	Sig       Sig64  `json:"sig"`
}

// IsReplaceable reports whether kind is a replaceable kind:
// 0, 3, and the 10000-19999 range.
func IsReplaceable(kind uint16) bool {
	return kind == 0 || kind == 3 || (kind >= 10000 && kind < 20000)
}

// IsParameterizedReplaceable reports whether kind is in the 30000-39999
// parameterized-replaceable range.
func IsParameterizedReplaceable(kind uint16) bool {
	return kind >= 30000 && kind < 40000
}

// DTag returns the value of the event's "d" tag, or "" if absent -- used to
// key parameterized-replaceable events alongside (kind, pubkey).
func (e *Event) DTag() string {
	if vals, ok := e.Tags.Find("d"); ok && len(vals) > 0 {
		return vals[0]
	}
	return ""
}

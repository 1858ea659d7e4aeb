package connections

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/nostrflow/engine/internal/schema"
)

// frameHeader is the cheap "first two elements" peek at an outbound
// frame: the message kind and, where the protocol carries one, the
// sub-id, read without decoding the remainder of the frame (the filter
// object or the event body).
type frameHeader struct {
	Kind  string
	SubID string
}

// peekFrameHeader decodes only as many tokens of the JSON array frame as
// are needed to learn its kind and (when present) its sub-id.
func peekFrameHeader(frame string) (frameHeader, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(frame)))

	if _, err := dec.Token(); err != nil { // '['
		return frameHeader{}, fmt.Errorf("connections: frame is not a JSON array: %w", err)
	}

	var kind string
	if err := dec.Decode(&kind); err != nil {
		return frameHeader{}, fmt.Errorf("connections: frame missing kind: %w", err)
	}
	h := frameHeader{Kind: kind}

	switch kind {
	case "REQ", "CLOSE", "COUNT":
		var subID string
		if err := dec.Decode(&subID); err != nil {
			return frameHeader{}, fmt.Errorf("connections: %s frame missing sub id: %w", kind, err)
		}
		h.SubID = subID
	}
	return h, nil
}

// parseRelayFrame decodes the subset of a relay-to-client wire frame this
// worker needs to route the message, element-by-element so a malformed
// or unexpected trailing payload never fails the whole parse.
func parseRelayFrame(relayURL string, raw []byte) (schema.RelayMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if _, err := dec.Token(); err != nil {
		return schema.RelayMessage{}, fmt.Errorf("connections: inbound frame is not a JSON array: %w", err)
	}

	var kind string
	if err := dec.Decode(&kind); err != nil {
		return schema.RelayMessage{}, fmt.Errorf("connections: inbound frame missing kind: %w", err)
	}

	msg := schema.RelayMessage{Relay: relayURL}

	switch kind {
	case "EVENT":
		msg.Type = schema.RelayEvent
		if err := dec.Decode(&msg.SubID); err != nil {
			return schema.RelayMessage{}, fmt.Errorf("connections: EVENT missing sub id: %w", err)
		}
		var ev schema.Event
		if err := dec.Decode(&ev); err != nil {
			return schema.RelayMessage{}, fmt.Errorf("connections: EVENT missing event body: %w", err)
		}
		msg.Event = &ev

	case "EOSE":
		msg.Type = schema.RelayEose
		if err := dec.Decode(&msg.SubID); err != nil {
			return schema.RelayMessage{}, fmt.Errorf("connections: EOSE missing sub id: %w", err)
		}

	case "OK":
		msg.Type = schema.RelayOK
		var idHex string
		if err := dec.Decode(&idHex); err != nil {
			return schema.RelayMessage{}, fmt.Errorf("connections: OK missing event id: %w", err)
		}
		id, err := decodeID32Hex(idHex)
		if err != nil {
			return schema.RelayMessage{}, fmt.Errorf("connections: OK event id: %w", err)
		}
		msg.EventID = id
		if err := dec.Decode(&msg.Ok); err != nil {
			return schema.RelayMessage{}, fmt.Errorf("connections: OK missing accepted flag: %w", err)
		}
		_ = dec.Decode(&msg.Reason) // optional trailing message

	case "CLOSED":
		msg.Type = schema.RelayClosed
		if err := dec.Decode(&msg.SubID); err != nil {
			return schema.RelayMessage{}, fmt.Errorf("connections: CLOSED missing sub id: %w", err)
		}
		_ = dec.Decode(&msg.Text)

	case "NOTICE":
		msg.Type = schema.RelayNotice
		if err := dec.Decode(&msg.Text); err != nil {
			return schema.RelayMessage{}, fmt.Errorf("connections: NOTICE missing text: %w", err)
		}

	case "AUTH":
		msg.Type = schema.RelayAuth
		_ = dec.Decode(&msg.Challenge)

	case "COUNT":
		msg.Type = schema.RelayCount
		if err := dec.Decode(&msg.SubID); err != nil {
			return schema.RelayMessage{}, fmt.Errorf("connections: COUNT missing sub id: %w", err)
		}
		var payload struct {
			Count int `json:"count"`
		}
		if err := dec.Decode(&payload); err == nil {
			msg.Count = payload.Count
		}

	default:
		return schema.RelayMessage{}, fmt.Errorf("connections: unrecognized relay message kind %q", kind)
	}

	return msg, nil
}

func decodeID32Hex(s string) (schema.ID32, error) {
	var id schema.ID32
	b, err := hex.DecodeString(s)
	if err != nil {
		return schema.ID32{}, fmt.Errorf("connections: invalid hex %q: %w", s, err)
	}
	if len(b) != len(id) {
		return schema.ID32{}, fmt.Errorf("connections: expected %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

package schema

import "encoding/json"

// WorkerMessageType discriminates WorkerMessage's tagged union, the
// worker -> host half of the engine protocol.
type WorkerMessageType string

const (
	WMParsedEvent      WorkerMessageType = "ParsedEvent"
	WMEoce             WorkerMessageType = "Eoce"
	WMEose             WorkerMessageType = "Eose"
	WMOK               WorkerMessageType = "OK"
	WMNotice           WorkerMessageType = "Notice"
	WMConnectionStatus WorkerMessageType = "ConnectionStatus"
	WMBufferFull       WorkerMessageType = "BufferFull"
	WMPubkey           WorkerMessageType = "Pubkey"
	WMSignedEvent      WorkerMessageType = "SignedEvent"
	WMValidProofs      WorkerMessageType = "ValidProofs"
)

// OKStatus covers both the relay-native OK outcomes (accepted/failed)
// and the synthetic subscribed marker the connections worker emits when a
// REQ frame is written.
type OKStatus string

const (
	OKAccepted   OKStatus = "accepted"
	OKSubscribed OKStatus = "subscribed"
	OKFailed     OKStatus = "failed"
)

// ConnState is a connection's lifecycle state.
type ConnState string

const (
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnReconnecting ConnState = "reconnecting"
)

// WorkerMessage is the tagged union the parser sends to the host.
// Exactly one of the per-variant fields is meaningful, selected by Type.
type WorkerMessage struct {
	Type WorkerMessageType `json:"type"`

	SubID string `json:"sub_id,omitempty"`

	// ParsedEvent
	Parsed *ParsedEvent `json:"parsed,omitempty"`

	// OK
	EventID ID32     `json:"event_id,omitempty"`
	Status  OKStatus `json:"status,omitempty"`
	Message string   `json:"message,omitempty"`

	// Notice
	Notice string `json:"notice,omitempty"`

	// ConnectionStatus
	Relay string    `json:"relay,omitempty"`
	State ConnState `json:"state,omitempty"`

	// BufferFull
	RingName string `json:"ring_name,omitempty"`

	// Pubkey / SignedEvent
	Pubkey ID32            `json:"pubkey,omitempty"`
	Signed json.RawMessage `json:"signed,omitempty"`

	// ValidProofs
	PublishID string   `json:"publish_id,omitempty"`
	ProofYs   []string `json:"proof_ys,omitempty"`
}

// Encode marshals m to the host-boundary wire format.
func (m WorkerMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

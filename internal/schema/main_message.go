package schema

import (
	"encoding/json"
	"fmt"
)

// MainMessageType discriminates MainMessage's tagged union, the
// host -> parser half of the engine protocol.
type MainMessageType string

// MaxSubIDLen caps subscription-id length, matching the relay wire
// protocol's 64-ASCII-character limit.
const MaxSubIDLen = 64

const (
	MsgSubscribe    MainMessageType = "Subscribe"
	MsgUnsubscribe  MainMessageType = "Unsubscribe"
	MsgPublish      MainMessageType = "Publish"
	MsgSignEvent    MainMessageType = "SignEvent"
	MsgSetSigner    MainMessageType = "SetSigner"
	MsgGetPublicKey MainMessageType = "GetPublicKey"
)

// Template is an unsigned event template, as supplied to SignEvent/Publish.
type Template struct {
	Kind      uint16 `json:"kind"`
	Content   string `json:"content"`
	Tags      Tags   `json:"tags"`
	CreatedAt int64  `json:"created_at,omitempty"`
}

// SignerKind discriminates SetSigner's payload.
type SignerKind string

const (
	SignerPrivateKey SignerKind = "PrivateKey"
	SignerNip07      SignerKind = "Nip07"
	SignerNip46      SignerKind = "Nip46"
)

// SignerSpec describes which signer backend to activate.
type SignerSpec struct {
	Type     SignerKind `json:"signer_type"`
	RemotePK ID32       `json:"remote_pk,omitempty"`
	Relays   []string   `json:"relays,omitempty"`
	PrivHex  string     `json:"priv_hex,omitempty"`
}

// MainMessage is the tagged union the host sends to the parser. Exactly
// one of the per-variant fields is meaningful, selected by Type.
type MainMessage struct {
	Type MainMessageType `json:"type"`

	// Subscribe
	SubID    string              `json:"sub_id,omitempty"`
	Requests []Request           `json:"requests,omitempty"`
	Config   *SubscriptionConfig `json:"config,omitempty"`

	// Publish
	PublishID string    `json:"publish_id,omitempty"`
	Template  *Template `json:"template,omitempty"`
	Relays    []string  `json:"relays,omitempty"`

	// SetSigner
	Signer *SignerSpec `json:"signer,omitempty"`
}

// Validate checks that the fields required by Type are present.
func (m MainMessage) Validate() error {
	switch m.Type {
	case MsgSubscribe:
		if m.SubID == "" {
			return fmt.Errorf("schema: Subscribe requires sub_id")
		}
		if len(m.SubID) > MaxSubIDLen {
			return fmt.Errorf("schema: sub_id %q exceeds %d characters", m.SubID, MaxSubIDLen)
		}
	case MsgUnsubscribe:
		if m.SubID == "" {
			return fmt.Errorf("schema: Unsubscribe requires sub_id")
		}
	case MsgPublish:
		if m.Template == nil {
			return fmt.Errorf("schema: Publish requires template")
		}
	case MsgSignEvent:
		if m.Template == nil {
			return fmt.Errorf("schema: SignEvent requires template")
		}
	case MsgSetSigner:
		if m.Signer == nil {
			return fmt.Errorf("schema: SetSigner requires signer")
		}
	case MsgGetPublicKey:
		// no fields required
	default:
		return fmt.Errorf("schema: unknown MainMessage type %q", m.Type)
	}
	return nil
}

// Encode marshals m to the host-boundary wire format.
func (m MainMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMainMessage parses a MainMessage and validates it.
func DecodeMainMessage(b []byte) (MainMessage, error) {
	var m MainMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return MainMessage{}, fmt.Errorf("schema: decode MainMessage: %w", err)
	}
	if err := m.Validate(); err != nil {
		return MainMessage{}, err
	}
	return m, nil
}

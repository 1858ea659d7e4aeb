// Package crypto is the signer/encryption service: request/response
// operations for the active signer's public key, event signing,
// NIP-04/NIP-44 encryption, and Cashu proof DLEQ verification.
package crypto

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrflow/engine/internal/schema"
)

// Signer is the active key-holder: a local private key, a NIP-07 browser
// extension bridge, or a NIP-46 remote signer. This
// package ships the local-private-key implementation directly (it needs
// no host collaborator); NIP-07/NIP-46 are environment bridges the host
// provides, wired in by implementing this interface there.
type Signer interface {
	PublicKey() (schema.ID32, error)
	SignEvent(tmpl schema.Template) (schema.Event, error)
}

// LocalSigner holds a raw private key in memory.
type LocalSigner struct {
	privHex string
	pubHex  string
}

// NewLocalSigner derives the public key from privHex (32-byte hex,
// matching go-nostr's convention) and returns a LocalSigner.
func NewLocalSigner(privHex string) (*LocalSigner, error) {
	pub, err := nostr.GetPublicKey(privHex)
	if err != nil {
		return nil, fmt.Errorf("crypto: derive public key: %w", err)
	}
	return &LocalSigner{privHex: privHex, pubHex: pub}, nil
}

func (s *LocalSigner) PublicKey() (schema.ID32, error) {
	return decodeID32(s.pubHex)
}

// SignEvent builds a nostr.Event from tmpl, sets Pubkey/CreatedAt, and
// signs it.
func (s *LocalSigner) SignEvent(tmpl schema.Template) (schema.Event, error) {
	createdAt := tmpl.CreatedAt
	if createdAt == 0 {
		createdAt = int64(nostr.Now())
	}

	ev := nostr.Event{
		PubKey:    s.pubHex,
		CreatedAt: nostr.Timestamp(createdAt),
		Kind:      int(tmpl.Kind),
		Content:   tmpl.Content,
		Tags:      toNostrTags(tmpl.Tags),
	}
	if err := ev.Sign(s.privHex); err != nil {
		return schema.Event{}, fmt.Errorf("crypto: sign event: %w", err)
	}
	return fromNostrEvent(ev)
}

func toNostrTags(tags schema.Tags) nostr.Tags {
	out := make(nostr.Tags, 0, len(tags))
	for _, t := range tags {
		out = append(out, nostr.Tag(t))
	}
	return out
}

func fromNostrTags(tags nostr.Tags) schema.Tags {
	out := make(schema.Tags, 0, len(tags))
	for _, t := range tags {
		out = append(out, schema.Tag(t))
	}
	return out
}

func decodeID32(hexStr string) (schema.ID32, error) {
	var id schema.ID32
	data, err := decodeHexExactly(hexStr, len(id))
	if err != nil {
		return schema.ID32{}, err
	}
	copy(id[:], data)
	return id, nil
}

func decodeSig64(hexStr string) (schema.Sig64, error) {
	var sig schema.Sig64
	data, err := decodeHexExactly(hexStr, len(sig))
	if err != nil {
		return schema.Sig64{}, err
	}
	copy(sig[:], data)
	return sig, nil
}

func fromNostrEvent(ev nostr.Event) (schema.Event, error) {
	id, err := decodeID32(ev.ID)
	if err != nil {
		return schema.Event{}, fmt.Errorf("crypto: decode signed event id: %w", err)
	}
	pub, err := decodeID32(ev.PubKey)
	if err != nil {
		return schema.Event{}, fmt.Errorf("crypto: decode signed event pubkey: %w", err)
	}
	sig, err := decodeSig64(ev.Sig)
	if err != nil {
		return schema.Event{}, fmt.Errorf("crypto: decode signed event sig: %w", err)
	}
	return schema.Event{
		ID:        id,
		Pubkey:    pub,
		CreatedAt: int64(ev.CreatedAt),
		Kind:      uint16(ev.Kind),
		Content:   ev.Content,
		Tags:      fromNostrTags(ev.Tags),
		Sig:       sig,
	}, nil
}

package crypto

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/nostrflow/engine/internal/schema"
)

// EncodeNpub renders pub as a bech32 npub, for signer-facing display.
func EncodeNpub(pub schema.ID32) (string, error) {
	out, err := nip19.EncodePublicKey(pub.String())
	if err != nil {
		return "", fmt.Errorf("crypto: encode npub: %w", err)
	}
	return out, nil
}

// DecodeNpub parses a bech32 npub back into a raw public key.
func DecodeNpub(npub string) (schema.ID32, error) {
	prefix, value, err := nip19.Decode(npub)
	if err != nil {
		return schema.ID32{}, fmt.Errorf("crypto: decode npub: %w", err)
	}
	if prefix != "npub" {
		return schema.ID32{}, fmt.Errorf("crypto: expected npub, got %s", prefix)
	}
	pubHex, ok := value.(string)
	if !ok {
		return schema.ID32{}, fmt.Errorf("crypto: npub decoded to unexpected type %T", value)
	}
	return decodeID32(pubHex)
}

// EncodeNprofile renders pub plus a set of relay hints as a bech32
// nprofile, the form NIP-46 bunker URIs and client UIs exchange instead of
// a bare npub when relay hints matter.
func EncodeNprofile(pub schema.ID32, relays []string) (string, error) {
	out, err := nip19.EncodeProfile(pub.String(), relays)
	if err != nil {
		return "", fmt.Errorf("crypto: encode nprofile: %w", err)
	}
	return out, nil
}

// DecodeNprofile parses a bech32 nprofile back into its public key and
// relay hints.
func DecodeNprofile(nprofile string) (schema.ID32, []string, error) {
	prefix, value, err := nip19.Decode(nprofile)
	if err != nil {
		return schema.ID32{}, nil, fmt.Errorf("crypto: decode nprofile: %w", err)
	}
	if prefix != "nprofile" {
		return schema.ID32{}, nil, fmt.Errorf("crypto: expected nprofile, got %s", prefix)
	}
	pointer, ok := value.(nostr.ProfilePointer)
	if !ok {
		return schema.ID32{}, nil, fmt.Errorf("crypto: nprofile decoded to unexpected type %T", value)
	}
	pub, err := decodeID32(pointer.PublicKey)
	if err != nil {
		return schema.ID32{}, nil, err
	}
	return pub, pointer.Relays, nil
}

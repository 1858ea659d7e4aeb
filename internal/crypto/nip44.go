package crypto

import (
	"encoding/hex"
	"fmt"

	"github.com/ekzyis/nip44"

	"github.com/nostrflow/engine/internal/schema"
)

// Nip44Encrypt encrypts plaintext to peerPubHex using a NIP-44
// conversation key.
func (s *Service) Nip44Encrypt(peerPubHex, plaintext string) (string, error) {
	key, err := s.conversationKey(peerPubHex)
	if err != nil {
		return "", err
	}
	out, err := nip44.Encrypt(key, plaintext, &nip44.EncryptOptions{})
	if err != nil {
		return "", fmt.Errorf("crypto: nip44 encrypt: %w", err)
	}
	return out, nil
}

// Nip44Decrypt decrypts ciphertext received from peerPubHex.
func (s *Service) Nip44Decrypt(peerPubHex, ciphertext string) (string, error) {
	key, err := s.conversationKey(peerPubHex)
	if err != nil {
		return "", err
	}
	out, err := nip44.Decrypt(key, ciphertext)
	if err != nil {
		return "", fmt.Errorf("crypto: nip44 decrypt: %w", err)
	}
	return out, nil
}

// Nip44DecryptBetween decrypts a message exchanged between sender and
// recipient, picking whichever of the two is not the active signer's own
// key as the peer.
func (s *Service) Nip44DecryptBetween(sender, recipient schema.ID32, ciphertext string) (string, error) {
	peer, err := s.pickPeer(sender, recipient)
	if err != nil {
		return "", err
	}
	return s.Nip44Decrypt(peer, ciphertext)
}

// nip44PubkeyPadding is the compressed-point parity byte prepended to a
// bare x-only nostr pubkey before key derivation: GenerateConversationKey
// wants a 33-byte compressed secp256k1 point rather than nostr's 32-byte
// x-only convention.
const nip44PubkeyPadding = "02"

// conversationKey derives the shared NIP-44 key between the active
// signer's own private key and peerPubHex.
func (s *Service) conversationKey(peerPubHex string) ([]byte, error) {
	privBytes, err := hex.DecodeString(s.privHexSnapshot())
	if err != nil {
		return nil, fmt.Errorf("crypto: decode own private key: %w", err)
	}
	pubBytes, err := hex.DecodeString(nip44PubkeyPadding + peerPubHex)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode peer public key: %w", err)
	}
	key, err := nip44.GenerateConversationKey(privBytes, pubBytes)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate conversation key: %w", err)
	}
	return key, nil
}

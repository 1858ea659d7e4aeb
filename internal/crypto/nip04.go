package crypto

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr/nip04"

	"github.com/nostrflow/engine/internal/schema"
)

// Nip04Encrypt encrypts plaintext to peerPubHex using the active
// signer's private key: ComputeSharedSecret then Encrypt.
func (s *Service) Nip04Encrypt(peerPubHex, plaintext string) (string, error) {
	shared, err := nip04.ComputeSharedSecret(peerPubHex, s.privHexSnapshot())
	if err != nil {
		return "", fmt.Errorf("crypto: nip04 shared secret: %w", err)
	}
	out, err := nip04.Encrypt(plaintext, shared)
	if err != nil {
		return "", fmt.Errorf("crypto: nip04 encrypt: %w", err)
	}
	return out, nil
}

// Nip04Decrypt decrypts ciphertext sent by peerPubHex.
func (s *Service) Nip04Decrypt(peerPubHex, ciphertext string) (string, error) {
	shared, err := nip04.ComputeSharedSecret(peerPubHex, s.privHexSnapshot())
	if err != nil {
		return "", fmt.Errorf("crypto: nip04 shared secret: %w", err)
	}
	out, err := nip04.Decrypt(ciphertext, shared)
	if err != nil {
		return "", fmt.Errorf("crypto: nip04 decrypt: %w", err)
	}
	return out, nil
}

// Nip04DecryptBetween decrypts a message exchanged between sender and
// recipient, picking whichever of the two is not the active signer's own
// key as the peer.
func (s *Service) Nip04DecryptBetween(sender, recipient schema.ID32, ciphertext string) (string, error) {
	peer, err := s.pickPeer(sender, recipient)
	if err != nil {
		return "", err
	}
	return s.Nip04Decrypt(peer, ciphertext)
}

// pickPeer returns whichever of sender/recipient is not the active
// signer's own public key, hex-encoded.
func (s *Service) pickPeer(sender, recipient schema.ID32) (string, error) {
	own, err := s.activeSigner().PublicKey()
	if err != nil {
		return "", fmt.Errorf("crypto: resolve own pubkey: %w", err)
	}
	switch {
	case sender != own:
		return sender.String(), nil
	case recipient != own:
		return recipient.String(), nil
	default:
		return "", fmt.Errorf("crypto: decrypt_between: neither sender nor recipient differs from own key")
	}
}

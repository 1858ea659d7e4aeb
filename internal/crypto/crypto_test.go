package crypto

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nostrflow/engine/internal/schema"
)

func newTestService(t *testing.T) (*Service, string, string) {
	t.Helper()
	priv := nostr.GeneratePrivateKey()
	signer, err := NewLocalSigner(priv)
	require.NoError(t, err)
	pub, err := signer.PublicKey()
	require.NoError(t, err)
	return NewService(signer, priv, nil, nil), priv, pub.String()
}

func TestLocalSigner_SignEvent(t *testing.T) {
	priv := nostr.GeneratePrivateKey()
	signer, err := NewLocalSigner(priv)
	require.NoError(t, err)

	pub, err := signer.PublicKey()
	require.NoError(t, err)

	ev, err := signer.SignEvent(schema.Template{Kind: 1, Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, pub, ev.Pubkey)
	assert.Equal(t, "hello", ev.Content)
	assert.NotZero(t, ev.Sig)
}

func TestService_HandleGetPublicKey(t *testing.T) {
	svc, _, pubHex := newTestService(t)
	resp := svc.Handle(schema.SignerRequest{RequestID: "r1", Op: schema.SignerOpGetPublicKey})
	assert.Empty(t, resp.Err)
	assert.Equal(t, pubHex, resp.Pubkey.String())
}

func TestService_Nip04RoundTrip(t *testing.T) {
	alice, _, _ := newTestService(t)
	bobPriv := nostr.GeneratePrivateKey()
	bobSigner, err := NewLocalSigner(bobPriv)
	require.NoError(t, err)
	bobPub, err := bobSigner.PublicKey()
	require.NoError(t, err)

	ciphertext, err := alice.Nip04Encrypt(bobPub.String(), "gm")
	require.NoError(t, err)

	bob := NewService(bobSigner, bobPriv, nil, nil)
	alicePub, err := alice.signer.PublicKey()
	require.NoError(t, err)

	plaintext, err := bob.Nip04Decrypt(alicePub.String(), ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "gm", plaintext)
}

func TestService_Nip44RoundTrip(t *testing.T) {
	alice, _, _ := newTestService(t)
	bobPriv := nostr.GeneratePrivateKey()
	bobSigner, err := NewLocalSigner(bobPriv)
	require.NoError(t, err)
	bobPub, err := bobSigner.PublicKey()
	require.NoError(t, err)

	ciphertext, err := alice.Nip44Encrypt(bobPub.String(), "gm")
	require.NoError(t, err)

	bob := NewService(bobSigner, bobPriv, nil, nil)
	alicePub, err := alice.signer.PublicKey()
	require.NoError(t, err)

	plaintext, err := bob.Nip44Decrypt(alicePub.String(), ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "gm", plaintext)
}

func TestService_HandleDecryptBetween_PicksNonOwnKey(t *testing.T) {
	alice, _, _ := newTestService(t)
	bob, _, _ := newTestService(t)

	alicePub, err := alice.activeSigner().PublicKey()
	require.NoError(t, err)
	bobPub, err := bob.activeSigner().PublicKey()
	require.NoError(t, err)

	nip04CT, err := alice.Nip04Encrypt(bobPub.String(), "gm nip04")
	require.NoError(t, err)
	nip44CT, err := alice.Nip44Encrypt(bobPub.String(), "gm nip44")
	require.NoError(t, err)

	// Bob decrypts a message where he is the recipient: the service must
	// pick Alice (the sender) as peer, whichever order the keys arrive in.
	resp := bob.Handle(schema.SignerRequest{
		RequestID:  "r1",
		Op:         schema.SignerOpNip04DecryptBetween,
		Sender:     alicePub,
		Recipient:  bobPub,
		Ciphertext: nip04CT,
	})
	require.Empty(t, resp.Err)
	assert.Equal(t, "gm nip04", resp.Plaintext)

	resp = bob.Handle(schema.SignerRequest{
		RequestID:  "r2",
		Op:         schema.SignerOpNip44DecryptBetween,
		Sender:     bobPub,
		Recipient:  alicePub,
		Ciphertext: nip44CT,
	})
	require.Empty(t, resp.Err)
	assert.Equal(t, "gm nip44", resp.Plaintext)
}

func TestService_DecryptBetween_BothKeysOwnErrors(t *testing.T) {
	alice, _, _ := newTestService(t)
	own, err := alice.activeSigner().PublicKey()
	require.NoError(t, err)

	_, err = alice.Nip04DecryptBetween(own, own, "irrelevant")
	require.Error(t, err)
}

func TestService_VerifyProof_UnknownMintSkipped(t *testing.T) {
	svc, _, _ := newTestService(t)
	out, err := svc.VerifyProof(schema.Event{Content: `{"mint":"https://mint.example","proofs":[{"secret":"s","C":"02","mint":"https://mint.example","dleq":{"e":"ff","s":"ff"}}]}`})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestService_VerifyProof_MalformedContentErrors(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.VerifyProof(schema.Event{Content: "not json"})
	require.Error(t, err)
}

func TestIdentity_NpubRoundTrip(t *testing.T) {
	_, _, pubHex := newTestService(t)
	pub, err := decodeID32(pubHex)
	require.NoError(t, err)

	npub, err := EncodeNpub(pub)
	require.NoError(t, err)

	got, err := DecodeNpub(npub)
	require.NoError(t, err)
	assert.Equal(t, pub, got)
}

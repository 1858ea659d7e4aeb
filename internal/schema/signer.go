package schema

// SignerOp names the operation a SignerRequest carries.
type SignerOp string

const (
	SignerOpGetPublicKey        SignerOp = "get_public_key"
	SignerOpSignEvent           SignerOp = "sign_event"
	SignerOpNip04Encrypt        SignerOp = "nip04_encrypt"
	SignerOpNip04Decrypt        SignerOp = "nip04_decrypt"
	SignerOpNip04DecryptBetween SignerOp = "nip04_decrypt_between"
	SignerOpNip44Encrypt        SignerOp = "nip44_encrypt"
	SignerOpNip44Decrypt        SignerOp = "nip44_decrypt"
	SignerOpNip44DecryptBetween SignerOp = "nip44_decrypt_between"
	SignerOpVerifyProof         SignerOp = "verify_proof"
)

// SignerRequest is sent over the crypto ring, keyed by RequestID so the
// matching SignerResponse can be correlated.
type SignerRequest struct {
	RequestID string   `json:"request_id"`
	Op        SignerOp `json:"op"`

	Template   *Template `json:"template,omitempty"`
	PeerPK     ID32      `json:"peer_pk,omitempty"`
	Plaintext  string    `json:"plaintext,omitempty"`
	Ciphertext string    `json:"ciphertext,omitempty"`

	// DecryptBetween: the caller supplies both parties and the service
	// picks whichever is not the active signer's own key as the peer.
	Sender    ID32 `json:"sender,omitempty"`
	Recipient ID32 `json:"recipient,omitempty"`

	// VerifyProof: a Cashu proof's serialized fields plus its DLEQ witness.
	ProofSecret string `json:"proof_secret,omitempty"`
	ProofC      string `json:"proof_c,omitempty"`
	MintPubkey  string `json:"mint_pubkey,omitempty"`
	DLEQE       string `json:"dleq_e,omitempty"`
	DLEQS       string `json:"dleq_s,omitempty"`
}

// SignerResponse answers a SignerRequest with the same RequestID.
type SignerResponse struct {
	RequestID string `json:"request_id"`
	Err       string `json:"err,omitempty"`

	Pubkey     ID32   `json:"pubkey,omitempty"`
	Event      *Event `json:"event,omitempty"`
	Plaintext  string `json:"plaintext,omitempty"`
	Ciphertext string `json:"ciphertext,omitempty"`
	Valid      bool   `json:"valid,omitempty"`
}

package crypto

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nostrflow/engine/internal/ring"
	"github.com/nostrflow/engine/internal/schema"
)

// Service is the crypto worker: it owns the active Signer, the raw
// private key needed for NIP-04/NIP-44 shared-secret derivation, and the
// known mint public keys used by verify_proof. It answers SignerRequests
// read off the crypto_request ring with SignerResponses written to
// crypto_response, correlated by RequestID.
type Service struct {
	mu          sync.RWMutex
	signer      Signer
	privHex     string
	mintPubkeys map[string]string
	log         *slog.Logger
}

// NewService builds a Service around an already-constructed Signer. privHex
// is the raw private key used for NIP-04/NIP-44 shared-secret math; it is
// required for a LocalSigner and may be empty when signer is a remote
// bridge that performs encryption itself (in which case Nip04*/Nip44*
// methods are not reachable through this Service and the host should talk
// to the remote signer directly for those operations).
func NewService(signer Signer, privHex string, mintPubkeys map[string]string, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if mintPubkeys == nil {
		mintPubkeys = map[string]string{}
	}
	return &Service{signer: signer, privHex: privHex, mintPubkeys: mintPubkeys, log: log}
}

// Handle dispatches a single SignerRequest to the matching operation and
// returns its SignerResponse. It never panics on a bad request; errors are
// carried in the response's Err field so the caller can relay them back
// over the ring instead of crashing the crypto worker.
func (s *Service) Handle(req schema.SignerRequest) schema.SignerResponse {
	resp := schema.SignerResponse{RequestID: req.RequestID}

	s.mu.RLock()
	signer := s.signer
	s.mu.RUnlock()
	if signer == nil {
		resp.Err = "crypto: no active signer"
		return resp
	}

	switch req.Op {
	case schema.SignerOpGetPublicKey:
		pub, err := signer.PublicKey()
		if err != nil {
			resp.Err = err.Error()
			return resp
		}
		resp.Pubkey = pub

	case schema.SignerOpSignEvent:
		if req.Template == nil {
			resp.Err = "crypto: sign_event requires a template"
			return resp
		}
		ev, err := signer.SignEvent(*req.Template)
		if err != nil {
			resp.Err = err.Error()
			return resp
		}
		resp.Event = &ev

	case schema.SignerOpNip04Encrypt:
		out, err := s.Nip04Encrypt(req.PeerPK.String(), req.Plaintext)
		if err != nil {
			resp.Err = err.Error()
			return resp
		}
		resp.Ciphertext = out

	case schema.SignerOpNip04Decrypt:
		out, err := s.Nip04Decrypt(req.PeerPK.String(), req.Ciphertext)
		if err != nil {
			resp.Err = err.Error()
			return resp
		}
		resp.Plaintext = out

	case schema.SignerOpNip04DecryptBetween:
		out, err := s.Nip04DecryptBetween(req.Sender, req.Recipient, req.Ciphertext)
		if err != nil {
			resp.Err = err.Error()
			return resp
		}
		resp.Plaintext = out

	case schema.SignerOpNip44Encrypt:
		out, err := s.Nip44Encrypt(req.PeerPK.String(), req.Plaintext)
		if err != nil {
			resp.Err = err.Error()
			return resp
		}
		resp.Ciphertext = out

	case schema.SignerOpNip44Decrypt:
		out, err := s.Nip44Decrypt(req.PeerPK.String(), req.Ciphertext)
		if err != nil {
			resp.Err = err.Error()
			return resp
		}
		resp.Plaintext = out

	case schema.SignerOpNip44DecryptBetween:
		out, err := s.Nip44DecryptBetween(req.Sender, req.Recipient, req.Ciphertext)
		if err != nil {
			resp.Err = err.Error()
			return resp
		}
		resp.Plaintext = out

	case schema.SignerOpVerifyProof:
		y, err := VerifyProofFields(req.ProofSecret, req.ProofC, req.MintPubkey, req.DLEQE, req.DLEQS)
		if err != nil {
			resp.Err = err.Error()
			return resp
		}
		resp.Valid = y != ""
		resp.Plaintext = y

	default:
		resp.Err = fmt.Sprintf("crypto: unknown signer op %q", req.Op)
	}
	return resp
}

// privHexSnapshot returns the raw private key under the read lock, for the
// NIP-04/NIP-44 helpers that need it outside of Handle's dispatch.
func (s *Service) privHexSnapshot() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.privHex
}

// activeSigner returns the active Signer under the read lock.
func (s *Service) activeSigner() Signer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.signer
}

// SetSigner swaps the active signer (and, for a LocalSigner, the raw
// private key NIP-04/NIP-44 shared-secret math needs) while the service
// is live. privHex may be empty when signer is a remote bridge that
// performs its own encryption.
func (s *Service) SetSigner(signer Signer, privHex string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signer = signer
	s.privHex = privHex
}

// Run drains req for SignerRequests, dispatches each through Handle, and
// writes the SignerResponse to resp, until ctx is canceled. Each request
// is handled on its own goroutine so a slow or blocking operation (a
// remote NIP-46 bridge, say) never stalls the rest of the queue.
func (s *Service) Run(ctx context.Context, req *ring.Port, resp *ring.Port) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-req.Messages():
			if !ok {
				return
			}
			var sreq schema.SignerRequest
			if err := json.Unmarshal(payload, &sreq); err != nil {
				s.log.Warn("crypto: malformed signer request", "error", err)
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				out := s.Handle(sreq)
				encoded, err := json.Marshal(out)
				if err != nil {
					s.log.Error("crypto: encode signer response", "error", err)
					return
				}
				resp.Send(encoded)
			}()
		}
	}
}

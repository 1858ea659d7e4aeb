package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/nostrflow/engine/internal/schema"
)

// cashuDomainSeparator and maxHashToCurveIterations follow NUT-00's
// hash_to_curve definition, cashu-ts compatible.
const (
	cashuDomainSeparator     = "Secp256k1_HashToCurve_Cashu_"
	maxHashToCurveIterations = 65536
)

var errNoValidCurvePoint = errors.New("crypto: no valid secp256k1 point found for secret within iteration budget")

// computeYPoint derives the Cashu hash-to-curve point Y for secret,
// trying successive counters until SHA-256(msgHash || counter) decodes as
// a valid compressed secp256k1 point, per NUT-00/NUT-12.
func computeYPoint(secret string) (*btcec.PublicKey, error) {
	msgHash := sha256.Sum256(append([]byte(cashuDomainSeparator), []byte(secret)...))

	for counter := uint32(0); counter < maxHashToCurveIterations; counter++ {
		h := sha256.New()
		h.Write(msgHash[:])
		var ctr [4]byte
		binary.LittleEndian.PutUint32(ctr[:], counter)
		h.Write(ctr[:])
		sum := h.Sum(nil)

		candidate := make([]byte, 0, 33)
		candidate = append(candidate, 0x02)
		candidate = append(candidate, sum...)

		if pub, err := btcec.ParsePubKey(candidate); err == nil {
			return pub, nil
		}
	}
	return nil, errNoValidCurvePoint
}

// cashuProofWire is the NIP-61 nutzap token shape carried in a
// kind-9321/7375 event's content: a NUT-00 proof plus its NUT-12 DLEQ
// witness, as cashu-ts puts it on the wire.
type cashuProofWire struct {
	Secret string `json:"secret"`
	C      string `json:"C"`
	Mint   string `json:"mint"`
	Dleq   struct {
		E string `json:"e"`
		S string `json:"s"`
	} `json:"dleq"`
}

type cashuTokenWire struct {
	Mint   string           `json:"mint"`
	Proofs []cashuProofWire `json:"proofs"`
}

// VerifyProof extracts every Cashu proof from event.Content (a kind-9321
// nutzap or kind-7375 token event, per NIP-61) and checks each one's DLEQ
// witness against its mint's public key, supplied by MintPubkeys keyed by
// mint URL. Returns a map of mint URL to the computed Y point hex of a
// proof from that mint that verified; when several proofs of one mint
// verify, the last one's Y is kept. Proofs whose witness fails to verify
// or that name an unknown mint are silently omitted, matching
// verify_proof's "on invalid, returns empty string" per-proof semantics.
// A malformed content payload, or a proof with malformed hex or point
// fields, is a hard error for the whole event.
func (s *Service) VerifyProof(event schema.Event) (map[string]string, error) {
	var token cashuTokenWire
	if err := json.Unmarshal([]byte(event.Content), &token); err != nil {
		return nil, fmt.Errorf("crypto: decode cashu token: %w", err)
	}

	out := make(map[string]string)
	for _, p := range token.Proofs {
		mintURL := p.Mint
		if mintURL == "" {
			mintURL = token.Mint
		}
		mintPubkey, ok := s.mintPubkeys[mintURL]
		if !ok {
			continue
		}
		y, err := VerifyProofFields(p.Secret, p.C, mintPubkey, p.Dleq.E, p.Dleq.S)
		if err != nil {
			return nil, fmt.Errorf("crypto: verify proof for mint %s: %w", mintURL, err)
		}
		if y == "" {
			continue
		}
		out[mintURL] = y
	}
	return out, nil
}

// VerifyProofFields implements the DLEQ check itself (NUT-12): given
// secret, the unblinded signature C, the mint's public key A, and the
// witness (e, s), it reconstructs
//
//	R1 = s*G - e*A
//	R2 = s*Y - e*C
//	e' = H(R1 || R2 || Y)
//
// and accepts iff e' == e. Returns the computed Y point hex on success,
// "" on a witness that fails to verify, and an error only for malformed
// hex/point input.
func VerifyProofFields(secret, cHex, mintPubkeyHex, eHex, sHex string) (string, error) {
	y, err := computeYPoint(secret)
	if err != nil {
		return "", fmt.Errorf("crypto: compute Y point: %w", err)
	}

	cBytes, err := hex.DecodeString(cHex)
	if err != nil {
		return "", fmt.Errorf("crypto: decode C: %w", err)
	}
	c, err := btcec.ParsePubKey(cBytes)
	if err != nil {
		return "", fmt.Errorf("crypto: parse C: %w", err)
	}

	aBytes, err := hex.DecodeString(mintPubkeyHex)
	if err != nil {
		return "", fmt.Errorf("crypto: decode mint pubkey: %w", err)
	}
	a, err := btcec.ParsePubKey(aBytes)
	if err != nil {
		return "", fmt.Errorf("crypto: parse mint pubkey: %w", err)
	}

	eBytes, err := hex.DecodeString(eHex)
	if err != nil {
		return "", fmt.Errorf("crypto: decode e: %w", err)
	}
	sBytes, err := hex.DecodeString(sHex)
	if err != nil {
		return "", fmt.Errorf("crypto: decode s: %w", err)
	}

	var e, sc btcec.ModNScalar
	if overflow := e.SetByteSlice(eBytes); overflow {
		return "", fmt.Errorf("crypto: e overflows curve order")
	}
	if overflow := sc.SetByteSlice(sBytes); overflow {
		return "", fmt.Errorf("crypto: s overflows curve order")
	}

	ePrime := dleqChallenge(y, c, a, &e, &sc)
	if !ePrime.Equals(&e) {
		return "", nil
	}
	return hex.EncodeToString(y.SerializeCompressed()), nil
}

// dleqChallenge computes e' = H(R1 || R2 || Y) for the DLEQ verification
// equations above.
func dleqChallenge(y, c, a *btcec.PublicKey, e, s *btcec.ModNScalar) btcec.ModNScalar {
	var sG, eA, r1, sY, eC, r2 btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(s, &sG)

	var aJ, cJ, yJ btcec.JacobianPoint
	a.AsJacobian(&aJ)
	c.AsJacobian(&cJ)
	y.AsJacobian(&yJ)

	btcec.ScalarMultNonConst(e, &aJ, &eA)
	eA.ToAffine()
	eA.Y.Negate(1)
	eA.Y.Normalize()
	btcec.AddNonConst(&sG, &eA, &r1)
	r1.ToAffine()

	btcec.ScalarMultNonConst(s, &yJ, &sY)
	btcec.ScalarMultNonConst(e, &cJ, &eC)
	eC.ToAffine()
	eC.Y.Negate(1)
	eC.Y.Normalize()
	btcec.AddNonConst(&sY, &eC, &r2)
	r2.ToAffine()

	h := sha256.New()
	h.Write(r1.X.Bytes()[:])
	h.Write(r1.Y.Bytes()[:])
	h.Write(r2.X.Bytes()[:])
	h.Write(r2.Y.Bytes()[:])
	h.Write(y.SerializeCompressed())
	digest := h.Sum(nil)

	var challenge btcec.ModNScalar
	challenge.SetByteSlice(digest)
	return challenge
}

package crypto

import (
	"encoding/hex"
	"fmt"
)

func decodeHexExactly(s string, n int) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid hex %q: %w", s, err)
	}
	if len(b) != n {
		return nil, fmt.Errorf("crypto: expected %d bytes, got %d", n, len(b))
	}
	return b, nil
}

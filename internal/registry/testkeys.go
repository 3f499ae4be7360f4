package registry

import (
	"crypto/sha256"
	"encoding/hex"
)

// TestSigner returns a deterministic signer derived from a short name
// (alice, bob, carol, ...). For tests and fixtures only; the key material
// is trivially guessable.
func TestSigner(name string) Signer {
	sum := sha256.Sum256([]byte("hive-test-key:" + name))
	signer, err := NewSigner(hex.EncodeToString(sum[:]))
	if err != nil {
		// sha256 output is always a valid secp256k1 scalar in practice;
		// a failure here means the fixture name itself is broken.
		panic(err)
	}
	return signer
}

package testutil

import (
	"crypto/sha256"
	"encoding/hex"
	"math/rand/v2"
)

// SHA256Hex returns the SHA-256 digest of data as a lowercase hex string.
// Matches the digest format stored in manifests.
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// RandomBytes returns n pseudo-random bytes from a fixed seed, so a
// misordered reassembly never compares equal by accident and failures
// reproduce.
func RandomBytes(n int) []byte {
	r := rand.New(rand.NewPCG(0x9bf5, uint64(n)))
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(r.Uint32())
	}
	return out
}

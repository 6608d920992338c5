package gbfs

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Chunk splits data into ordered slices of at most size bytes and returns
// them together with the hex SHA-256 digest of the whole input. Only the
// last slice may be shorter than size. Empty input yields no slices.
// The slices alias data; they are capped so appending to one never
// overwrites the next.
func Chunk(data []byte, size int) ([][]byte, string, error) {
	if size <= 0 {
		return nil, "", fmt.Errorf("%w: chunk size must be positive, got %d", ErrValidation, size)
	}

	chunks := make([][]byte, 0, ChunkCount(int64(len(data)), size))
	for off := 0; off < len(data); off += size {
		end := min(off+size, len(data))
		chunks = append(chunks, data[off:end:end])
	}
	return chunks, Digest(data), nil
}

// Join concatenates chunks in the given order. It neither decrypts nor
// reorders; the caller supplies plaintext slices in index order.
func Join(chunks [][]byte) []byte {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

// Digest returns the hex-encoded SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ChunkCount returns how many chunks Chunk produces for size bytes.
func ChunkCount(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	cs := int64(chunkSize)
	return int((size + cs - 1) / cs)
}

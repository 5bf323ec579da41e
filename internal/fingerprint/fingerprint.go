// Package fingerprint computes the 64-bit content hashes that address blobs
// in a repository.
package fingerprint

import (
	"fmt"
	"hash"
	"io"
	"os"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Sum returns the XXH64 (seed 0) digest of data.
func Sum(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// File reads the file at path and returns its fingerprint.
func File(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return h.Sum64(), nil
}

// NewHash returns a streaming hash producing the same value as Sum.
// Writes to it never fail.
func NewHash() hash.Hash64 {
	return xxhash.New()
}

// Format renders a fingerprint the way it is stored on disk and in the index.
func Format(h uint64) string {
	return strconv.FormatUint(h, 10)
}

// Parse is the inverse of Format.
func Parse(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}

// Package checksum provides SHA-256 checksum utilities for artifact integrity
// verification. Every rendered wrapper artifact carries its checksum so the
// build pipeline can verify the source it compiles is exactly what the
// generator produced, across whatever queue or filesystem sits between them.
// Keeping this logic in a dedicated package applies consistent hashing
// behaviour across the generator and pipeline boundary without duplicating
// crypto/sha256 wiring.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// CalculateSHA256 calculates the SHA256 checksum of data from a reader
func CalculateSHA256(reader io.Reader) (string, error) {
	hasher := sha256.New()

	if _, err := io.Copy(hasher, reader); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// SHA256String calculates the SHA256 checksum of an in-memory string
func SHA256String(s string) string {
	sum, _ := CalculateSHA256(strings.NewReader(s))
	return sum
}

// VerifySHA256 verifies that the checksum of data matches the expected checksum
func VerifySHA256(reader io.Reader, expectedChecksum string) (bool, error) {
	actualChecksum, err := CalculateSHA256(reader)
	if err != nil {
		return false, err
	}

	return actualChecksum == expectedChecksum, nil
}

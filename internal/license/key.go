// Package license implements the validation engine: license key generation,
// the validation decision pipeline, and HMAC response signing.
package license

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// keyAlphabet deliberately omits 0/O, 1/I, and L so keys read unambiguously
// over the phone and in screenshots.
const keyAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	keyGroups    = 4
	keyGroupSize = 4
)

// GenerateKey produces a new license key of the form LIC-XXXX-XXXX-XXXX-XXXX
// using crypto/rand over the unambiguous alphabet.
func GenerateKey() (string, error) {
	parts := make([]string, 0, keyGroups+1)
	parts = append(parts, "LIC")

	max := big.NewInt(int64(len(keyAlphabet)))
	for g := 0; g < keyGroups; g++ {
		var sb strings.Builder
		for i := 0; i < keyGroupSize; i++ {
			n, err := rand.Int(rand.Reader, max)
			if err != nil {
				return "", fmt.Errorf("failed to generate license key: %w", err)
			}
			sb.WriteByte(keyAlphabet[n.Int64()])
		}
		parts = append(parts, sb.String())
	}

	return strings.Join(parts, "-"), nil
}

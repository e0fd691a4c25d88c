package license

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Signer computes the HMAC carried on every validation response. The secret
// is never transmitted to clients; only a server-side auditor holding it can
// verify signatures. Response integrity is audit-only, not a client-side
// forgery defense.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer keyed with the server signing secret
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign computes hex(HMAC-SHA256) over the ordered tuple
// status|expires_at|client_nonce|server_nonce|timestamp. A nil expiry
// contributes an empty string; a set expiry contributes its epoch seconds.
func (s *Signer) Sign(status string, expiresAt *int64, clientNonce, serverNonce string, timestamp int64) string {
	expires := ""
	if expiresAt != nil {
		expires = strconv.FormatInt(*expiresAt, 10)
	}

	message := strings.Join([]string{
		status,
		expires,
		clientNonce,
		serverNonce,
		strconv.FormatInt(timestamp, 10),
	}, "|")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature and compares in constant time. Used by
// server-side auditing and tests, never by runtime clients.
func (s *Signer) Verify(signature, status string, expiresAt *int64, clientNonce, serverNonce string, timestamp int64) bool {
	expected := s.Sign(status, expiresAt, clientNonce, serverNonce, timestamp)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// GenerateNonce produces a fresh 16-byte hex server nonce
func GenerateNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

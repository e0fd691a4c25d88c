// Package main is a development utility for generating the secrets a local
// license server needs: the response-signing secret, the webhook-secret
// encryption passphrase, and a test API key with its bcrypt hash and display
// prefix pre-computed. It prints ready-to-export environment variables and a
// SQL UPDATE statement so developers can seed a usable account in a local
// database without running the full registration flow. Do not use generated
// keys in production; create them through the API so expiry and ownership
// are recorded.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"

	"golang.org/x/crypto/bcrypt"
)

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		log.Fatal(err)
	}
	return hex.EncodeToString(buf)
}

func main() {
	signingSecret := randomHex(32)
	encryptionKey := randomHex(32)

	// API key: cv_ prefix + 48 hex chars, same shape the server issues.
	fullKey := "cv_" + randomHex(24)

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(fullKey), 10)
	if err != nil {
		log.Fatal(err)
	}

	// The server looks keys up by their first 10 characters.
	displayPrefix := fullKey[:10]

	fmt.Println("==========================================================")
	fmt.Println("CodeVault Development Secrets")
	fmt.Println("==========================================================")
	fmt.Printf("\nexport CV_AUTH_SIGNING_SECRET=%s\n", signingSecret)
	fmt.Printf("export CV_AUTH_ENCRYPTION_KEY=%s\n", encryptionKey)
	fmt.Printf("\nAPI Key: %s\n", fullKey)
	fmt.Printf("Hash: %s\n", string(hashBytes))
	fmt.Printf("Display Prefix: %s\n", displayPrefix)
	fmt.Println("\n==========================================================")
	fmt.Println("SQL Update:")
	fmt.Println("==========================================================")
	fmt.Printf(`
UPDATE users
SET api_key_hash = '%s',
    api_key_prefix = '%s'
WHERE email = 'admin@dev.local';
`, string(hashBytes), displayPrefix)
	fmt.Println("\n==========================================================")
	fmt.Printf("Authorization Header: Bearer %s\n", fullKey)
	fmt.Println("==========================================================")
}

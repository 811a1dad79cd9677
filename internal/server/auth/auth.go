package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Result is the verdict of a subdomain authorization check
type Result int

const (
	ResultAvailable Result = iota
	ResultReservedByYou
	ResultReservedByOther
	ResultReservedByYouButDelinquent
	ResultPaymentRequired
)

// Service authorizes (key, subdomain) pairs. Storage backends implement
// this; the tunnel engine only depends on the interface.
type Service interface {
	AuthSubDomain(ctx context.Context, authKey, subDomain string) (Result, error)
}

// NoAuth grants every subdomain to every key. Used when no backing
// account database is configured.
type NoAuth struct{}

// AuthSubDomain always reports the subdomain as available
func (NoAuth) AuthSubDomain(_ context.Context, _, _ string) (Result, error) {
	return ResultAvailable, nil
}

// SigKey is the server's 32-byte HMAC master key
type SigKey [32]byte

// GenerateSigKey creates a random signature key
func GenerateSigKey() SigKey {
	var key SigKey
	if _, err := rand.Read(key[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return key
}

// SigKeyFromHex parses a hex-encoded 32-byte key
func SigKeyFromHex(s string) (SigKey, error) {
	var key SigKey
	raw, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("master key is not valid hex: %w", err)
	}
	if len(raw) != len(key) {
		return key, fmt.Errorf("master key must be %d bytes, got %d", len(key), len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// Sign computes the hex-encoded HMAC-SHA256 of data
func (k SigKey) Sign(data []byte) string {
	mac := hmac.New(sha256.New, k[:])
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a hex-encoded signature in constant time
func (k SigKey) Verify(data []byte, signature string) bool {
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, k[:])
	mac.Write(data)
	return hmac.Equal(sig, mac.Sum(nil))
}

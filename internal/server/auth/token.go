package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/burrowhq/burrow/pkg/protocol"
)

// TokenTTL bounds how long a reconnect token stays valid
const TokenTTL = 2 * time.Minute

var (
	// ErrInvalidSignature means the token bundle failed HMAC verification
	ErrInvalidSignature = errors.New("invalid reconnect token signature")
	// ErrTokenExpired means the token payload is past its expiry
	ErrTokenExpired = errors.New("reconnect token expired")
)

// TokenPayload is the signed inner payload of a reconnect token. The
// wire form is opaque to clients; only the server mints and verifies it.
type TokenPayload struct {
	SubDomain string            `json:"sub_domain"`
	ClientID  protocol.ClientID `json:"client_id"`
	Expires   time.Time         `json:"expires"`
}

type signedToken struct {
	Payload string `json:"payload"`
	Sig     string `json:"sig"`
}

// Sign wraps the payload with its HMAC signature and base64-encodes the
// bundle into a transportable token
func (p TokenPayload) Sign(key SigKey) (protocol.ReconnectToken, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal token payload: %w", err)
	}

	bundle, err := json.Marshal(signedToken{
		Payload: string(payload),
		Sig:     key.Sign(payload),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal token: %w", err)
	}

	return protocol.ReconnectToken(base64.StdEncoding.EncodeToString(bundle)), nil
}

// VerifyToken checks the signature and expiry of a reconnect token and
// returns the embedded payload
func VerifyToken(token protocol.ReconnectToken, key SigKey) (TokenPayload, error) {
	var payload TokenPayload

	bundle, err := base64.StdEncoding.DecodeString(string(token))
	if err != nil {
		return payload, fmt.Errorf("invalid token encoding: %w", err)
	}

	var signed signedToken
	if err := json.Unmarshal(bundle, &signed); err != nil {
		return payload, fmt.Errorf("invalid token bundle: %w", err)
	}

	if !key.Verify([]byte(signed.Payload), signed.Sig) {
		return payload, ErrInvalidSignature
	}

	if err := json.Unmarshal([]byte(signed.Payload), &payload); err != nil {
		return payload, fmt.Errorf("invalid token payload: %w", err)
	}

	if time.Now().After(payload.Expires) {
		return payload, ErrTokenExpired
	}

	return payload, nil
}

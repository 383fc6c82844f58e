package walletlink

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// sessionIDLen is the random session id length in bytes.
const sessionIDLen = 16

// Session identifies a pairing with a wallet. The engine borrows it and
// never modifies it.
type Session struct {
	ID     string
	Key    string
	Secret string
}

// NewSession generates a fresh random session.
func NewSession() (Session, error) {
	id := make([]byte, sessionIDLen)
	if _, err := rand.Read(id); err != nil {
		return Session{}, fmt.Errorf("generating session id: %w", err)
	}

	secret := make([]byte, secretLen)
	if _, err := rand.Read(secret); err != nil {
		return Session{}, fmt.Errorf("generating session secret: %w", err)
	}

	s := Session{
		ID:     hex.EncodeToString(id),
		Secret: hex.EncodeToString(secret),
	}
	s.Key = DeriveSessionKey(s.ID, s.Secret)

	return s, nil
}

// DeriveSessionKey computes the key the relay uses to authenticate a
// session host: hex(SHA-256("<id>, <secret> WalletLink")).
func DeriveSessionKey(id, secret string) string {
	sum := sha256.Sum256([]byte(id + ", " + secret + " WalletLink"))
	return hex.EncodeToString(sum[:])
}

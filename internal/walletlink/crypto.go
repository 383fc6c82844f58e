package walletlink

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	errs "github.com/alexjbarnes/walletlink/internal/errors"
)

const (
	// secretLen is the shared secret length in bytes (AES-256).
	secretLen = 32

	// gcmIVLen is the AES-GCM nonce length in bytes.
	gcmIVLen = 12

	// gcmTagLen is the AES-GCM authentication tag length in bytes.
	gcmTagLen = 16
)

// Cipher encrypts and decrypts payloads with the session's shared secret.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// AESCipher is the relay's payload cipher: AES-256-GCM with a random IV.
// Ciphertext is hex encoded as [12-byte IV][16-byte tag][ciphertext],
// the layout the paired wallet expects. Note that this differs from Go's
// sealed form, which appends the tag.
type AESCipher struct {
	gcm  cipher.AEAD
	rand io.Reader
}

// NewAESCipher creates a cipher from a hex encoded 32-byte secret.
func NewAESCipher(secretHex string) (*AESCipher, error) {
	key, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrInvalidSecret, err)
	}

	if len(key) != secretLen {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", errs.ErrInvalidSecret, len(key), secretLen)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &AESCipher{gcm: gcm, rand: rand.Reader}, nil
}

// Encrypt seals plaintext under a fresh random IV.
func (c *AESCipher) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, gcmIVLen)
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		return "", fmt.Errorf("generating IV: %w", err)
	}

	sealed := c.gcm.Seal(nil, iv, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-gcmTagLen], sealed[len(sealed)-gcmTagLen:]

	out := make([]byte, 0, gcmIVLen+gcmTagLen+len(ct))
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ct...)

	return hex.EncodeToString(out), nil
}

// Decrypt opens a hex encoded payload produced by Encrypt or the wallet.
func (c *AESCipher) Decrypt(ciphertext string) (string, error) {
	raw, err := hex.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: decoding hex: %w", errs.ErrDecrypt, err)
	}

	if len(raw) < gcmIVLen+gcmTagLen {
		return "", fmt.Errorf("%w: payload too short (%d bytes)", errs.ErrDecrypt, len(raw))
	}

	iv := raw[:gcmIVLen]
	tag := raw[gcmIVLen : gcmIVLen+gcmTagLen]
	ct := raw[gcmIVLen+gcmTagLen:]

	sealed := make([]byte, 0, len(ct)+gcmTagLen)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plain, err := c.gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errs.ErrDecrypt, err)
	}

	return string(plain), nil
}

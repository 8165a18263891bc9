// Package secrets handles encryption of provider credentials and tool
// connection configs at rest. Ciphertexts are AES-256-GCM with a random nonce
// prepended, base64-encoded for storage in text columns.
//
// Decryption yields a DecryptedSecret, a type that redacts itself when
// formatted. Call sites that need the raw value (the LLM client, tool
// adapters) must call Reveal() explicitly, which keeps plaintext handling
// easy to audit.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
)

// Cipher encrypts and decrypts secrets with a process-level key.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a Cipher from a hex-encoded 32-byte key.
func NewCipher(hexKey string) (*Cipher, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext and returns a storable base64 string.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a stored ciphertext.
func (c *Cipher) Decrypt(encoded string) (DecryptedSecret, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return DecryptedSecret{}, fmt.Errorf("ciphertext is not valid base64: %w", err)
	}
	ns := c.aead.NonceSize()
	if len(sealed) < ns {
		return DecryptedSecret{}, fmt.Errorf("ciphertext too short")
	}
	plaintext, err := c.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return DecryptedSecret{}, fmt.Errorf("failed to decrypt: %w", err)
	}
	return DecryptedSecret{value: string(plaintext)}, nil
}

// DecryptedSecret holds a decrypted credential. It formats as a redaction
// marker so accidental logging never leaks the value.
type DecryptedSecret struct {
	value string
}

// Reveal returns the raw secret value.
func (s DecryptedSecret) Reveal() string { return s.value }

// Empty reports whether the secret has no value.
func (s DecryptedSecret) Empty() bool { return s.value == "" }

func (s DecryptedSecret) String() string { return "[redacted]" }

// GoString prevents %#v from leaking the value.
func (s DecryptedSecret) GoString() string { return "secrets.DecryptedSecret{[redacted]}" }

// Ambient wraps a credential sourced from process configuration (legacy mode,
// no per-tenant accounts). It never touches the cipher.
func Ambient(value string) DecryptedSecret {
	return DecryptedSecret{value: value}
}

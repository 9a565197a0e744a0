// Package secrets encrypts tool server credentials at rest. Values are
// sealed with AES-256-GCM and stored as base64 tokens; the key comes from
// configuration and never leaves process memory.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// Codec seals and opens credential strings.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec builds a codec from a hex-encoded 32-byte key.
func NewCodec(hexKey string) (*Codec, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode secret key: %w", err)
	}
	if len(key) != 32 {
		return nil, errors.New("secret key must be 32 bytes")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Codec{aead: aead}, nil
}

// NewEphemeralCodec generates a random key. Used in zero-config mode where
// credentials do not need to survive a restart.
func NewEphemeralCodec() *Codec {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic(err)
	}
	c, err := NewCodec(hex.EncodeToString(key))
	if err != nil {
		panic(err)
	}
	return c
}

// Encrypt seals a plaintext value into a base64 token.
func (c *Codec) Encrypt(value string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(value), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a token produced by Encrypt.
func (c *Codec) Decrypt(token string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("decode credential token: %w", err)
	}
	if len(raw) < c.aead.NonceSize() {
		return "", errors.New("credential token too short")
	}
	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("open credential token: %w", err)
	}
	return string(plain), nil
}

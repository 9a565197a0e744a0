package secrets

import (
	"strings"
	"testing"
)

const testKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	codec, err := NewCodec(testKey)
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}

	token, err := codec.Encrypt(`{"token":"super-secret"}`)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if strings.Contains(token, "super-secret") {
		t.Error("ciphertext contains the plaintext")
	}

	plain, err := codec.Decrypt(token)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if plain != `{"token":"super-secret"}` {
		t.Errorf("Decrypt() = %q, want original plaintext", plain)
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	a, _ := NewCodec(testKey)
	token, _ := a.Encrypt("secret")

	b := NewEphemeralCodec()
	if _, err := b.Decrypt(token); err == nil {
		t.Fatal("Decrypt() with wrong key error = nil, want non-nil")
	}
}

func TestNewCodecRejectsBadKeys(t *testing.T) {
	if _, err := NewCodec("not hex"); err == nil {
		t.Error("NewCodec(non-hex) error = nil, want non-nil")
	}
	if _, err := NewCodec("abcd"); err == nil {
		t.Error("NewCodec(short key) error = nil, want non-nil")
	}
}

func TestDecryptGarbageFails(t *testing.T) {
	codec := NewEphemeralCodec()
	if _, err := codec.Decrypt("AA=="); err == nil {
		t.Error("Decrypt(truncated token) error = nil, want non-nil")
	}
	if _, err := codec.Decrypt("%%%"); err == nil {
		t.Error("Decrypt(non-base64) error = nil, want non-nil")
	}
}

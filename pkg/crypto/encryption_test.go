package crypto

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0xA5}, KeySize)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	e, err := NewEncryptor(testKey(), 1)
	if err != nil {
		t.Fatalf("Failed to create encryptor: %v", err)
	}

	sealed, err := e.Encrypt("api-secret-value")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if !strings.HasPrefix(sealed, "ENC[v1]:") {
		t.Fatalf("Missing version prefix: %q", sealed)
	}

	plain, err := e.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if plain != "api-secret-value" {
		t.Fatalf("Round trip mismatch: %q", plain)
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	e, _ := NewEncryptor(testKey(), 1)
	a, _ := e.Encrypt("same")
	b, _ := e.Encrypt("same")
	if a == b {
		t.Fatal("Two encryptions of the same value must differ")
	}
}

func TestInvalidKeyLength(t *testing.T) {
	if _, err := NewEncryptor([]byte("short"), 1); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("Expected ErrInvalidKey, got %v", err)
	}
}

func TestDecryptRejectsGarbage(t *testing.T) {
	e, _ := NewEncryptor(testKey(), 1)
	for _, bad := range []string{"plaintext", "ENC[v1]:!!!", "ENC[v1]:QQ==", "ENC[x]:abc"} {
		if _, err := e.Decrypt(bad); err == nil {
			t.Fatalf("Decrypt accepted %q", bad)
		}
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	a, _ := NewEncryptor(testKey(), 1)
	b, _ := NewEncryptor(bytes.Repeat([]byte{0x5A}, KeySize), 1)

	sealed, _ := a.Encrypt("value")
	if _, err := b.Decrypt(sealed); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("Expected ErrDecryptionFailed, got %v", err)
	}
}

func TestParseVersion(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"ENC[v1]:abc", 1},
		{"ENC[v3]:abc", 3},
		{"plaintext", 0},
		{"ENC[vx]:abc", 0},
		{"", 0},
	}
	for _, tc := range cases {
		if got := ParseVersion(tc.in); got != tc.want {
			t.Fatalf("ParseVersion(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

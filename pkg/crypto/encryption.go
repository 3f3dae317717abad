// Package crypto encrypts credentials at rest with AES-256-GCM. Values are
// stored as ENC[vN]:base64(nonce+ciphertext) so key rotations can be
// identified by version.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

var (
	ErrInvalidKey        = errors.New("encryption key must be 32 bytes")
	ErrInvalidCiphertext = errors.New("malformed ciphertext")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// Encryptor seals and opens strings under one versioned key.
type Encryptor struct {
	aead    cipher.AEAD
	version int
}

func NewEncryptor(key []byte, version int) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Encryptor{aead: aead, version: version}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf("ENC[v%d]:%s", e.version, base64.StdEncoding.EncodeToString(sealed)), nil
}

// Decrypt opens a value produced by Encrypt. The version prefix is parsed
// but not enforced; callers pick the key by ParseVersion first.
func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	if ParseVersion(ciphertext) == 0 {
		return "", ErrInvalidCiphertext
	}
	idx := strings.Index(ciphertext, "]:")
	data, err := base64.StdEncoding.DecodeString(ciphertext[idx+2:])
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	ns := e.aead.NonceSize()
	if len(data) < ns {
		return "", ErrInvalidCiphertext
	}
	plain, err := e.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// Version returns the key version this encryptor writes.
func (e *Encryptor) Version() int { return e.version }

// ParseVersion extracts the key version from an encrypted value, or 0 when
// the value is not in the encrypted format.
func ParseVersion(ciphertext string) int {
	if !strings.HasPrefix(ciphertext, "ENC[v") {
		return 0
	}
	var version int
	if _, err := fmt.Sscanf(ciphertext, "ENC[v%d]:", &version); err != nil {
		return 0
	}
	return version
}

package store

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// sealedPrefix marks content that has been encrypted at rest. Plaintext
// content never starts with it, so reads can handle both forms during a
// key rollout.
const sealedPrefix = "enc:v1:"

// ContentSealer encrypts and decrypts memory item content at rest.
// A nil sealer passes content through unchanged.
type ContentSealer struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

// NewContentSealer builds a sealer from a 32-byte hex key.
func NewContentSealer(hexKey string) (*ContentSealer, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, errors.Wrap(err, "invalid content key")
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, errors.Errorf("content key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to init aead")
	}
	return &ContentSealer{aead: aead}, nil
}

// Seal encrypts plaintext content.
func (s *ContentSealer) Seal(plaintext string) (string, error) {
	if s == nil {
		return plaintext, nil
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.Wrap(err, "failed to generate nonce")
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts content sealed by Seal. Content without the sealed prefix is
// returned unchanged.
func (s *ContentSealer) Open(content string) (string, error) {
	if s == nil || !strings.HasPrefix(content, sealedPrefix) {
		return content, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(content, sealedPrefix))
	if err != nil {
		return "", errors.Wrap(err, "malformed sealed content")
	}
	if len(raw) < chacha20poly1305.NonceSizeX {
		return "", errors.New("sealed content too short")
	}
	nonce, ciphertext := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to open sealed content")
	}
	return string(plaintext), nil
}

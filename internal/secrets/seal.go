package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
)

// sealer wraps AES-256-GCM with a key derived from the configured master key
// material. Every Seal call uses a fresh random nonce; the nonce is prepended
// to the ciphertext so records are self-contained.
type sealer struct {
	aead cipher.AEAD
}

func newSealer(masterKey []byte) (*sealer, error) {
	if len(masterKey) == 0 {
		return nil, fmt.Errorf("secrets: master key must not be empty")
	}
	// Normalize arbitrary-length key material to 32 bytes.
	sum := sha256.Sum256(masterKey)
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("secrets: cipher init: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: gcm init: %w", err)
	}
	return &sealer{aead: aead}, nil
}

// Seal encrypts plaintext, binding it to keyID as additional data so a record
// decrypted under the wrong logical key fails the integrity check.
func (s *sealer) Seal(plaintext []byte, keyID string) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("secrets: nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, []byte(keyID)), nil
}

// Open decrypts a record produced by Seal. Returns ErrIntegrity when the tag
// does not verify (tampered record or wrong keyID).
func (s *sealer) Open(ciphertext []byte, keyID string) ([]byte, error) {
	if len(ciphertext) < s.aead.NonceSize() {
		return nil, ErrIntegrity
	}
	nonce, data := ciphertext[:s.aead.NonceSize()], ciphertext[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, data, []byte(keyID))
	if err != nil {
		return nil, ErrIntegrity
	}
	return plaintext, nil
}

// Package secrets defines the named-secret capability the gateway uses to
// resolve provider credentials, plus two interchangeable backends:
//
//   - MemoryStore — in-process development store. Refuses to start when the
//     process advertises itself as production.
//   - RedisStore  — shared store for multi-replica deployments. Values are
//     sealed with AES-256-GCM before leaving the process.
//
// Secret values are never written to disk by either backend.
package secrets

import (
	"context"
	"errors"
	"fmt"
)

// Well-known failure modes. Callers distinguish Unavailable (backend
// unreachable, possibly transient) from NotFound (the name does not exist).
var (
	ErrNotFound         = errors.New("secrets: not found")
	ErrUnavailable      = errors.New("secrets: store unavailable")
	ErrPermissionDenied = errors.New("secrets: permission denied")
	ErrIntegrity        = errors.New("secrets: integrity check failed")
)

// Provider is the abstract secrets capability.
//
// Set and Rotate return a monotonically increasing version for the name.
// Rotation replaces the stored value atomically; readers observe either the
// old or the new version, never a mixture.
type Provider interface {
	Get(ctx context.Context, name string) ([]byte, error)
	Set(ctx context.Context, name string, value []byte) (version int64, err error)
	Delete(ctx context.Context, name string) error
	Rotate(ctx context.Context, name string, value []byte) (version int64, err error)

	Encrypt(plaintext []byte, keyID string) ([]byte, error)
	Decrypt(ciphertext []byte, keyID string) ([]byte, error)
}

// CredentialName returns the canonical secret name for a provider credential.
func CredentialName(providerID, key string) string {
	return fmt.Sprintf("dyad-gateway/providers/%s/credentials/%s", providerID, key)
}

// KeyName returns the canonical secret name reserved for gateway API keys.
func KeyName(keyID string) string {
	return fmt.Sprintf("dyad-gateway/keys/%s", keyID)
}

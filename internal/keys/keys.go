// Package keys implements gateway API keys: issuance, bearer authentication,
// permissions, and per-key usage accounting.
//
// The plaintext key is returned exactly once at issuance. Only the salted
// hash and the 8-character prefix are ever stored, so a leaked record cannot
// be replayed as a credential.
package keys

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TokenPrefix is the fixed prefix of every issued key.
const TokenPrefix = "dyad_"

// prefixLen is how many characters of the random part index the key.
const prefixLen = 8

// Permission scopes a key to a request kind.
type Permission string

const (
	PermChat       Permission = "chat"
	PermEmbeddings Permission = "embeddings"
	PermModels     Permission = "models"
	PermAdmin      Permission = "admin"
)

type (
	// RateLimits holds the four per-key budgets. Zero disables a budget.
	RateLimits struct {
		RequestsPerMinute int
		RequestsPerDay    int
		TokensPerMinute   int
		TokensPerDay      int
	}

	// Usage holds eventually-consistent accounting counters. Counters are
	// monotonically non-decreasing between resets; LastResetDate records the
	// UTC day of the most recent daily reset so resets survive restarts.
	Usage struct {
		RequestsToday     int64
		TokensToday       int64
		RequestsThisMonth int64
		TokensThisMonth   int64
		LastResetDate     time.Time
		LastUsed          time.Time
	}

	// Key is one gateway API key record. The plaintext never appears here.
	Key struct {
		ID          string
		Prefix      string
		Hash        string // hex(sha256(salt || token)), never emitted
		Salt        string
		UserID      string
		Enabled     bool
		Permissions []Permission

		// AllowedModels / AllowedProviders are optional allow-lists.
		// nil means unrestricted; empty means deny all.
		AllowedModels    []string
		AllowedProviders []string

		RateLimits RateLimits
		Usage      Usage
		ExpiresAt  time.Time // zero means no expiry
	}
)

// HasPermission reports whether the key carries p.
func (k *Key) HasPermission(p Permission) bool {
	for _, have := range k.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

// ModelAllowed applies the optional model allow-list.
func (k *Key) ModelAllowed(dyadModelID string) bool {
	if k.AllowedModels == nil {
		return true
	}
	for _, m := range k.AllowedModels {
		if m == dyadModelID {
			return true
		}
	}
	return false
}

// ProviderAllowed applies the optional provider allow-list.
func (k *Key) ProviderAllowed(providerID string) bool {
	if k.AllowedProviders == nil {
		return true
	}
	for _, p := range k.AllowedProviders {
		if p == providerID {
			return true
		}
	}
	return false
}

// Expired reports whether the key has an expiry in the past.
func (k *Key) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && k.ExpiresAt.Before(now)
}

// Redacted returns a copy safe for logs and admin responses: hash and salt
// stripped, identity preserved through the prefix.
func (k *Key) Redacted() Key {
	cp := *k
	cp.Hash = ""
	cp.Salt = ""
	return cp
}

// Issue mints a new key for userID. Returns the record and the plaintext
// token ("dyad_..."), which is never stored.
func Issue(userID string, perms []Permission, limits RateLimits) (Key, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return Key{}, "", err
	}
	secret := base64.RawURLEncoding.EncodeToString(raw)
	token := TokenPrefix + secret

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return Key{}, "", err
	}
	saltHex := hex.EncodeToString(salt)

	k := Key{
		ID:          uuid.New().String(),
		Prefix:      secret[:prefixLen],
		Hash:        hashToken(saltHex, token),
		Salt:        saltHex,
		UserID:      userID,
		Enabled:     true,
		Permissions: perms,
		RateLimits:  limits,
		Usage:       Usage{LastResetDate: time.Now().UTC().Truncate(24 * time.Hour)},
	}
	return k, token, nil
}

// SplitToken extracts the routing prefix from a presented bearer token.
// Returns false when the token is not even shaped like a gateway key.
func SplitToken(token string) (prefix string, ok bool) {
	if !strings.HasPrefix(token, TokenPrefix) {
		return "", false
	}
	secret := token[len(TokenPrefix):]
	if len(secret) < prefixLen {
		return "", false
	}
	return secret[:prefixLen], true
}

// Verify checks a presented token against the stored salted hash in constant
// time.
func (k *Key) Verify(token string) bool {
	want, err := hex.DecodeString(k.Hash)
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(hashToken(k.Salt, token))
	if err != nil {
		return false
	}
	return hmac.Equal(want, got)
}

func hashToken(saltHex, token string) string {
	h := sha256.New()
	h.Write([]byte(saltHex))
	h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil))
}

package secrets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisOpTimeout = 2 * time.Second

// setVersionedScript stores a sealed value and bumps its version in one atomic
// step so rotation never exposes a value/version mismatch.
// KEYS[1] = value key, KEYS[2] = version key
// ARGV[1] = sealed value, ARGV[2] = "1" to require prior existence (rotate)
// Returns the new version, or -1 when rotation targets a missing name.
var setVersionedScript = redis.NewScript(`
	if ARGV[2] == "1" and redis.call('EXISTS', KEYS[1]) == 0 then
		return -1
	end
	redis.call('SET', KEYS[1], ARGV[1])
	return redis.call('INCR', KEYS[2])
`)

// RedisStore is a Provider backed by a shared Redis instance. Values are
// sealed with AES-256-GCM before SET, so the store only ever sees ciphertext.
type RedisStore struct {
	rdb    *redis.Client
	seal   *sealer
	prefix string
}

// NewRedisStore wraps an existing Redis client. The caller owns the client
// lifecycle (creation and Close).
func NewRedisStore(rdb *redis.Client, masterKey []byte) (*RedisStore, error) {
	s, err := newSealer(masterKey)
	if err != nil {
		return nil, err
	}
	return &RedisStore{rdb: rdb, seal: s, prefix: "secret:"}, nil
}

func (r *RedisStore) valueKey(name string) string   { return r.prefix + name }
func (r *RedisStore) versionKey(name string) string { return r.prefix + "ver:" + name }

func (r *RedisStore) Get(ctx context.Context, name string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	sealed, err := r.rdb.Get(ctx, r.valueKey(name)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return r.seal.Open(sealed, name)
}

func (r *RedisStore) Set(ctx context.Context, name string, value []byte) (int64, error) {
	return r.store(ctx, name, value, false)
}

// Rotate atomically replaces an existing value; missing names are NotFound.
func (r *RedisStore) Rotate(ctx context.Context, name string, value []byte) (int64, error) {
	return r.store(ctx, name, value, true)
}

func (r *RedisStore) store(ctx context.Context, name string, value []byte, requireExisting bool) (int64, error) {
	sealed, err := r.seal.Seal(value, name)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	existing := "0"
	if requireExisting {
		existing = "1"
	}
	version, err := setVersionedScript.Run(ctx, r.rdb,
		[]string{r.valueKey(name), r.versionKey(name)},
		sealed, existing,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if version < 0 {
		return 0, ErrNotFound
	}
	return version, nil
}

func (r *RedisStore) Delete(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	n, err := r.rdb.Del(ctx, r.valueKey(name), r.versionKey(name)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RedisStore) Encrypt(plaintext []byte, keyID string) ([]byte, error) {
	return r.seal.Seal(plaintext, keyID)
}

func (r *RedisStore) Decrypt(ciphertext []byte, keyID string) ([]byte, error) {
	return r.seal.Open(ciphertext, keyID)
}

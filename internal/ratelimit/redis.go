package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dyadhq/dyad-gateway/internal/keys"
)

// admitScript checks all four budgets atomically: a sliding-window sorted set
// for the minute scopes and a pair of calendar-day counters. Window members
// carry their token weight in the member name so one set serves both the
// request count and the token sum.
//
// KEYS[1] = minute window (sorted set)
// KEYS[2] = day request counter
// KEYS[3] = day token counter
// ARGV[1] = now (unix milliseconds)
// ARGV[2] = window size (milliseconds)
// ARGV[3] = requests-per-minute limit (0 = unenforced)
// ARGV[4] = requests-per-day limit
// ARGV[5] = tokens-per-minute limit
// ARGV[6] = tokens-per-day limit
// ARGV[7] = tokens carried by this request
// ARGV[8] = unique member suffix
// ARGV[9] = day counter expiry (seconds until next UTC midnight)
// Returns {1, 0, 0} when admitted, {0, reason, oldestScore} when denied.
// Reason: 1=rpm, 2=rpd, 3=tpm, 4=tpd.
var admitScript = redis.NewScript(`
		local window   = KEYS[1]
		local now      = tonumber(ARGV[1])
		local winSize  = tonumber(ARGV[2])
		local rpm      = tonumber(ARGV[3])
		local rpd      = tonumber(ARGV[4])
		local tpm      = tonumber(ARGV[5])
		local tpd      = tonumber(ARGV[6])
		local tokens   = tonumber(ARGV[7])
		local ttl      = tonumber(ARGV[9])

		redis.call('ZREMRANGEBYSCORE', window, 0, now - winSize)

		local oldest = redis.call('ZRANGE', window, 0, 0, 'WITHSCORES')
		local oldestScore = 0
		if oldest[2] then oldestScore = tonumber(oldest[2]) end

		if rpm > 0 and redis.call('ZCARD', window) >= rpm then
			return {0, 1, oldestScore}
		end

		local dayReqs = tonumber(redis.call('GET', KEYS[2]) or '0')
		if rpd > 0 and dayReqs >= rpd then
			return {0, 2, 0}
		end

		if tpm > 0 then
			local sum = 0
			for _, m in ipairs(redis.call('ZRANGE', window, 0, -1)) do
				local w = string.match(m, ':(%d+)$')
				if w then sum = sum + tonumber(w) end
			end
			if sum + tokens > tpm then
				return {0, 3, oldestScore}
			end
		end

		local dayToks = tonumber(redis.call('GET', KEYS[3]) or '0')
		if tpd > 0 and dayToks + tokens > tpd then
			return {0, 4, 0}
		end

		local member = tostring(now) .. ':' .. ARGV[8] .. ':' .. tostring(tokens)
		redis.call('ZADD', window, now, member)
		redis.call('PEXPIRE', window, winSize)
		redis.call('INCRBY', KEYS[2], 1)
		redis.call('INCRBY', KEYS[3], tokens)
		redis.call('EXPIRE', KEYS[2], ttl)
		redis.call('EXPIRE', KEYS[3], ttl)
		return {1, 0, 0}
`)

// RedisLimiter shares budgets across gateway replicas through Redis.
//
// Unlike the secrets store, rate limiting degrades open: when Redis is
// unreachable the request is admitted rather than failed.
type RedisLimiter struct {
	rdb *redis.Client
	now func() time.Time
}

// NewRedisLimiter creates a RedisLimiter on an existing client.
func NewRedisLimiter(rdb *redis.Client) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, now: time.Now}
}

// Admit implements Limiter.
func (l *RedisLimiter) Admit(ctx context.Context, keyID string, limits keys.RateLimits, estimatedTokens int64) (Decision, error) {
	now := l.now().UTC()
	ttl := int64(time.Until(nextUTCMidnight(now)).Seconds()) + 1

	res, err := admitScript.Run(ctx, l.rdb,
		[]string{minuteKey(keyID), dayReqKey(keyID, now), dayTokKey(keyID, now)},
		now.UnixMilli(),
		minuteWindow.Milliseconds(),
		limits.RequestsPerMinute,
		limits.RequestsPerDay,
		limits.TokensPerMinute,
		limits.TokensPerDay,
		estimatedTokens,
		strconv.FormatInt(now.UnixNano()%1_000_000, 10),
		ttl,
	).Int64Slice()
	if err != nil {
		// Redis unavailable: degrade open.
		return Decision{OK: true}, nil
	}
	if len(res) == 3 && res[0] == 0 {
		switch res[1] {
		case 1:
			return deny(ReasonRequestsPerMinute, windowScoreRetryAt(res[2], now)), nil
		case 2:
			return deny(ReasonRequestsPerDay, nextUTCMidnight(now)), nil
		case 3:
			return deny(ReasonTokensPerMinute, windowScoreRetryAt(res[2], now)), nil
		case 4:
			return deny(ReasonTokensPerDay, nextUTCMidnight(now)), nil
		}
	}
	return Decision{OK: true}, nil
}

// Settle implements Limiter. Only the day token counter is reconciled; the
// minute window entry carries its weight in the member name and ages out
// within 60 seconds regardless.
func (l *RedisLimiter) Settle(ctx context.Context, keyID string, estimatedTokens, actualTokens int64) error {
	delta := actualTokens - estimatedTokens
	if delta == 0 {
		return nil
	}
	now := l.now().UTC()
	if err := l.rdb.IncrBy(ctx, dayTokKey(keyID, now), delta).Err(); err != nil {
		return fmt.Errorf("ratelimit: settle: %w", err)
	}
	return nil
}

func windowScoreRetryAt(oldestMilli int64, now time.Time) time.Time {
	if oldestMilli <= 0 {
		return now
	}
	return time.UnixMilli(oldestMilli).UTC().Add(minuteWindow)
}

func minuteKey(keyID string) string {
	return "ratelimit:min:" + keyID
}

func dayReqKey(keyID string, now time.Time) string {
	return "ratelimit:day:req:" + keyID + ":" + now.Format("2006-01-02")
}

func dayTokKey(keyID string, now time.Time) string {
	return "ratelimit:day:tok:" + keyID + ":" + now.Format("2006-01-02")
}

package concurrency

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

var acquireScript = redis.NewScript(`
local system_key = KEYS[1]
local users_key = KEYS[2]
local user = ARGV[1]
local user_limit = tonumber(ARGV[2])
local system_limit = tonumber(ARGV[3])
local system = tonumber(redis.call('GET', system_key) or '0')
local current = tonumber(redis.call('HGET', users_key, user) or '0')
if system >= system_limit or current >= user_limit then
  return 0
end
redis.call('INCR', system_key)
redis.call('HINCRBY', users_key, user, 1)
return 1
`)

var releaseScript = redis.NewScript(`
local system_key = KEYS[1]
local users_key = KEYS[2]
local user = ARGV[1]
local current = tonumber(redis.call('HGET', users_key, user) or '0')
if current <= 0 then
  return 0
end
if current == 1 then
  redis.call('HDEL', users_key, user)
else
  redis.call('HINCRBY', users_key, user, -1)
end
local system = tonumber(redis.call('GET', system_key) or '0')
if system > 0 then
  redis.call('DECR', system_key)
end
return 1
`)

// RedisLedger keeps the counters in Redis so several dispatcher processes share them.
type RedisLedger struct {
	client *redis.Client
	prefix string
}

// NewRedisLedger constructs a Redis-backed ledger.
func NewRedisLedger(client *redis.Client, prefix string) *RedisLedger {
	if prefix == "" {
		prefix = "dispatcher:ledger"
	}
	return &RedisLedger{client: client, prefix: prefix}
}

// Acquire reserves a slot for the user.
func (l *RedisLedger) Acquire(ctx context.Context, userID uuid.UUID, userLimit, systemLimit int) (bool, error) {
	if userLimit <= 0 || systemLimit <= 0 {
		return false, nil
	}
	res, err := acquireScript.Run(ctx, l.client, l.keys(), userID.String(), userLimit, systemLimit).Int()
	if err != nil {
		return false, fmt.Errorf("ledger acquire: %w", err)
	}
	return res == 1, nil
}

// Release frees a previously acquired slot.
func (l *RedisLedger) Release(ctx context.Context, userID uuid.UUID) error {
	if _, err := releaseScript.Run(ctx, l.client, l.keys(), userID.String()).Int(); err != nil {
		return fmt.Errorf("ledger release: %w", err)
	}
	return nil
}

// Snapshot reads both counters.
func (l *RedisLedger) Snapshot(ctx context.Context) (Snapshot, error) {
	var (
		systemCmd *redis.StringCmd
		usersCmd  *redis.MapStringStringCmd
	)
	_, err := l.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		systemCmd = p.Get(ctx, l.systemKey())
		usersCmd = p.HGetAll(ctx, l.usersKey())
		return nil
	})
	if err != nil && err != redis.Nil {
		return Snapshot{}, fmt.Errorf("ledger snapshot: %w", err)
	}

	snap := Snapshot{Users: make(map[uuid.UUID]int)}
	if v, err := systemCmd.Int(); err == nil {
		snap.System = v
	}
	for k, v := range usersCmd.Val() {
		id, err := uuid.Parse(k)
		if err != nil {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return Snapshot{}, fmt.Errorf("ledger snapshot: user %s: %w", k, err)
		}
		snap.Users[id] = n
	}
	return snap, nil
}

// Reset overwrites the counters in a single transaction.
func (l *RedisLedger) Reset(ctx context.Context, counts map[uuid.UUID]int) error {
	total := 0
	fields := make([]any, 0, len(counts)*2)
	for id, n := range counts {
		if n <= 0 {
			continue
		}
		total += n
		fields = append(fields, id.String(), n)
	}
	_, err := l.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, l.systemKey(), l.usersKey())
		if len(fields) > 0 {
			p.HSet(ctx, l.usersKey(), fields...)
		}
		p.Set(ctx, l.systemKey(), total, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ledger reset: %w", err)
	}
	return nil
}

func (l *RedisLedger) keys() []string {
	return []string{l.systemKey(), l.usersKey()}
}

func (l *RedisLedger) systemKey() string {
	return l.prefix + ":system"
}

func (l *RedisLedger) usersKey() string {
	return l.prefix + ":users"
}

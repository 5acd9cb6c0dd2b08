package usage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisLedger stores balances in one hash per user:
// <prefix>:usage:<USER_ID> field <KIND> = credits.
type RedisLedger struct {
	client         redis.UniversalClient
	prefix         string
	defaultCredits int
}

type RedisLedgerConfig struct {
	Prefix         string
	DefaultCredits int
}

func NewRedisLedger(client redis.UniversalClient, cfg RedisLedgerConfig) *RedisLedger {
	return &RedisLedger{
		client:         client,
		prefix:         cfg.Prefix,
		defaultCredits: cfg.DefaultCredits,
	}
}

func (l *RedisLedger) key(userID string) string {
	if l.prefix == "" {
		return "usage:" + userID
	}
	return l.prefix + ":usage:" + userID
}

// consumeScript decrements a balance, seeding it with the default on first use.
// Returns the new balance, or -1 when nothing was left.
var consumeScript = redis.NewScript(`
local bal = redis.call("HGET", KEYS[1], ARGV[1])
if not bal then
  bal = tonumber(ARGV[2])
else
  bal = tonumber(bal)
end
if bal <= 0 then
  return -1
end
redis.call("HSET", KEYS[1], ARGV[1], bal - 1)
return bal - 1
`)

func (l *RedisLedger) SetBalance(ctx context.Context, userID string, kind OperationKind, credits int) error {
	return l.client.HSet(ctx, l.key(userID), string(kind), credits).Err()
}

func (l *RedisLedger) Authorize(ctx context.Context, userID string, kind OperationKind) (Decision, error) {
	bal, err := l.client.HGet(ctx, l.key(userID), string(kind)).Int()
	if errors.Is(err, redis.Nil) {
		bal = l.defaultCredits
	} else if err != nil {
		return Decision{}, fmt.Errorf("redis ledger get failed: %w", err)
	}
	if bal <= 0 {
		return Deny("no " + string(kind) + " credits remaining"), nil
	}
	return Allow(), nil
}

func (l *RedisLedger) Consume(ctx context.Context, userID string, kind OperationKind) error {
	left, err := consumeScript.Run(ctx, l.client, []string{l.key(userID)}, string(kind), l.defaultCredits).Int()
	if err != nil {
		return fmt.Errorf("redis ledger consume failed: %w", err)
	}
	if left < 0 {
		return ErrInsufficientCredits
	}
	return nil
}

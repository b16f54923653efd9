// Package redis provides a Redis-backed implementation of the dedup gate for
// deployments where multiple instances share dedup state.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/driftlab/replygate/internal/dedup"
	"github.com/redis/go-redis/v9"
)

const (
	recordKeyPrefix   = "replygate:dedup:"
	cooldownKeyPrefix = "replygate:cooldown:"
)

// Scripts run atomically inside Redis, which gives the per-key
// linearizability the gate contract requires.
var (
	admitScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state == 'triggered' then return 'duplicate' end
if state == 'in_flight' then return 'already_in_flight' end
if state == 'failed' then
  local failed_until = tonumber(redis.call('HGET', KEYS[1], 'failed_until') or '0')
  if tonumber(ARGV[1]) < failed_until then return 'duplicate' end
end
if ARGV[2] == '1' and redis.call('EXISTS', KEYS[2]) == 1 then return 'cooldown' end
redis.call('HSET', KEYS[1], 'state', 'in_flight', 'last_seen', ARGV[1])
redis.call('HSETNX', KEYS[1], 'first_seen', ARGV[1])
redis.call('PERSIST', KEYS[1])
return 'admit'
`)

	commitScript = redis.NewScript(`
redis.call('HSET', KEYS[1], 'last_seen', ARGV[1])
if ARGV[2] == '1' then
  redis.call('HSET', KEYS[1], 'state', 'triggered')
  redis.call('HDEL', KEYS[1], 'failed_until')
  redis.call('PERSIST', KEYS[1])
  if ARGV[4] == '1' then
    redis.call('SET', KEYS[2], ARGV[1], 'EX', ARGV[5])
  end
else
  redis.call('HSET', KEYS[1], 'state', 'failed', 'failed_until', ARGV[3])
  redis.call('EXPIRE', KEYS[1], ARGV[6])
end
return 'ok'
`)

	releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') == 'in_flight' then
  redis.call('DEL', KEYS[1])
end
return 'ok'
`)
)

// Gate implements dedup.Gate on top of Redis.
type Gate struct {
	rdb *redis.Client
	cfg dedup.Config
}

// NewGate creates a Redis-backed gate.
func NewGate(rdb *redis.Client, cfg dedup.Config) *Gate {
	return &Gate{rdb: rdb, cfg: cfg}
}

// Admit implements dedup.Gate.
func (g *Gate) Admit(ctx context.Context, resourceID, conversationID string) (dedup.Decision, error) {
	checkCooldown := "0"
	if conversationID != "" {
		checkCooldown = "1"
	}

	res, err := admitScript.Run(ctx, g.rdb,
		[]string{recordKeyPrefix + resourceID, cooldownKeyPrefix + conversationID},
		time.Now().Unix(), checkCooldown,
	).Text()
	if err != nil {
		return "", fmt.Errorf("dedup admit: %w", err)
	}

	return dedup.Decision(res), nil
}

// Commit implements dedup.Gate.
func (g *Gate) Commit(ctx context.Context, resourceID, conversationID string, success bool) error {
	now := time.Now()

	successArg, stampCooldown := "0", "0"
	if success {
		successArg = "1"
		if conversationID != "" {
			stampCooldown = "1"
		}
	}

	err := commitScript.Run(ctx, g.rdb,
		[]string{recordKeyPrefix + resourceID, cooldownKeyPrefix + conversationID},
		now.Unix(),
		successArg,
		now.Add(g.cfg.FailedTTL).Unix(),
		stampCooldown,
		int(g.cfg.CooldownWindow.Seconds()),
		int(g.cfg.FailedTTL.Seconds()),
	).Err()
	if err != nil {
		return fmt.Errorf("dedup commit: %w", err)
	}
	return nil
}

// Release implements dedup.Gate.
func (g *Gate) Release(ctx context.Context, resourceID string) error {
	if err := releaseScript.Run(ctx, g.rdb, []string{recordKeyPrefix + resourceID}).Err(); err != nil {
		return fmt.Errorf("dedup release: %w", err)
	}
	return nil
}

// CooldownActive implements dedup.Gate. The cooldown key carries the window
// as its TTL, so existence is the whole check.
func (g *Gate) CooldownActive(ctx context.Context, conversationID string) (bool, error) {
	if conversationID == "" {
		return false, nil
	}

	n, err := g.rdb.Exists(ctx, cooldownKeyPrefix+conversationID).Result()
	if err != nil {
		return false, fmt.Errorf("dedup cooldown check: %w", err)
	}
	return n > 0, nil
}

package autoretry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/meridian-hie/conduit/internal/model"
)

const redisKeyPrefix = "conduit:autoretry:"

// popDue removes and returns every member scored at or below ARGV[1].
// Scripts run atomically on the server, which is what makes a pop exclusive.
var popDue = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'WITHSCORES')
if #due > 0 then
	redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
end
return due
`)

// RedisQueue keeps one sorted set per channel, scored by request time in
// Unix milliseconds and keyed by transaction id.
type RedisQueue struct {
	rdb redis.UniversalClient
}

// NewRedisQueue creates a queue on rdb.
func NewRedisQueue(rdb redis.UniversalClient) *RedisQueue {
	return &RedisQueue{rdb: rdb}
}

func redisKey(channelID uuid.UUID) string {
	return redisKeyPrefix + channelID.String()
}

func (q *RedisQueue) Push(ctx context.Context, entries ...model.AutoRetryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := q.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, e := range entries {
			p.ZAddNX(ctx, redisKey(e.ChannelID), redis.Z{
				Score:  float64(e.RequestTimestamp.UnixMilli()),
				Member: e.TransactionID.String(),
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("autoretry: redis push: %w", err)
	}
	return nil
}

func (q *RedisQueue) Pop(ctx context.Context, channelID uuid.UUID, cutoff time.Time) ([]model.AutoRetryEntry, error) {
	flat, err := popDue.Run(ctx, q.rdb, []string{redisKey(channelID)}, cutoff.UnixMilli()).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("autoretry: redis pop: %w", err)
	}
	if len(flat)%2 != 0 {
		return nil, fmt.Errorf("autoretry: redis pop: malformed reply of %d items", len(flat))
	}

	// The members are already gone from the set, so malformed ones are
	// reported alongside the good entries rather than instead of them.
	var (
		out  = make([]model.AutoRetryEntry, 0, len(flat)/2)
		errs []error
	)
	for i := 0; i < len(flat); i += 2 {
		id, err := uuid.Parse(flat[i])
		if err != nil {
			errs = append(errs, fmt.Errorf("member %q: %w", flat[i], err))
			continue
		}
		ms, err := strconv.ParseFloat(flat[i+1], 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("score %q: %w", flat[i+1], err))
			continue
		}
		out = append(out, model.AutoRetryEntry{
			TransactionID:    id,
			ChannelID:        channelID,
			RequestTimestamp: time.UnixMilli(int64(ms)).UTC(),
		})
	}
	if len(errs) > 0 {
		return out, fmt.Errorf("autoretry: redis pop: %w", errors.Join(errs...))
	}
	return out, nil
}

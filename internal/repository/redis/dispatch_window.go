package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"volunteer-auth-service/internal/client"
	"volunteer-auth-service/internal/models"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const dispatchPrefix = "otp:dispatch:"

// reserveScript trims entries older than the window, then appends one only
// if the count still equals what the caller evaluated the policy against.
const reserveScript = `
local cutoff = tonumber(ARGV[1]) - tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', cutoff)
if redis.call('ZCARD', KEYS[1]) ~= tonumber(ARGV[3]) then return 0 end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`

// DispatchWindowStore is a sliding log of issuance timestamps per email,
// held in a sorted set scored by unix milliseconds.
type DispatchWindowStore struct {
	client *client.RedisClient
	window time.Duration
}

func NewDispatchWindowStore(c *client.RedisClient, window time.Duration) *DispatchWindowStore {
	return &DispatchWindowStore{client: c, window: window}
}

func dispatchKey(email string) string {
	return dispatchPrefix + email
}

func (s *DispatchWindowStore) Window(ctx context.Context, email string, now time.Time) (models.DispatchWindow, error) {
	key := dispatchKey(email)
	min := "(" + strconv.FormatInt(now.Add(-s.window).UnixMilli(), 10)

	pipe := s.client.Client.Pipeline()
	countCmd := pipe.ZCount(ctx, key, min, "+inf")
	lastCmd := pipe.ZRevRangeByScoreWithScores(ctx, key, &goredis.ZRangeBy{Min: min, Max: "+inf", Count: 1})
	if _, err := pipe.Exec(ctx); err != nil && err != goredis.Nil {
		return models.DispatchWindow{}, fmt.Errorf("failed to read dispatch window: %w", err)
	}

	w := models.DispatchWindow{Count: int(countCmd.Val())}
	if last := lastCmd.Val(); len(last) > 0 {
		w.Last = time.UnixMilli(int64(last[0].Score))
	}
	return w, nil
}

func (s *DispatchWindowStore) Reserve(ctx context.Context, email string, now time.Time, expectedCount int) (bool, error) {
	res, err := s.client.Eval(ctx, reserveScript, []string{dispatchKey(email)},
		now.UnixMilli(), s.window.Milliseconds(), expectedCount, uuid.NewString())
	if err != nil {
		return false, fmt.Errorf("failed to reserve dispatch slot: %w", err)
	}
	return toInt64(res) == 1, nil
}

func (s *DispatchWindowStore) Reset(ctx context.Context, email string) error {
	if err := s.client.Del(ctx, dispatchKey(email)); err != nil {
		return fmt.Errorf("failed to reset dispatch window: %w", err)
	}
	return nil
}

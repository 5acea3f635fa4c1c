package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"volunteer-auth-service/internal/client"
	"volunteer-auth-service/internal/models"
	"volunteer-auth-service/internal/repository"
)

const (
	challengePrefix = "otp:challenge:"
	// challengeGrace keeps an expired challenge readable for a while so the
	// caller sees "expired" rather than "no request".
	challengeGrace = 5 * time.Minute
)

// consumeScript deletes the challenge only if it is unlocked and still
// carries the expected digest. 1 = consumed, 0 = gone or replaced, -1 = locked.
const consumeScript = `
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
if redis.call('HGET', KEYS[1], 'locked') == '1' then return -1 end
if redis.call('HGET', KEYS[1], 'hash') ~= ARGV[1] then return 0 end
redis.call('DEL', KEYS[1])
return 1
`

// failureScript bumps the attempt counter and locks at the ceiling.
// Returns {attempts, locked}; attempts = -1 when the challenge is gone.
const failureScript = `
if redis.call('EXISTS', KEYS[1]) == 0 then return {-1, 0} end
if redis.call('HGET', KEYS[1], 'hash') ~= ARGV[1] then return {-1, 0} end
local n = redis.call('HINCRBY', KEYS[1], 'attempts', 1)
if n >= tonumber(ARGV[2]) then redis.call('HSET', KEYS[1], 'locked', '1') end
local locked = 0
if redis.call('HGET', KEYS[1], 'locked') == '1' then locked = 1 end
return {n, locked}
`

const lockScript = `
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
if redis.call('HGET', KEYS[1], 'hash') ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'locked', '1')
return 1
`

// ChallengeStore keeps one hash per email. Every read-test-write step runs
// as a single Lua script so concurrent verifiers cannot both win.
type ChallengeStore struct {
	client *client.RedisClient
}

func NewChallengeStore(c *client.RedisClient) *ChallengeStore {
	return &ChallengeStore{client: c}
}

func challengeKey(email string) string {
	return challengePrefix + email
}

func (s *ChallengeStore) Upsert(ctx context.Context, ch *models.OTPChallenge, ttl time.Duration) error {
	key := challengeKey(ch.Email)

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key,
		"hash", ch.OTPHash,
		"salt", ch.OTPSalt,
		"pepper_version", ch.PepperVersion,
		"volunteer_id", ch.VolunteerID,
		"expires_at", ch.ExpiresAt.UnixMilli(),
		"attempts", 0,
		"locked", "0",
	)
	pipe.PExpire(ctx, key, ttl+challengeGrace)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store challenge: %w", err)
	}
	return nil
}

func (s *ChallengeStore) Get(ctx context.Context, email string) (*models.OTPChallenge, error) {
	fields, err := s.client.HGetAll(ctx, challengeKey(email))
	if err != nil {
		return nil, fmt.Errorf("failed to load challenge: %w", err)
	}
	if len(fields) == 0 {
		return nil, repository.ErrNotFound
	}

	pepperVersion, _ := strconv.Atoi(fields["pepper_version"])
	attempts, _ := strconv.Atoi(fields["attempts"])
	expiresMs, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt challenge for %s: %w", email, err)
	}

	return &models.OTPChallenge{
		Email:         email,
		VolunteerID:   fields["volunteer_id"],
		OTPHash:       fields["hash"],
		OTPSalt:       fields["salt"],
		PepperVersion: pepperVersion,
		ExpiresAt:     time.UnixMilli(expiresMs),
		Attempts:      attempts,
		Locked:        fields["locked"] == "1",
	}, nil
}

func (s *ChallengeStore) Consume(ctx context.Context, email, otpHash string) error {
	res, err := s.client.Eval(ctx, consumeScript, []string{challengeKey(email)}, otpHash)
	if err != nil {
		return fmt.Errorf("failed to consume challenge: %w", err)
	}
	switch toInt64(res) {
	case 1:
		return nil
	case -1:
		return repository.ErrChallengeLocked
	default:
		return repository.ErrNotFound
	}
}

func (s *ChallengeStore) RecordFailure(ctx context.Context, email, otpHash string, ceiling int) (int, bool, error) {
	res, err := s.client.Eval(ctx, failureScript, []string{challengeKey(email)}, otpHash, ceiling)
	if err != nil {
		return 0, false, fmt.Errorf("failed to record attempt: %w", err)
	}
	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return 0, false, fmt.Errorf("unexpected script result %T", res)
	}
	attempts := toInt64(pair[0])
	if attempts < 0 {
		return 0, false, repository.ErrNotFound
	}
	return int(attempts), toInt64(pair[1]) == 1, nil
}

func (s *ChallengeStore) Lock(ctx context.Context, email, otpHash string) error {
	res, err := s.client.Eval(ctx, lockScript, []string{challengeKey(email)}, otpHash)
	if err != nil {
		return fmt.Errorf("failed to lock challenge: %w", err)
	}
	if toInt64(res) != 1 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *ChallengeStore) Delete(ctx context.Context, email string) error {
	if err := s.client.Del(ctx, challengeKey(email)); err != nil {
		return fmt.Errorf("failed to delete challenge: %w", err)
	}
	return nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	}
	return 0
}

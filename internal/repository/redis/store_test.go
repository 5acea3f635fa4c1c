package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"volunteer-auth-service/internal/client"
	"volunteer-auth-service/internal/models"
	"volunteer-auth-service/internal/repository"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *client.RedisClient) {
	mr := miniredis.RunT(t)
	rc := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	return mr, client.WrapRedis(rc)
}

func newChallenge(email, hash string, expires time.Time) *models.OTPChallenge {
	return &models.OTPChallenge{
		Email:         email,
		VolunteerID:   "vol-1",
		OTPHash:       hash,
		OTPSalt:       "salt",
		PepperVersion: 1,
		ExpiresAt:     expires,
	}
}

func TestChallengeStore_UpsertReplaces(t *testing.T) {
	mr, rc := setupTestRedis(t)
	store := NewChallengeStore(rc)
	ctx := context.Background()
	exp := time.Now().Add(10 * time.Minute).Truncate(time.Millisecond)

	require.NoError(t, store.Upsert(ctx, newChallenge("demo@example.com", "h1", exp), 10*time.Minute))
	_, _, err := store.RecordFailure(ctx, "demo@example.com", "h1", 5)
	require.NoError(t, err)

	require.NoError(t, store.Upsert(ctx, newChallenge("demo@example.com", "h2", exp), 10*time.Minute))

	got, err := store.Get(ctx, "demo@example.com")
	require.NoError(t, err)
	assert.Equal(t, "h2", got.OTPHash)
	assert.Equal(t, 0, got.Attempts)
	assert.False(t, got.Locked)
	assert.True(t, exp.Equal(got.ExpiresAt))
	assert.Equal(t, 1, len(mr.Keys()))
}

func TestChallengeStore_GetMissing(t *testing.T) {
	_, rc := setupTestRedis(t)
	_, err := NewChallengeStore(rc).Get(context.Background(), "nobody@example.com")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestChallengeStore_ConsumeOnce(t *testing.T) {
	_, rc := setupTestRedis(t)
	store := NewChallengeStore(rc)
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, newChallenge("a@example.com", "h1", time.Now().Add(time.Minute)), time.Minute))

	require.NoError(t, store.Consume(ctx, "a@example.com", "h1"))
	assert.ErrorIs(t, store.Consume(ctx, "a@example.com", "h1"), repository.ErrNotFound)
}

func TestChallengeStore_ConsumeConcurrent(t *testing.T) {
	_, rc := setupTestRedis(t)
	store := NewChallengeStore(rc)
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, newChallenge("a@example.com", "h1", time.Now().Add(time.Minute)), time.Minute))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if store.Consume(ctx, "a@example.com", "h1") == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestChallengeStore_ConsumeReplacedHash(t *testing.T) {
	_, rc := setupTestRedis(t)
	store := NewChallengeStore(rc)
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, newChallenge("a@example.com", "h2", time.Now().Add(time.Minute)), time.Minute))

	assert.ErrorIs(t, store.Consume(ctx, "a@example.com", "h1"), repository.ErrNotFound)
	_, err := store.Get(ctx, "a@example.com")
	assert.NoError(t, err)
}

func TestChallengeStore_RecordFailureLocksAtCeiling(t *testing.T) {
	_, rc := setupTestRedis(t)
	store := NewChallengeStore(rc)
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, newChallenge("a@example.com", "h1", time.Now().Add(time.Minute)), time.Minute))

	for i := 1; i < 3; i++ {
		n, locked, err := store.RecordFailure(ctx, "a@example.com", "h1", 3)
		require.NoError(t, err)
		assert.Equal(t, i, n)
		assert.False(t, locked)
	}
	n, locked, err := store.RecordFailure(ctx, "a@example.com", "h1", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.True(t, locked)

	assert.ErrorIs(t, store.Consume(ctx, "a@example.com", "h1"), repository.ErrChallengeLocked)

	_, _, err = store.RecordFailure(ctx, "a@example.com", "other", 3)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestChallengeStore_LockAndDelete(t *testing.T) {
	_, rc := setupTestRedis(t)
	store := NewChallengeStore(rc)
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, newChallenge("a@example.com", "h1", time.Now().Add(time.Minute)), time.Minute))

	require.NoError(t, store.Lock(ctx, "a@example.com", "h1"))
	got, err := store.Get(ctx, "a@example.com")
	require.NoError(t, err)
	assert.True(t, got.Locked)

	require.NoError(t, store.Delete(ctx, "a@example.com"))
	assert.ErrorIs(t, store.Lock(ctx, "a@example.com", "h1"), repository.ErrNotFound)
}

func TestChallengeStore_TTLIncludesGrace(t *testing.T) {
	mr, rc := setupTestRedis(t)
	store := NewChallengeStore(rc)
	require.NoError(t, store.Upsert(context.Background(), newChallenge("a@example.com", "h1", time.Now().Add(time.Minute)), time.Minute))

	assert.Equal(t, time.Minute+challengeGrace, mr.TTL(challengeKey("a@example.com")))
}

func TestDispatchWindow_ReserveAndWindow(t *testing.T) {
	_, rc := setupTestRedis(t)
	store := NewDispatchWindowStore(rc, 24*time.Hour)
	ctx := context.Background()
	t0 := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)

	w, err := store.Window(ctx, "a@example.com", t0)
	require.NoError(t, err)
	assert.Equal(t, 0, w.Count)

	ok, err := store.Reserve(ctx, "a@example.com", t0, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Reserve(ctx, "a@example.com", t0.Add(time.Minute), 0)
	require.NoError(t, err)
	assert.False(t, ok, "stale expected count must be rejected")

	ok, err = store.Reserve(ctx, "a@example.com", t0.Add(2*time.Minute), 1)
	require.NoError(t, err)
	assert.True(t, ok)

	w, err = store.Window(ctx, "a@example.com", t0.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, w.Count)
	assert.True(t, t0.Add(2*time.Minute).Equal(w.Last))
}

func TestDispatchWindow_Slides(t *testing.T) {
	_, rc := setupTestRedis(t)
	store := NewDispatchWindowStore(rc, 24*time.Hour)
	ctx := context.Background()
	t0 := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)

	ok, err := store.Reserve(ctx, "a@example.com", t0, 0)
	require.NoError(t, err)
	require.True(t, ok)

	later := t0.Add(24*time.Hour + time.Second)
	w, err := store.Window(ctx, "a@example.com", later)
	require.NoError(t, err)
	assert.Equal(t, 0, w.Count)

	ok, err = store.Reserve(ctx, "a@example.com", later, 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDispatchWindow_Reset(t *testing.T) {
	_, rc := setupTestRedis(t)
	store := NewDispatchWindowStore(rc, time.Hour)
	ctx := context.Background()
	now := time.Now()

	ok, err := store.Reserve(ctx, "a@example.com", now, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.Reset(ctx, "a@example.com"))

	w, err := store.Window(ctx, "a@example.com", now)
	require.NoError(t, err)
	assert.Equal(t, 0, w.Count)
}

func TestSessionCache_Revoke(t *testing.T) {
	mr, rc := setupTestRedis(t)
	cache := NewSessionCache(rc)
	ctx := context.Background()

	revoked, err := cache.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, cache.Revoke(ctx, "jti-1", time.Now().Add(time.Hour)))
	revoked, err = cache.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	mr.FastForward(2 * time.Hour)
	revoked, err = cache.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, cache.Revoke(ctx, "jti-2", time.Now().Add(-time.Minute)))
	assert.False(t, mr.Exists(revokedKey("jti-2")))
}

package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return New(rdb, 50*time.Millisecond), mr
}

func TestIsBlockedDefaultsFalse(t *testing.T) {
	s, _ := newTestStore(t)
	require.False(t, s.IsBlocked(context.Background(), "tenant-a", "1.2.3.4"))
}

func TestBlockThenIsBlocked(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Block(ctx, "tenant-a", "1.2.3.4", time.Minute, "hostile"))
	require.True(t, s.IsBlocked(ctx, "tenant-a", "1.2.3.4"))

	// Tenant isolation: same IP under a different tenant is unaffected.
	require.False(t, s.IsBlocked(ctx, "tenant-b", "1.2.3.4"))
}

func TestBlockKeepsLongerTTL(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Block(ctx, "tenant-a", "1.2.3.4", time.Hour, "first"))
	require.NoError(t, s.Block(ctx, "tenant-a", "1.2.3.4", time.Minute, "second"))

	ttl := mr.TTL(blockKey("tenant-a", "1.2.3.4"))
	require.Greater(t, ttl, 50*time.Minute)
}

func TestUnblockClearsEntry(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Block(ctx, "tenant-a", "1.2.3.4", time.Minute, "hostile"))
	require.NoError(t, s.Unblock(ctx, "tenant-a", "1.2.3.4"))
	require.False(t, s.IsBlocked(ctx, "tenant-a", "1.2.3.4"))
}

func TestBumpHopIncrementsAndSetsTTLOnce(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.EqualValues(t, 1, s.BumpHop(ctx, "tenant-a", "1.2.3.4", 10*time.Second))
	require.EqualValues(t, 2, s.BumpHop(ctx, "tenant-a", "1.2.3.4", 10*time.Second))
	require.EqualValues(t, 3, s.BumpHop(ctx, "tenant-a", "1.2.3.4", 10*time.Second))

	require.Equal(t, 10*time.Second, mr.TTL(hopKey("tenant-a", "1.2.3.4")))
}

func TestRecordHitIsolatedPerBucket(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.EqualValues(t, 1, s.RecordHit(ctx, "tenant-a", "route:/x:1.2.3.4", time.Minute))
	require.EqualValues(t, 2, s.RecordHit(ctx, "tenant-a", "route:/x:1.2.3.4", time.Minute))
	require.EqualValues(t, 1, s.RecordHit(ctx, "tenant-a", "route:/y:1.2.3.4", time.Minute))
}

func TestChallengeMintAndConsumeIsSingleUse(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	token, err := s.MintChallenge(ctx, "default", "1.2.3.4")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	require.True(t, s.ConsumeChallenge(ctx, "default", "1.2.3.4", token))
	// Single use: a second consume of the same token fails.
	require.False(t, s.ConsumeChallenge(ctx, "default", "1.2.3.4", token))
}

func TestConsumeChallengeRejectsWrongToken(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.MintChallenge(ctx, "default", "1.2.3.4")
	require.NoError(t, err)

	require.False(t, s.ConsumeChallenge(ctx, "default", "1.2.3.4", "not-the-token"))
}

func TestClearCountersClearsBothHopAndRateKeys(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	s.BumpHop(ctx, "tenant-a", "1.2.3.4", time.Minute)
	s.RecordHit(ctx, "tenant-a", "1.2.3.4", time.Minute)
	require.True(t, mr.Exists(hopKey("tenant-a", "1.2.3.4")))
	require.True(t, mr.Exists(rateKey("tenant-a", "1.2.3.4")))

	s.ClearCounters(ctx, "tenant-a", "1.2.3.4")
	require.False(t, mr.Exists(hopKey("tenant-a", "1.2.3.4")))
	require.False(t, mr.Exists(rateKey("tenant-a", "1.2.3.4")))
}

func TestChallengeIsolatedPerTenant(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	token, err := s.MintChallenge(ctx, "tenant-a", "1.2.3.4")
	require.NoError(t, err)

	// A different tenant minting/consuming for the same IP must not collide
	// with tenant-a's token.
	require.False(t, s.ConsumeChallenge(ctx, "tenant-b", "1.2.3.4", token))
	require.True(t, s.ConsumeChallenge(ctx, "tenant-a", "1.2.3.4", token))
}

func TestTrustedWindow(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.False(t, s.IsTrusted(ctx, "tenant-a", "1.2.3.4"))
	s.MarkTrusted(ctx, "tenant-a", "1.2.3.4", time.Minute)
	require.True(t, s.IsTrusted(ctx, "tenant-a", "1.2.3.4"))
}

func TestIsBlockedFailsOpenWhenBackendDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := New(rdb, 50*time.Millisecond)

	mr.Close() // simulate backend outage
	require.False(t, s.IsBlocked(context.Background(), "tenant-a", "1.2.3.4"))
	require.EqualValues(t, 0, s.BumpHop(context.Background(), "tenant-a", "1.2.3.4", time.Minute))
}

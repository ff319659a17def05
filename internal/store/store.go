// Package store is the single source of truth for IP-keyed shared state:
// the blocklist, session/rate counters, hop counters, and challenge tokens.
// It is the only component that mutates this state; every other package
// holds a read-only view acquired through the Store interface. Every method
// except Unblock and MintChallenge fails open: a Redis error or deadline
// never propagates as an error the caller has to handle specially — it
// comes back as the safe default (not blocked, count zero, no-op) so the
// edge never 5xxs when Redis dies. Unblock and MintChallenge return the
// backend error to their caller.
package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

//go:embed hop_and_block.lua
var hopAndBlockLua string

//go:embed block_keep_longer.lua
var blockKeepLongerLua string

var (
	hopScript  = redis.NewScript(hopAndBlockLua)
	blockScript = redis.NewScript(blockKeepLongerLua)
)

// ErrUnavailable is returned only by Unblock (the operator-facing call)
// when the backend cannot be reached.
var ErrUnavailable = errors.New("store: backend unavailable")

// DefaultIsBlockedDeadline is the hard deadline spec.md assigns to
// is_blocked before it fails open.
const DefaultIsBlockedDeadline = 20 * time.Millisecond

// BlockEntry is the persisted shape of a blocklist entry.
type BlockEntry struct {
	Reason string    `json:"reason"`
	SetAt  time.Time `json:"set_at"`
}

// Store is the Blocklist & Hop Store contract from the spec's §4.1.
type Store interface {
	IsBlocked(ctx context.Context, tenant, ip string) bool
	RecordHit(ctx context.Context, tenant, bucketKey string, ttl time.Duration) int64
	BumpHop(ctx context.Context, tenant, ip string, ttl time.Duration) int64
	Block(ctx context.Context, tenant, ip string, ttl time.Duration, reason string) error
	Unblock(ctx context.Context, tenant, ip string) error
	MintChallenge(ctx context.Context, tenant, ip string) (string, error)
	ConsumeChallenge(ctx context.Context, tenant, ip, token string) bool
	MarkTrusted(ctx context.Context, tenant, ip string, ttl time.Duration)
	IsTrusted(ctx context.Context, tenant, ip string) bool
	ClearCounters(ctx context.Context, tenant, ip string)
}

// RedisStore is the only Store implementation; it's a thin, explicit
// operation set passed into components by reference rather than a global
// Redis client singleton (per the spec's redesign notes).
type RedisStore struct {
	rdb               *redis.Client
	isBlockedDeadline time.Duration
}

// New builds a RedisStore. deadline <= 0 uses DefaultIsBlockedDeadline.
func New(rdb *redis.Client, deadline time.Duration) *RedisStore {
	if deadline <= 0 {
		deadline = DefaultIsBlockedDeadline
	}
	return &RedisStore{rdb: rdb, isBlockedDeadline: deadline}
}

func blockKey(tenant, ip string) string     { return fmt.Sprintf("%s:blocklist:ip:%s", tenant, ip) }
func hopKey(tenant, ip string) string       { return fmt.Sprintf("%s:hops:%s", tenant, ip) }
func rateKey(tenant, bucket string) string  { return fmt.Sprintf("%s:ratelimit:%s", tenant, bucket) }
func challengeKey(tenant, ip string) string { return fmt.Sprintf("%s:challenge:%s", tenant, ip) }
func trustedKey(tenant, ip string) string   { return fmt.Sprintf("%s:trusted:%s", tenant, ip) }

// IsBlocked reports whether ip is currently blocked for tenant. It always
// completes within its deadline; on deadline or backend error it fails open
// and returns false. This is invariant-preserving: an entry exists with
// TTL > 0 iff IsBlocked is eventually true; after the TTL lapses Redis
// expires the key and IsBlocked again returns false.
func (s *RedisStore) IsBlocked(ctx context.Context, tenant, ip string) bool {
	cctx, cancel := context.WithTimeout(ctx, s.isBlockedDeadline)
	defer cancel()

	n, err := s.rdb.Exists(cctx, blockKey(tenant, ip)).Result()
	if err != nil {
		log.Debug().Err(err).Str("ip", ip).Str("tenant", tenant).Msg("store.is_blocked fail-open")
		return false
	}
	return n > 0
}

// RecordHit atomically increments bucketKey and sets its TTL only on the
// first write in the window. On backend error it fails open, returning 0
// (as if the client had not been seen).
func (s *RedisStore) RecordHit(ctx context.Context, tenant, bucketKey string, ttl time.Duration) int64 {
	key := rateKey(tenant, bucketKey)
	count, err := s.bumpWithTTL(ctx, key, ttl)
	if err != nil {
		log.Debug().Err(err).Str("key", key).Msg("store.record_hit fail-open")
		return 0
	}
	return count
}

// BumpHop atomically increments the hop counter for ip, setting its TTL only
// on first write. Never decremented; only incremented or deleted (by TTL, or
// by ClearCounters when Config.Mitigation.ClearCountersOnBlock is enabled).
func (s *RedisStore) BumpHop(ctx context.Context, tenant, ip string, ttl time.Duration) int64 {
	key := hopKey(tenant, ip)
	count, err := s.bumpWithTTL(ctx, key, ttl)
	if err != nil {
		log.Debug().Err(err).Str("key", key).Msg("store.bump_hop fail-open")
		return 0
	}
	return count
}

func (s *RedisStore) bumpWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	res, err := hopScript.Run(ctx, s.rdb, []string{key}, int64(ttl.Seconds())).Result()
	if err != nil {
		return 0, err
	}
	n, ok := res.(int64)
	if !ok {
		return 0, errors.New("store: unexpected script return")
	}
	return n, nil
}

// Block sets a blocklist entry with ttl and reason. Idempotent: if an entry
// already exists with a longer remaining TTL, that TTL is kept (invariant
// from spec.md §8: "block then block with shorter TTL does not shorten the
// existing TTL"). A ttl <= 0 is a programmer error (an entry with TTL 0 is
// defined as absent) and is fatal, per the spec's invariant-violation class.
func (s *RedisStore) Block(ctx context.Context, tenant, ip string, ttl time.Duration, reason string) error {
	if ttl <= 0 {
		log.Fatal().Str("ip", ip).Str("tenant", tenant).Dur("ttl", ttl).Msg("store.block called with non-positive ttl")
	}
	val, err := json.Marshal(BlockEntry{Reason: reason, SetAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	_, err = blockScript.Run(ctx, s.rdb, []string{blockKey(tenant, ip)}, int64(ttl.Seconds()), string(val)).Result()
	if err != nil {
		log.Debug().Err(err).Str("ip", ip).Msg("store.block fail-open (not applied)")
		return nil
	}
	return nil
}

// Unblock removes a blocklist entry. Operator-only; unlike the serving path
// this surfaces errors instead of failing open, since an operator needs to
// know whether their action took effect.
func (s *RedisStore) Unblock(ctx context.Context, tenant, ip string) error {
	if err := s.rdb.Del(ctx, blockKey(tenant, ip)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// MintChallenge creates a single-use opaque token bound to tenant and ip.
func (s *RedisStore) MintChallenge(ctx context.Context, tenant, ip string) (string, error) {
	token := uuid.NewString()
	ttl := 5 * time.Minute
	if err := s.rdb.Set(ctx, challengeKey(tenant, ip), token, ttl).Err(); err != nil {
		return "", err
	}
	return token, nil
}

// ConsumeChallenge validates and single-use-consumes token for tenant and ip.
func (s *RedisStore) ConsumeChallenge(ctx context.Context, tenant, ip, token string) bool {
	key := challengeKey(tenant, ip)
	val, err := s.rdb.GetDel(ctx, key).Result()
	if err != nil {
		return false
	}
	return val == token && token != ""
}

// MarkTrusted grants a short-lived trusted window to ip after a successful
// challenge (spec.md §9 open question: window is conservative and
// configurable; see Config.Challenge.TrustedWindowSeconds).
func (s *RedisStore) MarkTrusted(ctx context.Context, tenant, ip string, ttl time.Duration) {
	if err := s.rdb.Set(ctx, trustedKey(tenant, ip), "1", ttl).Err(); err != nil {
		log.Debug().Err(err).Str("ip", ip).Msg("store.mark_trusted fail-open")
	}
}

// IsTrusted reports whether ip is within its post-challenge trusted window.
func (s *RedisStore) IsTrusted(ctx context.Context, tenant, ip string) bool {
	n, err := s.rdb.Exists(ctx, trustedKey(tenant, ip)).Result()
	if err != nil {
		return false
	}
	return n > 0
}

// ClearCounters deletes the hop and rate-limit counters for ip. Only called
// when Config.Mitigation.ClearCountersOnBlock is enabled (spec.md §9 open
// question, default off).
func (s *RedisStore) ClearCounters(ctx context.Context, tenant, ip string) {
	if err := s.rdb.Del(ctx, hopKey(tenant, ip)).Err(); err != nil {
		log.Debug().Err(err).Str("ip", ip).Msg("store.clear_counters hop fail-open")
	}
	if err := s.rdb.Del(ctx, rateKey(tenant, ip)).Err(); err != nil {
		log.Debug().Err(err).Str("ip", ip).Msg("store.clear_counters rate fail-open")
	}
}

package rl

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/skywalker-88/tarpitgate/pkg/metrics"
)

// Override is a per-{route,client} rate limit adjustment applied by the
// anomaly detector's step-ramp (tightens limits progressively rather than
// jumping straight to a block). It is a distinct concern from the blocklist:
// an override changes how many requests are *allowed*, it never itself
// denies one.
type Override struct {
	RPS   int   `json:"rps"`
	Burst int   `json:"burst"`
	Step  int   `json:"step,omitempty"` // ramp step index (0-based)
	Exp   int64 `json:"exp,omitempty"`
}

// Mitigator owns the per-route override ramp and repeat-offender streak
// counters. It deliberately does NOT own blocking: blocklist entries are the
// exclusive responsibility of internal/store.Store, so the detector calls
// that interface directly to block and only uses Mitigator to decide how
// hard to ramp before it gets there.
type Mitigator interface {
	GetOverride(ctx context.Context, tenant, route, client string) (*Override, error)
	SetOverride(ctx context.Context, tenant, route, client string, ov Override, ttl time.Duration) error
	ClearOverride(ctx context.Context, tenant, route, client string) error

	IncrStreak(ctx context.Context, tenant, route, client string, window time.Duration) (int64, error)
	ResetStreak(ctx context.Context, tenant, route, client string) error

	// RefreshActiveGauges scans Redis read-only to keep the override/block
	// gauges accurate cluster-wide. It never mutates the blocklist itself.
	RefreshActiveGauges(ctx context.Context) error
}

type RedisMitigator struct{ rdb *redis.Client }

func NewRedisMitigator(rdb *redis.Client) *RedisMitigator { return &RedisMitigator{rdb: rdb} }

func keyOverride(tenant, route, client string) string {
	return fmt.Sprintf("%s:override:%s:%s", tenant, route, client)
}
func keyStreak(tenant, route, client string) string {
	return fmt.Sprintf("%s:anom:streak:%s:%s", tenant, route, client)
}

func (m *RedisMitigator) GetOverride(ctx context.Context, tenant, route, client string) (*Override, error) {
	b, err := m.rdb.Get(ctx, keyOverride(tenant, route, client)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ov Override
	if err := json.Unmarshal(b, &ov); err != nil {
		// Be lenient: if corrupt, drop it.
		_ = m.rdb.Del(ctx, keyOverride(tenant, route, client)).Err()
		return nil, nil
	}
	return &ov, nil
}

func (m *RedisMitigator) SetOverride(ctx context.Context, tenant, route, client string, ov Override, ttl time.Duration) error {
	ov.Exp = time.Now().Add(ttl).Unix()
	j, _ := json.Marshal(ov)
	// Counters are incremented at the call site (the detector) to avoid
	// double counting across code paths.
	return m.rdb.Set(ctx, keyOverride(tenant, route, client), j, ttl).Err()
}

func (m *RedisMitigator) ClearOverride(ctx context.Context, tenant, route, client string) error {
	return m.rdb.Del(ctx, keyOverride(tenant, route, client)).Err()
}

func (m *RedisMitigator) IncrStreak(ctx context.Context, tenant, route, client string, window time.Duration) (int64, error) {
	k := keyStreak(tenant, route, client)
	pipe := m.rdb.Pipeline()
	inc := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, window)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return 0, err
	}
	return inc.Val(), nil
}

func (m *RedisMitigator) ResetStreak(ctx context.Context, tenant, route, client string) error {
	return m.rdb.Del(ctx, keyStreak(tenant, route, client)).Err()
}

// RefreshActiveGauges scans Redis and sets tarpitgate_active_overrides{route}
// and tarpitgate_active_blocks{tenant} from the keys currently in the store.
// Call this on a ticker (e.g., every 15-30s) from main. Yields cluster-wide
// accurate gauges, unlike per-process increments.
func (m *RedisMitigator) RefreshActiveGauges(ctx context.Context) error {
	metrics.ActiveOverrides.Reset()
	metrics.ActiveBlocks.Reset()

	ovCounts, err := m.countByField(ctx, "*:override:*", 2)
	if err != nil {
		return err
	}
	for route, n := range ovCounts {
		metrics.ActiveOverrides.WithLabelValues(route).Set(float64(n))
	}

	blCounts, err := m.countByField(ctx, "*:blocklist:ip:*", 0)
	if err != nil {
		return err
	}
	for tenant, n := range blCounts {
		metrics.ActiveBlocks.WithLabelValues(tenant).Set(float64(n))
	}

	return nil
}

// countByField scans for a key pattern and buckets the match count by one
// colon-delimited field of each matched key (0-based index into the split).
func (m *RedisMitigator) countByField(ctx context.Context, match string, field int) (map[string]int, error) {
	out := make(map[string]int)
	var cursor uint64
	for {
		keys, next, err := m.rdb.Scan(ctx, cursor, match, 1000).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			parts := strings.Split(k, ":")
			if field < len(parts) && parts[field] != "" {
				out[parts[field]]++
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

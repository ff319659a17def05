package edge

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/skywalker-88/tarpitgate/internal/rl"
	"github.com/skywalker-88/tarpitgate/internal/robots"
	"github.com/skywalker-88/tarpitgate/internal/store"
	"github.com/skywalker-88/tarpitgate/pkg/config"
	"github.com/skywalker-88/tarpitgate/pkg/model"
)

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &config.Config{
		TenantID: "default",
		Limits: config.Limits{
			Default: config.Limit{RPS: 5, Burst: 5, Cost: 1},
		},
		Edge: config.Edge{
			HeuristicThreshold: 0.6,
			HostileUserAgents:  []string{"curl", "python-requests"},
		},
		Tarpit: config.Tarpit{MaxHops: 3, HopWindowSec: 60, BlockTTLSec: 60},
	}

	loader := robots.NewLoader("/nonexistent/robots.txt", time.Hour, []string{"googlebot"})
	t.Cleanup(loader.Close)

	return New(store.New(rdb, 50*time.Millisecond), loader, rl.New(rdb), cfg)
}

// newTestGateWithRobots is like newTestGate but loads a real robots.txt body
// so Policy.Disallowed has rules to evaluate.
func newTestGateWithRobots(t *testing.T, robotsTxt string) *Gate {
	t.Helper()
	g := newTestGate(t)
	g.Robots.Close()

	path := filepath.Join(t.TempDir(), "robots.txt")
	require.NoError(t, os.WriteFile(path, []byte(robotsTxt), 0o644))

	loader := robots.NewLoader(path, time.Hour, []string{"googlebot"})
	t.Cleanup(loader.Close)
	g.Robots = loader
	return g
}

func fp(ip, ua, path string) model.RequestFingerprint {
	return model.RequestFingerprint{
		Tenant:         model.DefaultTenant,
		IP:             ip,
		UserAgent:      ua,
		Path:           path,
		AcceptLanguage: "en-US",
		AcceptEncoding: "gzip",
		Referrer:       "https://example.com/",
		Arrived:        time.Now(),
	}
}

func TestDecideBlocklistedTakesPriority(t *testing.T) {
	g := newTestGate(t)
	ctx := context.Background()
	require.NoError(t, g.Store.Block(ctx, "default", "9.9.9.9", time.Minute, "test"))

	action, reason := g.Decide(ctx, fp("9.9.9.9", "Mozilla/5.0", "/"))
	require.Equal(t, model.ActionBlock, action)
	require.Equal(t, "blocklisted", reason)
}

func TestDecideBenignBotOnDisallowedPathIsTarpitted(t *testing.T) {
	g := newTestGateWithRobots(t, "User-agent: *\nDisallow: /private\n")
	action, reason := g.Decide(context.Background(), fp("66.249.66.1", "Googlebot/2.1", "/private/data"))
	require.Equal(t, model.ActionTarpit, action)
	require.Equal(t, "robots_disallowed", reason)
}

func TestDecideBenignBotOnAllowedPathPasses(t *testing.T) {
	g := newTestGateWithRobots(t, "User-agent: *\nDisallow: /private\n")
	action, reason := g.Decide(context.Background(), fp("66.249.66.1", "Googlebot/2.1", "/"))
	require.Equal(t, model.ActionPass, action)
	require.Equal(t, "default", reason)
}

func TestDecideNonBenignUAOnDisallowedPathFallsThroughToRateLimit(t *testing.T) {
	g := newTestGateWithRobots(t, "User-agent: *\nDisallow: /private\n")
	action, reason := g.Decide(context.Background(), fp("8.8.8.8", "Mozilla/5.0", "/private/data"))
	require.Equal(t, model.ActionPass, action)
	require.Equal(t, "default", reason)
}

func TestDecideHostileUserAgentIsTarpitted(t *testing.T) {
	g := newTestGate(t)
	action, reason := g.Decide(context.Background(), fp("1.1.1.1", "curl/8.0", "/"))
	require.Equal(t, model.ActionTarpit, action)
	require.Equal(t, "hostile_user_agent", reason)
}

func TestDecideWellFormedRequestPasses(t *testing.T) {
	g := newTestGate(t)
	action, reason := g.Decide(context.Background(), fp("2.2.2.2", "Mozilla/5.0", "/"))
	require.Equal(t, model.ActionPass, action)
	require.Equal(t, "default", reason)
}

func TestDecideMissingHeadersEscalatesToChallenge(t *testing.T) {
	g := newTestGate(t)
	g.Cfg.Challenge.Enabled = true

	suspicious := model.RequestFingerprint{
		Tenant:  model.DefaultTenant,
		IP:      "3.3.3.3",
		Path:    "/checkout",
		Arrived: time.Now(),
	}
	action, reason := g.Decide(context.Background(), suspicious)
	require.Equal(t, model.ActionChallenge, action)
	require.Equal(t, "heuristic_score", reason)
}

func TestDecideRateLimitedAfterBurstExhausted(t *testing.T) {
	g := newTestGate(t)
	ctx := context.Background()
	request := fp("4.4.4.4", "Mozilla/5.0", "/")

	var lastAction model.Action
	for i := 0; i < 10; i++ {
		lastAction, _ = g.Decide(ctx, request)
	}
	require.Equal(t, model.ActionTarpit, lastAction)
}

func TestDecideHonorsMitigationOverride(t *testing.T) {
	g := newTestGate(t)
	ctx := context.Background()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	mit := rl.NewRedisMitigator(rdb)
	g.WithMitigator(mit)

	require.NoError(t, mit.SetOverride(ctx, "default", "/", "6.6.6.6", rl.Override{RPS: 1, Burst: 1}, time.Minute))

	request := fp("6.6.6.6", "Mozilla/5.0", "/")
	first, _ := g.Decide(ctx, request)
	require.Equal(t, model.ActionPass, first)

	second, reason := g.Decide(ctx, request)
	require.Equal(t, model.ActionTarpit, second)
	require.Equal(t, "rate_limited", reason)
}

func TestRecordHopBlocksAfterMaxHops(t *testing.T) {
	g := newTestGate(t)
	ctx := context.Background()

	var blocked bool
	for i := 0; i < 5; i++ {
		blocked = g.RecordHop(ctx, "default", "5.5.5.5")
	}
	require.True(t, blocked)
	require.True(t, g.Store.IsBlocked(ctx, "default", "5.5.5.5"))
}

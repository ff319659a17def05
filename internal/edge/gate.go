// Package edge implements the ordered decision algorithm that the HTTP
// layer (internal/edgehttp) dispatches on for every inbound request:
// blocklist, then robots.txt, then a hard-deny user-agent list, then rate
// limiting, then a cheap heuristic score, defaulting to pass. It holds no
// HTTP concepts itself — Gate.Decide takes a model.RequestFingerprint and
// returns a model.Action, so it can be exercised without spinning up a
// server.
package edge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/skywalker-88/tarpitgate/internal/rl"
	"github.com/skywalker-88/tarpitgate/internal/robots"
	"github.com/skywalker-88/tarpitgate/internal/store"
	"github.com/skywalker-88/tarpitgate/pkg/config"
	"github.com/skywalker-88/tarpitgate/pkg/metrics"
	"github.com/skywalker-88/tarpitgate/pkg/model"
)

// Gate is the edge decision engine. Construct one per process; it is safe
// for concurrent use across request goroutines.
type Gate struct {
	Store   store.Store
	Robots  *robots.Loader
	Limiter *rl.Limiter
	Cfg     *config.Config
	Mit     rl.Mitigator // optional; nil skips override-ramp lookup
}

// New builds a Gate from its dependencies.
func New(st store.Store, robotsLoader *robots.Loader, limiter *rl.Limiter, cfg *config.Config) *Gate {
	return &Gate{Store: st, Robots: robotsLoader, Limiter: limiter, Cfg: cfg}
}

// WithMitigator attaches the override-ramp source internal/anom writes to,
// so rate limiting in Decide honors a client's current ramp step instead of
// always consuming against the route's base limit.
func (g *Gate) WithMitigator(mit rl.Mitigator) *Gate {
	g.Mit = mit
	return g
}

// Decide runs the ordered algorithm from spec.md §4.2 and returns the
// action to take plus a short machine-readable reason for logging/metrics.
// It never errors: every dependency it calls already fails open internally.
func (g *Gate) Decide(ctx context.Context, fp model.RequestFingerprint) (model.Action, string) {
	tenant := fp.Tenant.String()

	// 1. Blocklist: an existing block short-circuits everything else.
	if g.Store.IsBlocked(ctx, tenant, fp.IP) {
		return model.ActionBlock, "blocklisted"
	}

	policy := g.Robots.Policy()
	benign := policy.IsBenignBot(fp.UserAgent)

	// 2. robots.txt: a recognized benign bot that ignores its own disallow
	// rules is tarpitted here directly. A non-benign UA on a disallowed path
	// isn't judged by this step at all — it falls through to the hard-deny
	// UA list, rate limiting, and the heuristic score like any other request.
	if benign && policy.Disallowed(fp.UserAgent, fp.Path) {
		return model.ActionTarpit, "robots_disallowed"
	}

	// 3. Hard-deny user agents: known hostile tooling skips straight to
	// the tarpit without spending a rate-limit slot on it.
	if !benign && matchesHostileUA(g.Cfg.Edge.HostileUserAgents, fp.UserAgent) {
		return model.ActionTarpit, "hostile_user_agent"
	}

	// 4. Rate limiting: benign crawlers are exempt. The effective limit
	// starts from the route's configured (or default) limit and is then
	// tightened by any active mitigation-ramp override internal/anom has
	// written for this {route,client} pair, down to the configured floor.
	if !benign {
		route := rl.NormalizeRoute(g.Cfg, fp.Path)
		base := rl.EffectiveLimit(g.Cfg, route)
		effRPS, effBurst := base.RPS, base.Burst
		if g.Mit != nil && !rl.IsAllowlisted(g.Cfg, fp.IP) {
			if ov, _ := g.Mit.GetOverride(ctx, tenant, route, fp.IP); ov != nil {
				minRPS := g.Cfg.Mitigation.MinRPS
				minBurst := int64(g.Cfg.Mitigation.MinBurst)
				if ov.RPS > 0 && float64(ov.RPS) < effRPS {
					effRPS = float64(ov.RPS)
				}
				if ov.Burst > 0 && int64(ov.Burst) < effBurst {
					effBurst = int64(ov.Burst)
				}
				if effRPS < minRPS {
					effRPS = minRPS
				}
				if effBurst < minBurst {
					effBurst = minBurst
				}
			}
		}
		allowed, _, _, _, err := g.Limiter.Consume(
			ctx,
			fmt.Sprintf("%s:ratelimit:%s", tenant, fp.IP),
			effRPS,
			effBurst,
			base.Cost,
		)
		if err == nil && !allowed {
			metrics.Limited.WithLabelValues(route).Inc()
			return model.ActionTarpit, "rate_limited"
		}
	}

	// 5. Heuristic score: a cheap, synchronous signal blend. At or above the
	// threshold it escalates to a challenge when challenges are enabled and
	// the client is not inside a trusted window, and to the tarpit otherwise.
	if !benign {
		score := heuristicScore(fp)
		if score >= g.Cfg.Edge.HeuristicThreshold {
			if g.Cfg.Challenge.Enabled && !g.Store.IsTrusted(ctx, tenant, fp.IP) {
				return model.ActionChallenge, "heuristic_score"
			}
			return model.ActionTarpit, "heuristic_score"
		}
	}

	// 6. Default: pass through to the real backend.
	return model.ActionPass, "default"
}

// MintChallenge issues a single-use challenge token for tenant and ip,
// delegating to the shared store (the sole owner of challenge-token state).
func (g *Gate) MintChallenge(ctx context.Context, tenant, ip string) (string, error) {
	return g.Store.MintChallenge(ctx, tenant, ip)
}

// ConsumeChallenge validates and burns a challenge token, marking ip
// trusted for the configured window on success.
func (g *Gate) ConsumeChallenge(ctx context.Context, tenant, ip, token string) bool {
	if !g.Store.ConsumeChallenge(ctx, tenant, ip, token) {
		return false
	}
	ttl := time.Duration(g.Cfg.Challenge.TrustedWindowSeconds) * time.Second
	g.Store.MarkTrusted(ctx, tenant, ip, ttl)
	return true
}

// RecordHop charges a hop against the client's hop counter and blocks it
// once MaxHops is exceeded, per spec.md §4.3's hop-accounting contract.
// Returns true if this hop caused the client to cross the limit.
func (g *Gate) RecordHop(ctx context.Context, tenant, ip string) bool {
	window := time.Duration(g.Cfg.Tarpit.HopWindowSec) * time.Second
	hops := g.Store.BumpHop(ctx, tenant, ip, window)
	if int(hops) <= g.Cfg.Tarpit.MaxHops {
		return false
	}
	blockTTL := time.Duration(g.Cfg.Tarpit.BlockTTLSec) * time.Second
	if err := g.Store.Block(ctx, tenant, ip, blockTTL, "tarpit_hops"); err != nil {
		return false
	}
	if g.Cfg.Mitigation.ClearCountersOnBlock {
		g.Store.ClearCounters(ctx, tenant, ip)
	}
	return true
}

func matchesHostileUA(list []string, ua string) bool {
	lower := strings.ToLower(ua)
	for _, h := range list {
		if h == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(h)) {
			return true
		}
	}
	return false
}

// heuristicScore is the cheap, synchronous portion of scoring available at
// the edge gate before a request ever reaches internal/scorer's full signal
// fusion. It looks only at header-shape anomalies that cost nothing to
// compute: missing Accept-Language, missing Accept-Encoding, an empty
// Referrer on a non-root path, and an empty User-Agent, each contributing a
// fixed increment, with the total capped at 1.
func heuristicScore(fp model.RequestFingerprint) float64 {
	var score float64
	if strings.TrimSpace(fp.AcceptLanguage) == "" {
		score += 0.3
	}
	if strings.TrimSpace(fp.AcceptEncoding) == "" {
		score += 0.3
	}
	if fp.Path != "/" && strings.TrimSpace(fp.Referrer) == "" {
		score += 0.2
	}
	if strings.TrimSpace(fp.UserAgent) == "" {
		score += 0.4
	}
	if score > 1 {
		score = 1
	}
	return score
}

// Package scorer fuses the cheap, synchronous signals every request gets
// and the optional external signals a borderline request gets, into one
// EscalationVerdict, mirroring the action-mapping and tie-break rules the
// configuration surface names.
package scorer

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/skywalker-88/tarpitgate/internal/store"
	"github.com/skywalker-88/tarpitgate/pkg/config"
	"github.com/skywalker-88/tarpitgate/pkg/metrics"
	"github.com/skywalker-88/tarpitgate/pkg/model"
	"github.com/skywalker-88/tarpitgate/pkg/signal"
)

// Scorer ties the cheap signals, the optional external classifiers, and the
// action-mapping thresholds together. Every external-facing field is
// optional (nil when its config entry is disabled), which is how a Scorer
// built from a minimal Config still runs cheap-signal-only scoring.
type Scorer struct {
	Cfg   *config.Config
	Store store.Store

	ipReputation  Classifier
	classifier    Classifier
	secondOpinion Classifier
	communityHTTP *httpClassifier // reused only for its http.Client/timeout
}

// New builds a Scorer, wiring an adapter for each enabled external signal
// in cfg.Scoring.
func New(cfg *config.Config, st store.Store) *Scorer {
	s := &Scorer{Cfg: cfg, Store: st}

	if cfg.Scoring.IPReputation.Enabled {
		s.ipReputation = newHTTPClassifier("ip_reputation", cfg.Scoring.IPReputation.APIURL,
			time.Duration(cfg.Scoring.IPReputation.TimeoutMillis)*time.Millisecond)
	}
	if cfg.Scoring.Classifier.Enabled {
		s.classifier = newHTTPClassifier("classifier", cfg.Scoring.Classifier.APIURL,
			time.Duration(cfg.Scoring.Classifier.TimeoutMillis)*time.Millisecond)
	}
	if cfg.Scoring.LocalLLM.Enabled {
		s.secondOpinion = newHTTPClassifier("llm_second_opinion", cfg.Scoring.LocalLLM.APIURL,
			time.Duration(cfg.Scoring.LocalLLM.TimeoutMillis)*time.Millisecond)
	}
	if cfg.Scoring.CommunityReport.Enabled {
		s.communityHTTP = newHTTPClassifier("community_report", cfg.Scoring.CommunityReport.APIURL,
			time.Duration(cfg.Scoring.CommunityReport.TimeoutMillis)*time.Millisecond)
	}
	return s
}

// Score fuses every available signal for fp into one EscalationVerdict and,
// on a hostile block verdict, fires a detached community report.
func (s *Scorer) Score(ctx context.Context, fp model.RequestFingerprint) model.EscalationVerdict {
	tenant := fp.Tenant.String()
	var (
		score    float64
		signals  []string
	)

	if c, name := cheapUAReputation(fp.UserAgent); c > 0 {
		score += c
		signals = append(signals, name)
	}
	if c, name := cheapHeaderAnomaly(fp); c > 0 {
		score += c
		signals = append(signals, name)
	}
	if c, name := cheapFrequency(ctx, s.Store, tenant, fp.IP); c > 0 {
		score += c
		signals = append(signals, name)
	}

	if score >= s.Cfg.Scoring.UnsureLo && score <= s.Cfg.Scoring.UnsureHi {
		extScore, extSignals := s.runExternalSignals(ctx, fp, score)
		score += extScore
		signals = append(signals, extSignals...)
	}

	if score > 1 {
		score = 1
	}

	verdict := s.mapAction(ctx, score, signals, fp)
	metrics.ScorerVerdicts.WithLabelValues(string(verdict.Category), string(verdict.Action)).Inc()

	if verdict.Action == model.ActionBlock && verdict.Category == model.CategoryHostile {
		s.reportToCommunity(fp, verdict)
	}

	return verdict
}

// runExternalSignals fans out to every enabled external Classifier
// concurrently, bounded by the signal's own configured timeout, and treats
// a timeout or error as a zero contribution (never blocks the request on a
// slow or dead dependency).
func (s *Scorer) runExternalSignals(ctx context.Context, fp model.RequestFingerprint, running float64) (float64, []string) {
	features := Features{IP: fp.IP, UserAgent: fp.UserAgent, Path: fp.Path, ASN: fp.ASN, RunningScore: running}

	type contribution struct {
		value float64
		name  string
	}
	results := make([]signal.Signal, 3)
	names := [3]string{"ip_reputation", "classifier", "llm_second_opinion"}

	g, gctx := errgroup.WithContext(ctx)

	if s.ipReputation != nil {
		g.Go(func() error {
			results[0] = s.callClassifier(gctx, s.ipReputation, features, s.Cfg.Scoring.IPReputation.TimeoutMillis)
			return nil
		})
	}
	if s.classifier != nil {
		g.Go(func() error {
			results[1] = s.callClassifier(gctx, s.classifier, features, s.Cfg.Scoring.Classifier.TimeoutMillis)
			return nil
		})
	}
	if s.secondOpinion != nil {
		g.Go(func() error {
			results[2] = s.callClassifier(gctx, s.secondOpinion, features, s.Cfg.Scoring.LocalLLM.TimeoutMillis)
			return nil
		})
	}
	_ = g.Wait() // individual calls never return an error from g.Go; failures live inside the Signal

	ran := [3]bool{s.ipReputation != nil, s.classifier != nil, s.secondOpinion != nil}
	var total float64
	var signals []string
	for i, sig := range results {
		if !ran[i] {
			continue
		}
		switch i {
		case 0:
			if sig.Kind() == signal.KindOK && sig.Value() >= s.Cfg.Scoring.IPReputation.MinMaliciousThreshold {
				total += s.Cfg.Scoring.IPReputation.MaliciousScoreBonus
				signals = append(signals, names[i])
			}
		case 1:
			if sig.Kind() == signal.KindOK {
				total += sig.Value() * s.Cfg.Scoring.Classifier.Weight
				if sig.Value() > 0 {
					signals = append(signals, names[i])
				}
			}
		case 2:
			if sig.Kind() == signal.KindOK {
				if sig.Value() >= 0.5 {
					total += 0.1
				} else {
					total -= 0.1
				}
				signals = append(signals, names[i])
			}
		}
	}
	return total, signals
}

// callClassifier invokes c.Classify under a hard per-signal timeout and
// converts the outcome into a Signal: ok(contribution), timeout, or error.
// This is the boundary where the result-typed signal pattern replaces
// exception-driven control flow for external calls.
func (s *Scorer) callClassifier(ctx context.Context, c Classifier, f Features, timeoutMillis int) signal.Signal {
	name := classifierName(c)
	if timeoutMillis <= 0 {
		timeoutMillis = 500
	}
	cctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMillis)*time.Millisecond)
	defer cancel()

	v, err := c.Classify(cctx, f)
	if err != nil {
		if cctx.Err() != nil {
			metrics.ScorerExternalSignalErrors.WithLabelValues(name, "timeout").Inc()
			return signal.Timeout()
		}
		metrics.ScorerExternalSignalErrors.WithLabelValues(name, "error").Inc()
		return signal.Err(err)
	}
	return signal.OK(v.Contribution)
}

func classifierName(c Classifier) string {
	if hc, ok := c.(*httpClassifier); ok {
		return hc.name
	}
	return "unknown"
}

// mapAction applies the action-mapping thresholds, then the
// never-lower-an-existing-stricter-block rule: a client already on the
// blocklist never gets handed back a weaker verdict just because this
// particular request scored quietly.
func (s *Scorer) mapAction(ctx context.Context, score float64, signals []string, fp model.RequestFingerprint) model.EscalationVerdict {
	var (
		action   model.Action
		category model.Category
		reason   string
	)

	switch {
	case score >= s.Cfg.Scoring.HostileT:
		action, category, reason = model.ActionBlock, model.CategoryHostile, "score_hostile"
	case score >= s.Cfg.Scoring.CaptchaLo:
		if s.Cfg.Challenge.Enabled {
			action, category, reason = model.ActionChallenge, model.CategorySuspicious, "score_captcha_band"
		} else {
			action, category, reason = model.ActionTarpit, model.CategorySuspicious, "score_captcha_band_no_challenge"
		}
	case score >= s.Cfg.Scoring.SuspiciousT:
		action, category, reason = model.ActionTarpit, model.CategorySuspicious, "score_suspicious"
	default:
		action, category, reason = model.ActionNone, model.CategoryBenign, "score_benign"
	}

	if action != model.ActionBlock && s.Store.IsBlocked(ctx, fp.Tenant.String(), fp.IP) {
		action, category, reason = model.ActionBlock, model.CategoryHostile, "existing_block"
	}

	if action == model.ActionBlock {
		tenant := fp.Tenant.String()
		ttl := time.Duration(s.Cfg.Mitigation.BlockTTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = time.Hour
		}
		if err := s.Store.Block(context.Background(), tenant, fp.IP, ttl, reason); err != nil {
			log.Debug().Err(err).Str("ip", fp.IP).Msg("scorer: block write failed, continuing fail-open")
		}
		if s.Cfg.Mitigation.ClearCountersOnBlock {
			s.Store.ClearCounters(context.Background(), tenant, fp.IP)
		}
	}

	return model.EscalationVerdict{
		Score:               score,
		Category:            category,
		ContributingSignals: signals,
		Action:              action,
		Reason:              reason,
	}
}

// reportToCommunity fires a best-effort POST to the configured community
// blocklist endpoint on a detached goroutine with its own short timeout.
// It never gates the caller's decision.
func (s *Scorer) reportToCommunity(fp model.RequestFingerprint, v model.EscalationVerdict) {
	if s.communityHTTP == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := s.communityHTTP.Classify(ctx, Features{IP: fp.IP, UserAgent: fp.UserAgent, Path: fp.Path, RunningScore: v.Score})
		if err != nil {
			log.Debug().Err(err).Str("ip", fp.IP).Msg("scorer: community report failed")
		}
	}()
}

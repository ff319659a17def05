package scorer

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/skywalker-88/tarpitgate/internal/store"
	"github.com/skywalker-88/tarpitgate/pkg/config"
	"github.com/skywalker-88/tarpitgate/pkg/model"
)

func newTestScorer(t *testing.T) (*Scorer, store.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.New(rdb, 50*time.Millisecond)

	cfg := &config.Config{
		TenantID: "default",
		Scoring: config.Scoring{
			SuspiciousT: 0.3,
			CaptchaLo:   0.5,
			HostileT:    0.7,
			UnsureLo:    0.35,
			UnsureHi:    0.65,
		},
		Challenge: config.Challenge{Enabled: true},
		Mitigation: config.Mitigation{
			BlockTTLSeconds: 60,
		},
	}
	return New(cfg, st), st
}

func fp(ip, ua, path string) model.RequestFingerprint {
	return model.RequestFingerprint{
		Tenant:         model.DefaultTenant,
		IP:             ip,
		UserAgent:      ua,
		Path:           path,
		Referrer:       "https://example.com/",
		AcceptLanguage: "en-US",
		AcceptEncoding: "gzip",
		Arrived:        time.Now(),
	}
}

func TestScoreBenignRequestYieldsNone(t *testing.T) {
	s, _ := newTestScorer(t)
	v := s.Score(context.Background(), fp("1.1.1.1", "Mozilla/5.0", "/"))
	require.Equal(t, model.ActionNone, v.Action)
	require.Equal(t, model.CategoryBenign, v.Category)
}

func TestScoreHostileUAEscalatesTowardTarpitOrHigher(t *testing.T) {
	s, _ := newTestScorer(t)
	bare := model.RequestFingerprint{Tenant: model.DefaultTenant, IP: "2.2.2.2", UserAgent: "", Path: "/secret"}
	v := s.Score(context.Background(), bare)
	require.NotEqual(t, model.ActionNone, v.Action)
	require.NotEmpty(t, v.ContributingSignals)
}

func TestScoreBlockActionWritesToStore(t *testing.T) {
	s, st := newTestScorer(t)
	bare := model.RequestFingerprint{Tenant: model.DefaultTenant, IP: "3.3.3.3", UserAgent: "", Path: "/wp-admin"}

	var v model.EscalationVerdict
	for i := 0; i < 50 && v.Action != model.ActionBlock; i++ {
		v = s.Score(context.Background(), bare)
	}
	if v.Action == model.ActionBlock {
		require.True(t, st.IsBlocked(context.Background(), "default", "3.3.3.3"))
	}
}

func TestScoreNeverLowersAnExistingBlock(t *testing.T) {
	s, st := newTestScorer(t)
	ip := "5.5.5.5"
	require.NoError(t, st.Block(context.Background(), "default", ip, time.Hour, "prior_incident"))

	// A quiet, otherwise-benign-looking request from the same IP must still
	// come back as a block, not be downgraded because this request scored low.
	v := s.Score(context.Background(), fp(ip, "Mozilla/5.0", "/"))
	require.Equal(t, model.ActionBlock, v.Action)
	require.Equal(t, "existing_block", v.Reason)
}

func TestScoreFrequencySignalEscalatesRepeatedClients(t *testing.T) {
	s, _ := newTestScorer(t)
	f := fp("4.4.4.4", "Mozilla/5.0", "/")

	var last model.EscalationVerdict
	for i := 0; i < 45; i++ {
		last = s.Score(context.Background(), f)
	}
	require.Contains(t, last.ContributingSignals, "frequency")
}

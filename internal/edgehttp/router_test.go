package edgehttp

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/skywalker-88/tarpitgate/internal/edge"
	"github.com/skywalker-88/tarpitgate/internal/robots"
	"github.com/skywalker-88/tarpitgate/internal/rl"
	"github.com/skywalker-88/tarpitgate/internal/scorer"
	"github.com/skywalker-88/tarpitgate/internal/store"
	"github.com/skywalker-88/tarpitgate/internal/tarpit"
	"github.com/skywalker-88/tarpitgate/pkg/config"
)

type fakeProse struct{}

func (fakeProse) Generate(seed uint64, paragraphs, wordsPerParagraph, maxSteps int) string {
	return "Lorem ipsum dolor sit amet."
}

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &config.Config{
		TenantID: "default",
		Limits:   config.Limits{Default: config.Limit{RPS: 1000, Burst: 1000, Cost: 1}},
		Edge: config.Edge{
			HeuristicThreshold: 0.9,
			HostileUserAgents:  []string{"curl"},
		},
		Tarpit: config.Tarpit{
			MaxHops: 1000, HopWindowSec: 60, BlockTTLSec: 60,
			ChunkBytesMin: 32, ChunkBytesMax: 64,
			DelayMinMillis: 1, DelayMaxMillis: 2,
			PageMaxBytes: 1 << 20, ParagraphMin: 1, ParagraphMax: 1,
			WordsPerParagraph: 10, LinksPerPage: 2, SlugSpace: 1 << 20,
			ArchiveEntries: 2,
		},
		Scoring: config.Scoring{SuspiciousT: 0.3, CaptchaLo: 0.5, HostileT: 0.7, UnsureLo: 0.35, UnsureHi: 0.65},
	}

	st := store.New(rdb, 50*time.Millisecond)
	loader := robots.NewLoader("/nonexistent/robots.txt", time.Hour, []string{"googlebot"})
	t.Cleanup(loader.Close)
	limiter := rl.New(rdb)

	gate := edge.New(st, loader, limiter, cfg)
	sc := scorer.New(cfg, st)
	renderer := tarpit.NewRenderer(&cfg.Tarpit, []byte("system-seed"), fakeProse{})
	archiver := tarpit.NewArchiver(cfg.Tarpit.ArchiveEntries, []byte("system-seed"))

	return Deps{Cfg: cfg, Gate: gate, Scorer: sc, Renderer: renderer, Archiver: archiver}
}

func TestHealthEndpointReportsOK(t *testing.T) {
	d := newTestDeps(t)
	r := NewRouter(d, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHealthEndpointReportsDrainingWhenSet(t *testing.T) {
	d := newTestDeps(t)
	r := NewRouter(d, nil)
	SetDraining(true)
	t.Cleanup(func() { SetDraining(false) })

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHostileUserAgentIsServedTarpitContent(t *testing.T) {
	d := newTestDeps(t)
	r := NewRouter(d, nil)

	req := httptest.NewRequest(http.MethodGet, "/some/page", nil)
	req.Header.Set("User-Agent", "curl/8.0")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Header().Get("Content-Type"), "text/html")
	require.Contains(t, w.Body.String(), "<html>")
}

func TestBlocklistedClientGetsForbidden(t *testing.T) {
	d := newTestDeps(t)
	require.NoError(t, d.Gate.Store.Block(httptest.NewRequest(http.MethodGet, "/", nil).Context(), "default", "9.9.9.9", time.Minute, "test"))
	r := NewRouter(d, nil)

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.RemoteAddr = "9.9.9.9:1234"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestWellFormedRequestWithNoBackendGetsBadGateway(t *testing.T) {
	d := newTestDeps(t)
	r := NewRouter(d, nil)

	req := httptest.NewRequest(http.MethodGet, "/real-page", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.Header.Set("Accept-Language", "en-US")
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("Referer", "https://example.com/")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadGateway, w.Code)
}

func TestArchiveEndpointServesZip(t *testing.T) {
	d := newTestDeps(t)
	r := NewRouter(d, nil)

	req := httptest.NewRequest(http.MethodGet, "/archive/doc1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "application/zip", w.Header().Get("Content-Type"))
	require.NotEmpty(t, w.Body.Bytes())
}

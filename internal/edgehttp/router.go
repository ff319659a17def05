// Package edgehttp wires internal/edge's decision algorithm into a chi
// router: every request outside the fixed "/", "/health", "/metrics" and
// "/archive/{id}" routes is fingerprinted, decided, and dispatched to the
// pass/tarpit/block/challenge handler the decision names, in a
// decision-then-headers-then-write shape.
package edgehttp

import (
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/skywalker-88/tarpitgate/internal/anom"
	"github.com/skywalker-88/tarpitgate/internal/edge"
	Lm "github.com/skywalker-88/tarpitgate/internal/middleware"
	"github.com/skywalker-88/tarpitgate/internal/scorer"
	"github.com/skywalker-88/tarpitgate/internal/tarpit"
	"github.com/skywalker-88/tarpitgate/pkg/config"
	"github.com/skywalker-88/tarpitgate/pkg/metrics"
	"github.com/skywalker-88/tarpitgate/pkg/model"
)

var draining atomic.Bool

// SetDraining flips the /health response into 503 during graceful shutdown.
func SetDraining(on bool) { draining.Store(on) }

// IsDraining reports the current drain state.
func IsDraining() bool { return draining.Load() }

// Deps is everything the router needs, built once in cmd/tarpitgate and
// handed in by reference.
type Deps struct {
	Cfg      *config.Config
	Gate     *edge.Gate
	Scorer   *scorer.Scorer
	Renderer *tarpit.Renderer
	Archiver *tarpit.Archiver
	Anomaly  *anom.Detector // optional; nil disables volume-spike enrichment
}

// NewRouter builds the chi router. proxy may be nil (pass decisions then
// 502), and so may d.Anomaly and d.Scorer; everything else must be non-nil.
func NewRouter(d Deps, proxy *httputil.ReverseProxy) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.RealIP, chimw.Recoverer)
	r.Use(Lm.AccessLoggerFromEnv())
	if d.Anomaly != nil {
		r.Use(d.Anomaly.Middleware)
	}

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		if IsDraining() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"draining"}` + "\n"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/archive/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		rc, err := d.Archiver.Archive(req.Context(), id)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		defer rc.Close()
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", `attachment; filename="`+id+`.zip"`)
		n, _ := writeStream(w, rc)
		metrics.TarpitBytesStreamed.WithLabelValues("archive").Add(float64(n))
	})

	proxyHandler := buildProxyHandler(proxy)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		dispatch(w, req, d, proxyHandler)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		dispatch(w, req, d, proxyHandler)
	})
	r.Handle("/*", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		dispatch(w, req, d, proxyHandler)
	}))

	return r
}

// dispatch fingerprints the request, asks the Gate for an action, and
// routes to the matching handler. The Scorer never runs on the fast pass
// path; it's only consulted once a request has already earned a tarpit
// decision. A hostile-user-agent tarpit is not escalated: that client stays
// in the tarpit until the hop limit blocks it.
func dispatch(w http.ResponseWriter, req *http.Request, d Deps, proxyHandler http.Handler) {
	fp := fingerprint(req, d.Cfg)
	action, reason := d.Gate.Decide(req.Context(), fp)

	if action == model.ActionTarpit && reason != "hostile_user_agent" && d.Scorer != nil {
		action, reason = escalate(req, d, fp, action, reason)
	}

	metrics.EdgeDecisions.WithLabelValues(string(action), reason).Inc()

	switch action {
	case model.ActionBlock:
		w.Header().Set("X-TarpitGate", "edge")
		w.Header().Set("X-TarpitGate-Block", reason)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"forbidden"}`))

	case model.ActionChallenge:
		token, err := d.Gate.MintChallenge(req.Context(), fp.Tenant.String(), fp.IP)
		if err != nil {
			log.Debug().Err(err).Msg("edgehttp: mint challenge failed, falling back to tarpit")
			serveTarpit(w, req, d, fp)
			return
		}
		redirectURL := d.Cfg.Challenge.RedirectURL
		if redirectURL == "" {
			redirectURL = "/challenge"
		}
		http.Redirect(w, req, redirectURL+"?token="+token, http.StatusTemporaryRedirect)

	case model.ActionTarpit:
		serveTarpit(w, req, d, fp)

	default: // ActionPass, ActionNone
		proxyHandler.ServeHTTP(w, req)
	}
}

// actionRank orders actions by strictness for the "strictest wins" tie-break.
func actionRank(a model.Action) int {
	switch a {
	case model.ActionBlock:
		return 3
	case model.ActionChallenge:
		return 2
	case model.ActionTarpit:
		return 1
	default:
		return 0
	}
}

// escalate runs the full signal-fusion Scorer over a request the Gate has
// already flagged for the tarpit, and upgrades the decision if the Scorer's
// verdict is stricter. It never downgrades: a tarpit decision from the Gate
// is the floor, never the ceiling.
func escalate(req *http.Request, d Deps, fp model.RequestFingerprint, action model.Action, reason string) (model.Action, string) {
	verdict := d.Scorer.Score(req.Context(), fp)
	if actionRank(verdict.Action) > actionRank(action) {
		return verdict.Action, verdict.Reason
	}
	return action, reason
}

func serveTarpit(w http.ResponseWriter, req *http.Request, d Deps, fp model.RequestFingerprint) {
	rc, err := d.Renderer.Render(req.Context(), fp.Path)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	n, werr := writeStream(w, rc)

	outcome := "completed"
	if werr != nil {
		outcome = "cancelled"
	}
	metrics.TarpitPagesServed.WithLabelValues(outcome).Inc()
	metrics.TarpitBytesStreamed.WithLabelValues("page").Add(float64(n))

	if d.Gate.RecordHop(req.Context(), fp.Tenant.String(), fp.IP) {
		metrics.TarpitHopLimitHits.WithLabelValues(fp.Tenant.String()).Inc()
	}
}

func writeStream(w http.ResponseWriter, rc io.Reader) (int64, error) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	var total int64
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err == io.EOF {
				return total, nil
			}
			return total, err
		}
	}
}

func buildProxyHandler(proxy *httputil.ReverseProxy) http.Handler {
	if proxy == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":"no_backend_configured"}`))
		})
	}
	return proxy
}

// fingerprint builds the per-request tuple the Gate decides on. Never
// persisted, rebuilt fresh on every call.
func fingerprint(req *http.Request, cfg *config.Config) model.RequestFingerprint {
	return model.RequestFingerprint{
		Tenant:         model.Tenant(cfg.TenantID),
		IP:             clientIP(req),
		UserAgent:      req.UserAgent(),
		Path:           req.URL.Path,
		Referrer:       req.Referer(),
		AcceptLanguage: req.Header.Get("Accept-Language"),
		AcceptEncoding: req.Header.Get("Accept-Encoding"),
	}
}

func clientIP(req *http.Request) string {
	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err == nil {
		return host
	}
	return req.RemoteAddr
}

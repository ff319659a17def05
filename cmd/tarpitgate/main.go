package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/skywalker-88/tarpitgate/internal/anom"
	"github.com/skywalker-88/tarpitgate/internal/edge"
	"github.com/skywalker-88/tarpitgate/internal/edgehttp"
	"github.com/skywalker-88/tarpitgate/internal/markov"
	"github.com/skywalker-88/tarpitgate/internal/rl"
	"github.com/skywalker-88/tarpitgate/internal/robots"
	"github.com/skywalker-88/tarpitgate/internal/scorer"
	"github.com/skywalker-88/tarpitgate/internal/store"
	"github.com/skywalker-88/tarpitgate/internal/tarpit"
	"github.com/skywalker-88/tarpitgate/pkg/config"
	"github.com/skywalker-88/tarpitgate/pkg/metrics"
)

// makeReverseProxy builds the proxy to the real origin. Director sets
// standard X-Forwarded-* headers; ErrorHandler returns JSON 502.
func makeReverseProxy(target string) (*httputil.ReverseProxy, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	rp := httputil.NewSingleHostReverseProxy(u)

	orig := rp.Director
	rp.Director = func(req *http.Request) {
		origHost := req.Host
		origProto := "http"
		if req.TLS != nil {
			origProto = "https"
		}
		if v := req.Header.Get("X-Forwarded-Proto"); v != "" {
			origProto = v
		}
		client := req.RemoteAddr
		xff := req.Header.Get("X-Forwarded-For")

		orig(req)

		if xff == "" {
			req.Header.Set("X-Forwarded-For", client)
		} else {
			req.Header.Set("X-Forwarded-For", xff+", "+client)
		}
		req.Header.Set("X-Forwarded-Host", origHost)
		req.Header.Set("X-Forwarded-Proto", origProto)
	}

	rp.ErrorHandler = func(w http.ResponseWriter, _ *http.Request, _ error) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"bad_gateway"}` + "\n"))
	}

	return rp, nil
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	switch strings.ToLower(getenv("LOG_LEVEL", "info")) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	cfgPath := getenv("TARPITGATE_CONFIG", "configs/policies.yaml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", cfgPath).Msg("load config")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	metrics.Register(prometheus.DefaultRegisterer)

	st := store.New(rdb, store.DefaultIsBlockedDeadline)
	limiter := rl.New(rdb)
	robotsLoader := robots.NewLoader(cfg.Robots.Path, time.Duration(cfg.Robots.ReloadSec)*time.Second, cfg.Robots.BenignBot.UserAgents)
	mit := rl.NewRedisMitigator(rdb)
	gate := edge.New(st, robotsLoader, limiter, cfg).WithMitigator(mit)
	sc := scorer.New(cfg, st)

	var detector *anom.Detector
	if cfg.Anomaly.Enabled {
		detector = anom.NewDetector(anom.Config{
			Enabled:               cfg.Anomaly.Enabled,
			WindowSeconds:         cfg.Anomaly.WindowSeconds,
			Buckets:               cfg.Anomaly.Buckets,
			ThresholdMultiplier:   cfg.Anomaly.ThresholdMultiplier,
			EWMAAlpha:             cfg.Anomaly.EWMAAlpha,
			TTLSeconds:            cfg.Anomaly.TTLSeconds,
			EvictEverySeconds:     cfg.Anomaly.EvictEverySeconds,
			KeepSuspiciousSeconds: cfg.Anomaly.KeepSuspiciousSeconds,
		}, anom.Deps{Mit: mit, Store: st, Cfg: cfg})
	}

	markovStore, err := markov.Open(cfg.Markov.DB.Driver, cfg.Markov.DB.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open markov store")
	}
	words, transitions, err := markovStore.LoadAll()
	if err != nil {
		log.Warn().Err(err).Msg("load markov table failed")
		words, transitions = nil, nil
	}
	prose := markov.BuildIndex(words, transitions)
	if prose.Empty() {
		log.Warn().Msg("markov table empty; tarpit pages will use the degenerate placeholder until trained")
	}

	systemSeed := []byte(cfg.SystemSeed)
	renderer := tarpit.NewRenderer(&cfg.Tarpit, systemSeed, prose)
	archiver := tarpit.NewArchiver(cfg.Tarpit.ArchiveEntries, systemSeed)

	backend := cfg.BackendURL
	if backend == "" {
		backend = "http://localhost:8081"
	}
	proxy, err := makeReverseProxy(backend)
	if err != nil {
		log.Fatal().Err(err).Str("backend", backend).Msg("invalid backend url")
	}

	router := edgehttp.NewRouter(edgehttp.Deps{
		Cfg:      cfg,
		Gate:     gate,
		Scorer:   sc,
		Renderer: renderer,
		Archiver: archiver,
		Anomaly:  detector,
	}, proxy)

	addr := cfg.Server.Addr
	log.Info().
		Str("addr", addr).
		Str("backend", backend).
		Str("config", cfgPath).
		Str("tenant", cfg.TenantID).
		Str("log_level", zerolog.GlobalLevel().String()).
		Msg("tarpitgate starting")

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer pingCancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis not reachable yet")
	} else {
		log.Info().Msg("redis reachable")
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      0, // tarpit responses stream slowly by design; no fixed write deadline
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server stopped unexpectedly")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutdown requested; draining")

	edgehttp.SetDraining(true)

	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	if err := srv.Shutdown(shCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown did not complete in time; forcing close")
		_ = srv.Close()
	} else {
		log.Info().Msg("http server shut down cleanly")
	}

	robotsLoader.Close()
	if detector != nil {
		detector.Close()
	}

	if err := rdb.Close(); err != nil {
		log.Warn().Err(err).Msg("redis close")
	} else {
		log.Info().Msg("redis closed")
	}

	log.Info().Msg("tarpitgate exited")
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

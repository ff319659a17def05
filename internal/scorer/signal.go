package scorer

import (
	"context"
	"strings"
	"time"

	"github.com/skywalker-88/tarpitgate/internal/store"
	"github.com/skywalker-88/tarpitgate/pkg/model"
)

// cheapUAReputation scores a user agent against a small static table of
// strings associated with known scraping/automation tooling. It never
// blocks and never errors; an unrecognized UA simply contributes nothing.
func cheapUAReputation(ua string) (float64, string) {
	ua = strings.ToLower(ua)
	for _, bad := range []string{"curl", "wget", "python-requests", "scrapy", "go-http-client", "libwww-perl", "httpclient"} {
		if strings.Contains(ua, bad) {
			return 0.4, "ua_reputation"
		}
	}
	if ua == "" {
		return 0.3, "ua_reputation"
	}
	return 0, ""
}

// cheapHeaderAnomaly scores the absence of headers a normal browser always
// sends.
func cheapHeaderAnomaly(fp model.RequestFingerprint) (float64, string) {
	var score float64
	if fp.AcceptLanguage == "" {
		score += 0.15
	}
	if fp.AcceptEncoding == "" {
		score += 0.15
	}
	if fp.Referrer == "" && fp.Path != "/" {
		score += 0.1
	}
	if score == 0 {
		return 0, ""
	}
	return score, "header_anomaly"
}

// cheapFrequency counts this call in a 10-second per-client bucket in the
// shared store and turns the count into a bounded contribution in fixed
// steps (the raw count is not z-scored). It uses Store.RecordHit's
// bucket-and-TTL counter rather than a counting scheme of its own.
func cheapFrequency(ctx context.Context, st store.Store, tenant, ip string) (float64, string) {
	const window = 10 * time.Second
	n := st.RecordHit(ctx, tenant, "scorer:freq:"+ip, window)
	switch {
	case n >= 40:
		return 0.5, "frequency"
	case n >= 20:
		return 0.3, "frequency"
	case n >= 10:
		return 0.15, "frequency"
	default:
		return 0, ""
	}
}

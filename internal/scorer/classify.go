package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Features is the subset of a request's fingerprint handed to an external
// signal provider -- deliberately narrow, never the raw fingerprint, so an
// adapter can't accidentally leak more than it needs to.
type Features struct {
	IP        string  `json:"ip"`
	UserAgent string  `json:"user_agent"`
	Path      string  `json:"path"`
	ASN       string  `json:"asn,omitempty"`
	RunningScore float64 `json:"running_score"`
}

// Verdict is what an external signal provider contributes to the fused
// score.
type Verdict struct {
	Contribution float64
	Label        string
}

// Classifier is the single capability interface every optional external
// signal (IP reputation, ML classifier, LLM second opinion) implements, so
// the fan-out stage in Scorer.Score never needs to know which concrete
// provider it's talking to.
type Classifier interface {
	Classify(ctx context.Context, f Features) (Verdict, error)
}

// httpClassifier is a generic JSON-over-HTTP Classifier adapter shared by
// all three external signal kinds and the community report; only the name,
// URL, and timeout differ between them.
type httpClassifier struct {
	name       string
	url        string
	client     *http.Client
	maxRetries uint
}

func newHTTPClassifier(name, url string, timeout time.Duration) *httpClassifier {
	return &httpClassifier{
		name:       name,
		url:        url,
		client:     &http.Client{Timeout: timeout},
		maxRetries: 2,
	}
}

type classifyResponse struct {
	Score float64 `json:"score"`
	Label string  `json:"label"`
}

// Classify posts Features to the configured URL and parses a {score,label}
// JSON body, retrying transient failures a bounded number of times via
// cenkalti/backoff before giving up. A network error or 5xx response is
// retried; a 4xx response or malformed body fails at once. Every failure
// comes back as an error, never a panic, which callClassifier turns into a
// timeout or error Signal per the fail-open contract.
func (h *httpClassifier) Classify(ctx context.Context, f Features) (Verdict, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return Verdict{}, fmt.Errorf("%s: encode features: %w", h.name, err)
	}

	op := func() (Verdict, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
		if err != nil {
			return Verdict{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := h.client.Do(req)
		if err != nil {
			return Verdict{}, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return Verdict{}, fmt.Errorf("%s: server error %d", h.name, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return Verdict{}, backoff.Permanent(fmt.Errorf("%s: client error %d", h.name, resp.StatusCode))
		}

		var cr classifyResponse
		if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
			return Verdict{}, backoff.Permanent(fmt.Errorf("%s: decode response: %w", h.name, err))
		}
		return Verdict{Contribution: cr.Score, Label: cr.Label}, nil
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(h.maxRetries+1),
	)
}

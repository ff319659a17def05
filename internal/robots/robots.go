// Package robots loads a robots.txt-shaped policy file and classifies
// crawler user agents against it. It is the edge gate's second decision
// step (spec.md §4.2): a benign, well-known crawler requesting a path its
// robots.txt group disallows is tarpitted before rate limiting or scoring
// ever runs, and otherwise such crawlers are exempted from the rest of the
// gate. Other user agents on disallowed paths are not judged by this step.
package robots

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Policy is an immutable, parsed robots.txt ruleset. A Policy is built once
// by parse and never mutated afterward; Loader swaps a *Policy pointer
// atomically so readers never need a lock.
type Policy struct {
	disallow  map[string][]string // user-agent (lowercased) -> disallow prefixes
	benignUAs map[string]struct{} // lowercased benign-bot substrings
}

// newEmptyPolicy is the fail-open default: nothing is disallowed, and the
// configured benign-bot table (not the robots.txt file) still applies.
func newEmptyPolicy(benign []string) *Policy {
	p := &Policy{disallow: map[string][]string{}, benignUAs: map[string]struct{}{}}
	for _, b := range benign {
		p.benignUAs[strings.ToLower(b)] = struct{}{}
	}
	return p
}

// Disallowed reports whether ua is disallowed from requesting path under
// this policy. Matching is prefix-based per the robots.txt convention,
// checked against the rules of the group naming the UA if there is one, and
// otherwise against the wildcard "*" rules; the two are never combined.
func (p *Policy) Disallowed(ua, path string) bool {
	if p == nil {
		return false
	}
	key := matchUAGroup(p.disallow, ua)
	for _, prefix := range p.disallow[key] {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// IsBenignBot reports whether ua matches one of the configured well-known
// crawlers (Googlebot, Bingbot, ...), exempting it from rate limiting and
// heuristic scoring per spec.md §4.2.
func (p *Policy) IsBenignBot(ua string) bool {
	if p == nil {
		return false
	}
	lower := strings.ToLower(ua)
	for b := range p.benignUAs {
		if strings.Contains(lower, b) {
			return true
		}
	}
	return false
}

func matchUAGroup(groups map[string][]string, ua string) string {
	lower := strings.ToLower(ua)
	for name := range groups {
		if name == "*" {
			continue
		}
		if strings.Contains(lower, name) {
			return name
		}
	}
	return "*"
}

// Loader polls path on a ticker and watches it with fsnotify so edits land
// immediately; ReloadSec is a ceiling, not the only trigger. It fails open
// rather than denying every request: on a parse error it switches to an
// empty ruleset, and when the file cannot be opened it keeps the policy it
// already has (an empty ruleset until a first successful load).
type Loader struct {
	path     string
	policy   atomic.Pointer[Policy]
	benign   []string
	stop     chan struct{}
	watcher  *fsnotify.Watcher
	interval time.Duration
}

// NewLoader builds a Loader, performs an initial synchronous load, and
// starts the background ticker+watcher goroutine. Call Close to stop it.
func NewLoader(path string, reloadInterval time.Duration, benignUAs []string) *Loader {
	l := &Loader{
		path:     path,
		benign:   benignUAs,
		stop:     make(chan struct{}),
		interval: reloadInterval,
	}
	l.policy.Store(newEmptyPolicy(benignUAs))
	l.reload()

	if w, err := fsnotify.NewWatcher(); err == nil {
		l.watcher = w
		if err := w.Add(path); err != nil {
			log.Debug().Err(err).Str("path", path).Msg("robots: fsnotify watch failed, relying on ticker")
		}
	} else {
		log.Debug().Err(err).Msg("robots: fsnotify unavailable, relying on ticker")
	}

	go l.run()
	return l
}

// Policy returns the current snapshot. Safe for concurrent use; never nil.
func (l *Loader) Policy() *Policy {
	if p := l.policy.Load(); p != nil {
		return p
	}
	return newEmptyPolicy(l.benign)
}

func (l *Loader) run() {
	if l.interval <= 0 {
		l.interval = 5 * time.Minute
	}
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if l.watcher != nil {
		events = l.watcher.Events
		errs = l.watcher.Errors
	}

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.reload()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				l.reload()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Debug().Err(err).Msg("robots: fsnotify error")
		}
	}
}

func (l *Loader) reload() {
	f, err := os.Open(l.path)
	if err != nil {
		log.Debug().Err(err).Str("path", l.path).Msg("robots: reload failed, keeping previous policy")
		return
	}
	defer f.Close()

	p, err := parse(f, l.benign)
	if err != nil {
		log.Debug().Err(err).Str("path", l.path).Msg("robots: parse failed, using empty policy")
		l.policy.Store(newEmptyPolicy(l.benign))
		return
	}
	l.policy.Store(p)
}

// Close stops the reload goroutine and the fsnotify watcher.
func (l *Loader) Close() {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
	if l.watcher != nil {
		_ = l.watcher.Close()
	}
}

// parse reads a robots.txt document into a Policy. Unknown directives are
// ignored; malformed lines are skipped rather than treated as fatal, per the
// fail-open philosophy this package carries throughout.
func parse(r io.Reader, benign []string) (*Policy, error) {
	p := newEmptyPolicy(benign)

	scanner := bufio.NewScanner(r)
	current := ""
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		field, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		field = strings.ToLower(strings.TrimSpace(field))
		value = strings.TrimSpace(value)

		switch field {
		case "user-agent":
			current = strings.ToLower(value)
			if _, exists := p.disallow[current]; !exists {
				p.disallow[current] = nil
			}
		case "disallow":
			if current != "" && value != "" {
				p.disallow[current] = append(p.disallow[current], value)
			}
		case "allow":
			// An explicit Allow is a narrower exception to a broader
			// Disallow; since the gate's default is "not disallowed", a
			// bare Allow directive is a no-op here and only Disallow
			// entries carry meaning.
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

// WithContext blocks until ctx is done, then closes the loader. Convenient
// for composing with a server's lifecycle in main.
func (l *Loader) WithContext(ctx context.Context) *Loader {
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	return l
}

// Package config loads tarpitgate's immutable configuration tree. A single
// *Config is built at startup and handed to every component by reference;
// nothing in this codebase mutates a *Config in place or reaches for a
// global singleton — that's the teacher's koanf-based config generalized to
// every key the spec's configuration surface names.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// ---- Server / identity ----

type Server struct {
	Addr string `yaml:"addr"`
}

type Identity struct {
	// "header:X-API-Key" or "ip"
	Source string `yaml:"source"`
}

// ---- Redis / stores ----

type Redis struct {
	Addr     string `yaml:"addr"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
}

type MarkovDB struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`
}

// ---- Rate limiting ----

type Limit struct {
	RPS   float64 `yaml:"rps"`
	Burst int64   `yaml:"burst"`
	Cost  int64   `yaml:"cost"`
}

type Limits struct {
	Default      Limit            `yaml:"default"`
	Routes       map[string]Limit `yaml:"routes"`
	GlobalClient Limit            `yaml:"global_client"`
	PerMinute    int              `yaml:"rate_limit_per_minute"`
}

// ---- Edge gate ----

type BenignBot struct {
	UserAgents []string `yaml:"user_agents"`
}

type Robots struct {
	Path      string    `yaml:"path"`
	ReloadSec int       `yaml:"reload_seconds"`
	BenignBot BenignBot `yaml:"benign_bots"`
}

type Edge struct {
	HeuristicThreshold float64  `yaml:"heuristic_threshold"`
	HostileUserAgents  []string `yaml:"hostile_user_agents"`
}

type Challenge struct {
	Enabled              bool   `yaml:"enabled"`
	RedirectURL          string `yaml:"redirect_url"`
	TTLSeconds           int    `yaml:"ttl_seconds"`
	TrustedWindowSeconds int    `yaml:"trusted_window_seconds"`
}

// ---- Tarpit ----

type Tarpit struct {
	MaxHops           int    `yaml:"max_hops"`
	HopWindowSec      int    `yaml:"hop_window_seconds"`
	BlockTTLSec       int    `yaml:"block_ttl_seconds"`
	ChunkBytesMin     int    `yaml:"chunk_bytes_min"`
	ChunkBytesMax     int    `yaml:"chunk_bytes_max"`
	DelayMinMillis    int    `yaml:"delay_min_millis"`
	DelayMaxMillis    int    `yaml:"delay_max_millis"`
	PageMaxBytes      int    `yaml:"page_max_bytes"`
	ParagraphMin      int    `yaml:"paragraph_min"`
	ParagraphMax      int    `yaml:"paragraph_max"`
	WordsPerParagraph int    `yaml:"words_per_paragraph"`
	LinksPerPage      int    `yaml:"links_per_page"`
	SlugSpace         uint64 `yaml:"slug_space"`
	ArchiveEntries    int    `yaml:"archive_entries"`
}

// ---- Blocklist ----

type Blocklist struct {
	TTLSeconds int `yaml:"ttl_seconds"`
}

// ---- Escalation scoring ----

type IPReputation struct {
	Enabled               bool    `yaml:"enabled"`
	APIURL                string  `yaml:"api_url"`
	TimeoutMillis         int     `yaml:"timeout_millis"`
	MaliciousScoreBonus   float64 `yaml:"malicious_score_bonus"`
	MinMaliciousThreshold float64 `yaml:"min_malicious_threshold"`
}

type Classifier struct {
	Enabled       bool    `yaml:"enabled"`
	APIURL        string  `yaml:"api_url"`
	TimeoutMillis int     `yaml:"timeout_millis"`
	Weight        float64 `yaml:"weight"`
}

type LocalLLM struct {
	Enabled       bool   `yaml:"enabled"`
	APIURL        string `yaml:"api_url"`
	Model         string `yaml:"model"`
	TimeoutMillis int    `yaml:"timeout_millis"`
}

type CommunityReport struct {
	Enabled       bool   `yaml:"enabled"`
	APIURL        string `yaml:"api_url"`
	TimeoutMillis int    `yaml:"timeout_millis"`
}

type Scoring struct {
	SuspiciousT float64 `yaml:"suspicious_t"`
	CaptchaLo   float64 `yaml:"captcha_lo"`
	HostileT    float64 `yaml:"hostile_t"`
	UnsureLo    float64 `yaml:"unsure_lo"`
	UnsureHi    float64 `yaml:"unsure_hi"`

	IPReputation    IPReputation    `yaml:"ip_reputation"`
	Classifier      Classifier      `yaml:"classifier"`
	LocalLLM        LocalLLM        `yaml:"local_llm"`
	CommunityReport CommunityReport `yaml:"community_report"`
}

// ---- Mitigation ladder (inherited from the teacher, generalized) ----

type StepRamp struct {
	Enabled     bool      `yaml:"enabled"`
	Steps       []float64 `yaml:"steps"`
	StepSeconds int       `yaml:"step_seconds"`
}

type RepeatOffender struct {
	WindowSeconds int `yaml:"window_seconds"`
	Threshold     int `yaml:"threshold"`
}

type Allowlist struct {
	Clients []string `yaml:"clients"`
}

type Mitigation struct {
	MinRPS               float64        `yaml:"min_rps"`
	MinBurst             int            `yaml:"min_burst"`
	OverrideTTLSeconds   int            `yaml:"override_ttl_seconds"`
	BlockTTLSeconds      int            `yaml:"block_ttl_seconds"`
	StepRamp             StepRamp       `yaml:"step_ramp"`
	RepeatOffender       RepeatOffender `yaml:"repeat_offender"`
	Allowlist            Allowlist      `yaml:"allowlist"`
	ClearCountersOnBlock bool           `yaml:"clear_counters_on_block"`
}

type Anomaly struct {
	Enabled               bool    `yaml:"enabled"`
	WindowSeconds         int     `yaml:"window_seconds"`
	Buckets               int     `yaml:"buckets"`
	ThresholdMultiplier   float64 `yaml:"threshold_multiplier"`
	EWMAAlpha             float64 `yaml:"ewma_alpha"`
	TTLSeconds            int     `yaml:"ttl_seconds"`
	EvictEverySeconds     int     `yaml:"evict_every_seconds"`
	KeepSuspiciousSeconds int     `yaml:"keep_suspicious_seconds"`
}

// ---- Markov ----

type Markov struct {
	DB               MarkovDB `yaml:"db"`
	MaxDistinctWords int      `yaml:"max_distinct_words"`
	MaxWalkSteps     int      `yaml:"max_walk_steps"`
}

// ---------------------------

// Config is the full, immutable configuration tree. Load it once; never
// mutate a live *Config — build a new one and swap the pointer.
type Config struct {
	// TenantID is the mandatory prefix of every Redis key internal/store
	// writes ("{tenant}:blocklist:ip:{ip}" and so on); it defaults to
	// "default". The robots.txt loader is not per tenant.
	TenantID   string `yaml:"tenant_id"`
	SystemSeed string `yaml:"system_seed"`

	Server     Server     `yaml:"server"`
	Redis      Redis      `yaml:"redis"`
	Identity   Identity   `yaml:"identity"`
	Limits     Limits     `yaml:"limits"`
	Edge       Edge       `yaml:"edge"`
	Robots     Robots     `yaml:"robots"`
	Challenge  Challenge  `yaml:"challenge"`
	Tarpit     Tarpit     `yaml:"tarpit"`
	Blocklist  Blocklist  `yaml:"blocklist"`
	Scoring    Scoring    `yaml:"scoring"`
	Anomaly    Anomaly    `yaml:"anomaly"`
	Mitigation Mitigation `yaml:"mitigation"`
	Markov     Markov     `yaml:"markov"`

	BackendURL string `yaml:"backend_url"`
}

// Load reads the YAML file at path, then layers environment variables named
// per the spec's configuration surface over it (env wins). A local .env file
// is loaded first, if present, so developers don't need to export vars in
// their shell.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // best-effort; absence of .env is not an error

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config file %q: %w", path, err)
	}

	if err := k.Load(env.ProviderWithValue("", "__", func(s, v string) (string, interface{}) {
		key, ok := envKeyMap[s]
		if !ok {
			return "", nil
		}
		return key, v
	}), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// envKeyMap maps the recognized configuration-surface env vars to dotted
// koanf keys. Unknown env vars are ignored.
var envKeyMap = map[string]string{
	"SYSTEM_SEED":                           "system_seed",
	"TENANT_ID":                             "tenant_id",
	"REAL_BACKEND_HOST":                     "backend_url",
	"ROBOTS_RELOAD_SEC":                     "robots.reload_seconds",
	"TAR_PIT_MAX_HOPS":                      "tarpit.max_hops",
	"TAR_PIT_HOP_WINDOW_SECONDS":            "tarpit.hop_window_seconds",
	"BLOCKLIST_TTL_SECONDS":                 "blocklist.ttl_seconds",
	"RATE_LIMIT_PER_MINUTE":                 "limits.rate_limit_per_minute",
	"EDGE_HEURISTIC_THRESHOLD":              "edge.heuristic_threshold",
	"SUSPICIOUS_T":                          "scoring.suspicious_t",
	"CAPTCHA_LO":                            "scoring.captcha_lo",
	"HOSTILE_T":                             "scoring.hostile_t",
	"ENABLE_CAPTCHA_TRIGGER":                "challenge.enabled",
	"CAPTCHA_SCORE_THRESHOLD_LOW":           "scoring.captcha_lo",
	"CAPTCHA_SCORE_THRESHOLD_HIGH":          "scoring.hostile_t",
	"ENABLE_IP_REPUTATION":                  "scoring.ip_reputation.enabled",
	"IP_REPUTATION_API_URL":                 "scoring.ip_reputation.api_url",
	"IP_REPUTATION_TIMEOUT":                 "scoring.ip_reputation.timeout_millis",
	"IP_REPUTATION_MALICIOUS_SCORE_BONUS":   "scoring.ip_reputation.malicious_score_bonus",
	"IP_REPUTATION_MIN_MALICIOUS_THRESHOLD": "scoring.ip_reputation.min_malicious_threshold",
	"LOCAL_LLM_API_URL":                     "scoring.local_llm.api_url",
	"LOCAL_LLM_MODEL":                       "scoring.local_llm.model",
	"LOCAL_LLM_TIMEOUT":                     "scoring.local_llm.timeout_millis",
	"EXTERNAL_CLASSIFICATION_API_URL":       "scoring.classifier.api_url",
	"EXTERNAL_API_TIMEOUT":                  "scoring.classifier.timeout_millis",
}

func applyDefaults(c *Config) {
	if c.TenantID == "" {
		c.TenantID = "default"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Robots.ReloadSec <= 0 {
		c.Robots.ReloadSec = 300
	}
	if c.Tarpit.MaxHops <= 0 {
		c.Tarpit.MaxHops = 25
	}
	if c.Tarpit.HopWindowSec <= 0 {
		c.Tarpit.HopWindowSec = 600
	}
	if c.Tarpit.BlockTTLSec <= 0 {
		c.Tarpit.BlockTTLSec = 3600
	}
	if c.Tarpit.ChunkBytesMin <= 0 {
		c.Tarpit.ChunkBytesMin = 64
	}
	if c.Tarpit.ChunkBytesMax <= 0 {
		c.Tarpit.ChunkBytesMax = 256
	}
	if c.Tarpit.DelayMinMillis <= 0 {
		c.Tarpit.DelayMinMillis = 50
	}
	if c.Tarpit.DelayMaxMillis <= 0 {
		c.Tarpit.DelayMaxMillis = 400
	}
	if c.Tarpit.PageMaxBytes <= 0 {
		c.Tarpit.PageMaxBytes = 256 * 1024
	}
	if c.Tarpit.ParagraphMin <= 0 {
		c.Tarpit.ParagraphMin = 3
	}
	if c.Tarpit.ParagraphMax <= 0 {
		c.Tarpit.ParagraphMax = 12
	}
	if c.Tarpit.WordsPerParagraph <= 0 {
		c.Tarpit.WordsPerParagraph = 60
	}
	if c.Tarpit.LinksPerPage <= 0 {
		c.Tarpit.LinksPerPage = 8
	}
	if c.Tarpit.SlugSpace == 0 {
		c.Tarpit.SlugSpace = 1 << 32
	}
	if c.Tarpit.ArchiveEntries <= 0 {
		c.Tarpit.ArchiveEntries = 5
	}
	if c.Blocklist.TTLSeconds <= 0 {
		c.Blocklist.TTLSeconds = 3600
	}
	if c.Limits.PerMinute <= 0 {
		c.Limits.PerMinute = 120
	}
	if c.Edge.HeuristicThreshold <= 0 {
		c.Edge.HeuristicThreshold = 0.6
	}
	if len(c.Edge.HostileUserAgents) == 0 {
		c.Edge.HostileUserAgents = []string{"curl", "wget", "python-requests", "scrapy", "go-http-client", "libwww-perl"}
	}
	if len(c.Robots.BenignBot.UserAgents) == 0 {
		c.Robots.BenignBot.UserAgents = []string{"googlebot", "bingbot", "duckduckbot", "baiduspider", "yandexbot"}
	}
	if c.Challenge.TTLSeconds <= 0 {
		c.Challenge.TTLSeconds = 300
	}
	if c.Challenge.TrustedWindowSeconds <= 0 {
		c.Challenge.TrustedWindowSeconds = 300
	}
	if c.Scoring.SuspiciousT <= 0 {
		c.Scoring.SuspiciousT = 0.3
	}
	if c.Scoring.CaptchaLo <= 0 {
		c.Scoring.CaptchaLo = 0.5
	}
	if c.Scoring.HostileT <= 0 {
		c.Scoring.HostileT = 0.7
	}
	if c.Scoring.UnsureHi <= 0 {
		c.Scoring.UnsureLo, c.Scoring.UnsureHi = 0.35, 0.65
	}
	if c.Markov.MaxDistinctWords <= 0 {
		c.Markov.MaxDistinctWords = 50000
	}
	if c.Markov.MaxWalkSteps <= 0 {
		c.Markov.MaxWalkSteps = 400
	}
	if c.Markov.DB.Driver == "" {
		c.Markov.DB.Driver = "sqlite"
	}
	if c.Markov.DB.DSN == "" {
		c.Markov.DB.DSN = "file:tarpitgate_markov.db?cache=shared"
	}
}

// validate enforces the configuration-error class from the spec: a missing
// seed or unparsable thresholds are fatal at startup.
func validate(c *Config) error {
	if strings.TrimSpace(c.SystemSeed) == "" {
		return fmt.Errorf("config: system_seed (SYSTEM_SEED) is required")
	}
	if !(c.Scoring.SuspiciousT < c.Scoring.CaptchaLo && c.Scoring.CaptchaLo < c.Scoring.HostileT) {
		return fmt.Errorf("config: score thresholds must satisfy suspicious_t < captcha_lo < hostile_t")
	}
	if c.Tarpit.ChunkBytesMin > c.Tarpit.ChunkBytesMax {
		return fmt.Errorf("config: tarpit chunk_bytes_min > chunk_bytes_max")
	}
	if c.Tarpit.DelayMinMillis > c.Tarpit.DelayMaxMillis {
		return fmt.Errorf("config: tarpit delay_min_millis > delay_max_millis")
	}
	return nil
}

// MustEnv returns the environment variable value or a default, kept from the
// teacher for small call sites (e.g. REDIS_ADDR) that don't belong in the
// YAML tree.
func MustEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

package module

import (
	"time"

	"githarvest/internal/platform/config"
	"githarvest/internal/platform/validate"
)

// Options holds every tunable of the ETL pipeline, read from ETL_* env
type Options struct {
	// orchestration
	Workers           int           `validate:"gte=1,lte=64"`
	WindowSize        time.Duration `validate:"gt=0"`
	MaxAttempts       int           `validate:"gte=1,lte=10"`
	RetryBase         time.Duration `validate:"gt=0"`
	DegradedTolerance float64       `validate:"gt=0,lte=1"`
	PersistChunk      int           `validate:"gte=1"`

	// per-step guardrail timeouts; zero disables a level
	BatchTimeout  time.Duration
	ReadTimeout   time.Duration
	EnrichTimeout time.Duration
	DBTimeout     time.Duration

	// warehouse read
	EventsTable  string  `validate:"required"`
	ScanCost     float64 `validate:"gte=0"`
	ScanBudget   float64 `validate:"gt=0"`
	MaxSkipRatio float64 `validate:"gt=0,lt=1"`
	EventTypes   []string
	MinStars     int `validate:"gte=0"`
	MinForks     int `validate:"gte=0"`

	// governor call window
	CallLimit  int           `validate:"gte=1"`
	CallFloor  int           `validate:"gte=0"`
	CallWindow time.Duration `validate:"gt=0"`

	// cache
	CacheCapacity int           `validate:"gte=1"`
	CacheTTL      time.Duration `validate:"gt=0"`

	// github
	GithubBaseURL string
	GithubTokens  string
	GithubTimeout time.Duration `validate:"gt=0"`
}

// FromConfig reads options with the ETL_ prefix and validates the result
func FromConfig(cfg config.Conf) (Options, error) {
	c := cfg.Prefix("ETL_")
	opts := Options{
		Workers:           c.MayInt("WORKERS", 4),
		WindowSize:        c.MayDuration("WINDOW", 24*time.Hour),
		MaxAttempts:       c.MayInt("RETRIES", 3),
		RetryBase:         c.MayDuration("RETRY_BASE", 500*time.Millisecond),
		DegradedTolerance: c.MayFloat64("DEGRADED_TOLERANCE", 0.25),
		PersistChunk:      c.MayInt("PERSIST_CHUNK", 500),

		BatchTimeout:  c.MayDuration("BATCH_TIMEOUT", 30*time.Minute),
		ReadTimeout:   c.MayDuration("READ_TIMEOUT", 10*time.Minute),
		EnrichTimeout: c.MayDuration("ENRICH_TIMEOUT", 20*time.Minute),
		DBTimeout:     c.MayDuration("DB_TIMEOUT", 2*time.Minute),

		EventsTable:  c.MayString("EVENTS_TABLE", "gharchive.events"),
		ScanCost:     c.MayFloat64("SCAN_COST", 1<<30),
		ScanBudget:   c.MayFloat64("SCAN_BUDGET", 64<<30),
		MaxSkipRatio: c.MayFloat64("MAX_SKIP_RATIO", 0.10),
		EventTypes:   c.MayCSV("EVENT_TYPES", nil),
		MinStars:     c.MayInt("MIN_STARS", 50),
		MinForks:     c.MayInt("MIN_FORKS", 10),

		CallLimit:  c.MayInt("CALL_LIMIT", 5000),
		CallFloor:  c.MayInt("CALL_FLOOR", 100),
		CallWindow: c.MayDuration("CALL_WINDOW", time.Hour),

		CacheCapacity: c.MayInt("CACHE_CAPACITY", 10000),
		CacheTTL:      c.MayDuration("CACHE_TTL", 30*time.Minute),

		GithubBaseURL: c.MayString("GITHUB_BASE_URL", ""),
		GithubTokens:  c.MayString("GITHUB_TOKENS", ""),
		GithubTimeout: c.MayDuration("GITHUB_TIMEOUT", 10*time.Second),
	}
	if err := validate.Struct(opts); err != nil {
		return Options{}, err
	}
	return opts, nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/onexay/devpulse/internal/blocker"
	"github.com/onexay/devpulse/internal/ledger"
	"github.com/onexay/devpulse/internal/storage"
)

// StorageBackend enumerates supported persistence layers.
type StorageBackend string

const (
	// StorageBackendMemory keeps data in-process.
	StorageBackendMemory StorageBackend = "memory"
	// StorageBackendKeyDB persists data to KeyDB/Redis.
	StorageBackendKeyDB StorageBackend = "keydb"
)

// Config aggregates runtime configuration.
type Config struct {
	Server     ServerConfig
	Logger     LoggerConfig
	Storage    StorageConfig
	Retention  RetentionConfig
	Workers    WorkersConfig
	Ingest     IngestConfig
	Report     ReportConfig
	Summarizer SummarizerConfig
	Delivery   DeliveryConfig
	Schedule   ScheduleConfig
}

// ServerConfig holds the ops API listener settings.
type ServerConfig struct {
	Addr            string
	GinMode         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// LoggerConfig holds logger configuration.
type LoggerConfig struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Format is json or console.
	Format string
	// Output is stdout, stderr or a file path.
	Output string
}

// StorageConfig contains backend selection and nested settings.
type StorageConfig struct {
	Backend StorageBackend
	KeyDB   storage.Config
}

// RetentionConfig holds the lifetimes of ledger records and archived reports.
type RetentionConfig struct {
	ArchivePath     string
	Archive         time.Duration
	Merged          time.Duration
	Closed          time.Duration
	ResolvedBlocker time.Duration
	DayIndex        time.Duration
	StaleBranch     time.Duration
}

// WorkersConfig sizes the job runner.
type WorkersConfig struct {
	DigestConcurrency int
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	PollTimeout       time.Duration
}

// IngestConfig tunes event ingestion.
type IngestConfig struct {
	MaxClockSkew time.Duration
}

// ReportConfig tunes report generation. Thresholds, StaleReviewDays and
// LabelBlocklist may be overridden by the policy file.
type ReportConfig struct {
	Timezone         string
	DefaultBranch    string
	Thresholds       blocker.Thresholds
	StaleReviewDays  int
	LabelBlocklist   []string
	DirectCommitsMax int
	PolicyFile       string
}

// SummarizerConfig points at the summarization service. An empty URL selects
// the offline heuristic summarizer.
type SummarizerConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// DeliveryConfig points at the chat webhook. An empty URL logs reports instead.
type DeliveryConfig struct {
	WebhookURL string
	Timeout    time.Duration
}

// ScheduleConfig holds cron expressions; an empty one disables the schedule.
type ScheduleConfig struct {
	Daily   string
	Weekly  string
	Cleanup string
}

// Load reads configuration from environment variables and applies the policy
// file when POLICY_FILE is set.
func Load() (Config, error) {
	backend := StorageBackend(strings.ToLower(envDefault("STORAGE_BACKEND", string(StorageBackendMemory))))
	def := ledger.DefaultRetention()
	th := blocker.DefaultThresholds()

	cfg := Config{
		Server: ServerConfig{
			Addr:            envDefault("API_ADDR", ":8080"),
			GinMode:         envDefault("GIN_MODE", "release"),
			ReadTimeout:     envDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    envDuration("SERVER_WRITE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: envDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Logger: LoggerConfig{
			Level:  strings.ToLower(envDefault("LOG_LEVEL", "info")),
			Format: strings.ToLower(envDefault("LOG_FORMAT", "json")),
			Output: envDefault("LOG_OUTPUT", "stdout"),
		},
		Storage: StorageConfig{
			Backend: backend,
			KeyDB: storage.Config{
				Addr:     os.Getenv("KEYDB_ADDR"),
				Username: os.Getenv("KEYDB_USERNAME"),
				Password: os.Getenv("KEYDB_PASSWORD"),
				Database: envInt("KEYDB_DB", 0),
			},
		},
		Retention: RetentionConfig{
			ArchivePath:     envDefault("RETENTION_ARCHIVE_PATH", "data/reports.db"),
			Archive:         envDuration("RETENTION_ARCHIVE", 90*24*time.Hour),
			Merged:          envDuration("RETENTION_MERGED", def.Merged),
			Closed:          envDuration("RETENTION_CLOSED", def.Closed),
			ResolvedBlocker: envDuration("RETENTION_RESOLVED_BLOCKER", def.ResolvedBlocker),
			DayIndex:        envDuration("RETENTION_DAY_INDEX", def.DayIndex),
			StaleBranch:     envDuration("RETENTION_STALE_BRANCH", def.StaleBranch),
		},
		Workers: WorkersConfig{
			DigestConcurrency: envInt("WORKER_CONCURRENCY", 4),
			MaxAttempts:       envInt("JOB_MAX_ATTEMPTS", 5),
			InitialBackoff:    envDuration("JOB_INITIAL_BACKOFF", 500*time.Millisecond),
			MaxBackoff:        envDuration("JOB_MAX_BACKOFF", 30*time.Second),
			PollTimeout:       envDuration("JOB_POLL_TIMEOUT", 2*time.Second),
		},
		Ingest: IngestConfig{
			MaxClockSkew: envDuration("INGEST_MAX_CLOCK_SKEW", 5*time.Minute),
		},
		Report: ReportConfig{
			Timezone:      envDefault("REPORT_TIMEZONE", "UTC"),
			DefaultBranch: envDefault("REPORT_DEFAULT_BRANCH", "main"),
			Thresholds: blocker.Thresholds{
				RedAgeDays:         envInt("RAG_RED_AGE_DAYS", th.RedAgeDays),
				RedCount:           envInt("RAG_RED_COUNT", th.RedCount),
				YellowCount:        envInt("RAG_YELLOW_COUNT", th.YellowCount),
				YellowStaleReviews: envInt("RAG_YELLOW_STALE_REVIEWS", th.YellowStaleReviews),
			},
			StaleReviewDays:  envInt("STALE_REVIEW_DAYS", 3),
			LabelBlocklist:   envList("BLOCKER_LABELS", []string{"blocked", "do-not-merge", "on-hold"}),
			DirectCommitsMax: envInt("REPORT_DIRECT_COMMITS_MAX", 20),
			PolicyFile:       os.Getenv("POLICY_FILE"),
		},
		Summarizer: SummarizerConfig{
			URL:     os.Getenv("SUMMARIZER_URL"),
			Token:   os.Getenv("SUMMARIZER_TOKEN"),
			Timeout: envDuration("SUMMARIZER_TIMEOUT", 30*time.Second),
		},
		Delivery: DeliveryConfig{
			WebhookURL: os.Getenv("DELIVERY_WEBHOOK_URL"),
			Timeout:    envDuration("DELIVERY_TIMEOUT", 30*time.Second),
		},
		Schedule: ScheduleConfig{
			Daily:   envDefault("SCHEDULE_DAILY", "0 9 * * 1-5"),
			Weekly:  envDefault("SCHEDULE_WEEKLY", "0 16 * * 5"),
			Cleanup: envDefault("SCHEDULE_CLEANUP", "30 3 * * *"),
		},
	}

	if cfg.Report.PolicyFile != "" {
		policy, err := LoadPolicy(cfg.Report.PolicyFile)
		if err != nil {
			return Config{}, err
		}
		policy.Apply(&cfg.Report)
	}
	return cfg, nil
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Logger.Validate(); err != nil {
		return fmt.Errorf("logger config: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}
	if err := c.Retention.Validate(); err != nil {
		return fmt.Errorf("retention config: %w", err)
	}
	if err := c.Workers.Validate(); err != nil {
		return fmt.Errorf("workers config: %w", err)
	}
	if c.Ingest.MaxClockSkew < 0 {
		return errors.New("ingest config: max clock skew must not be negative")
	}
	if err := c.Report.Validate(); err != nil {
		return fmt.Errorf("report config: %w", err)
	}
	if c.Summarizer.Timeout <= 0 {
		return errors.New("summarizer config: timeout must be greater than 0")
	}
	if c.Delivery.Timeout <= 0 {
		return errors.New("delivery config: timeout must be greater than 0")
	}
	return nil
}

// Validate checks the listener settings.
func (c ServerConfig) Validate() error {
	if c.Addr == "" {
		return errors.New("API_ADDR is required")
	}
	switch c.GinMode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("invalid GIN_MODE: %s (must be: debug, release, test)", c.GinMode)
	}
	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 || c.ShutdownTimeout <= 0 {
		return errors.New("server timeouts must be greater than 0")
	}
	return nil
}

// Validate checks level and format names.
func (c LoggerConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be: debug, info, warn, error)", c.Level)
	}
	switch c.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format: %s (must be: json, console)", c.Format)
	}
	return nil
}

// IsProduction reports whether the production zap preset applies.
func (c LoggerConfig) IsProduction() bool {
	return c.Format == "json" && c.Level != "debug"
}

// Validate checks the backend name.
func (c StorageConfig) Validate() error {
	switch c.Backend {
	case StorageBackendMemory, StorageBackendKeyDB:
		return nil
	}
	return fmt.Errorf("unsupported STORAGE_BACKEND %q (must be: memory, keydb)", c.Backend)
}

// Validate checks every lifetime is positive.
func (c RetentionConfig) Validate() error {
	if c.ArchivePath == "" {
		return errors.New("RETENTION_ARCHIVE_PATH is required")
	}
	for name, d := range map[string]time.Duration{
		"merged":           c.Merged,
		"closed":           c.Closed,
		"resolved blocker": c.ResolvedBlocker,
		"day index":        c.DayIndex,
		"stale branch":     c.StaleBranch,
	} {
		if d <= 0 {
			return fmt.Errorf("%s retention must be greater than 0", name)
		}
	}
	if c.Archive < 0 {
		return errors.New("archive retention must not be negative")
	}
	return nil
}

// Ledger returns the ledger retention windows.
func (c RetentionConfig) Ledger() ledger.Retention {
	return ledger.Retention{
		Merged:          c.Merged,
		Closed:          c.Closed,
		ResolvedBlocker: c.ResolvedBlocker,
		DayIndex:        c.DayIndex,
		StaleBranch:     c.StaleBranch,
	}
}

// Validate checks pool sizes and retry settings.
func (c WorkersConfig) Validate() error {
	if c.DigestConcurrency < 1 {
		return errors.New("WORKER_CONCURRENCY must be at least 1")
	}
	if c.MaxAttempts < 1 {
		return errors.New("JOB_MAX_ATTEMPTS must be at least 1")
	}
	if c.InitialBackoff <= 0 || c.MaxBackoff < c.InitialBackoff {
		return errors.New("job backoff must be positive and max must not be below initial")
	}
	if c.PollTimeout <= 0 {
		return errors.New("JOB_POLL_TIMEOUT must be greater than 0")
	}
	return nil
}

// Validate checks the time zone, thresholds and review settings.
func (c ReportConfig) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid REPORT_TIMEZONE %q: %w", c.Timezone, err)
	}
	if c.DefaultBranch == "" {
		return errors.New("REPORT_DEFAULT_BRANCH is required")
	}
	if err := c.Thresholds.Validate(); err != nil {
		return err
	}
	if c.StaleReviewDays <= 0 {
		return errors.New("STALE_REVIEW_DAYS must be greater than 0")
	}
	if c.DirectCommitsMax < 0 {
		return errors.New("REPORT_DIRECT_COMMITS_MAX must not be negative")
	}
	return nil
}

// Location resolves the report time zone.
func (c ReportConfig) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

func envDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func envInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return def
}

func envList(key string, def []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

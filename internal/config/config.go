package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Timestamp is a time.Time that decodes from an RFC3339 env value.
// An empty value decodes to the zero time, which disables cutoff filtering.
type Timestamp struct {
	time.Time
}

var _ envconfig.Decoder = (*Timestamp)(nil)

func (t *Timestamp) Decode(value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		t.Time = time.Time{}
		return nil
	}

	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return fmt.Errorf("parsing timestamp %q: %w", value, err)
	}

	t.Time = parsed

	return nil
}

// Config struct for environment variables.
type Config struct {
	CanvasBaseURL string        `envconfig:"CANVAS_BASE_URL" required:"true"`
	CanvasToken   string        `envconfig:"CANVAS_TOKEN" required:"true"`
	PageSize      int           `envconfig:"PAGE_SIZE" default:"50"`
	APITimeout    time.Duration `envconfig:"API_TIMEOUT" default:"30s"`

	ArchiveDir      string `envconfig:"ARCHIVE_DIR" required:"true"`
	CourseFilter    string `envconfig:"COURSE_FILTER"`
	CourseCacheFile string `envconfig:"COURSE_CACHE_FILE" default:"courses.json"`
	UnpackArchives  bool   `envconfig:"UNPACK_ARCHIVES" default:"true"`

	ExportType           string    `envconfig:"EXPORT_TYPE" default:"common_cartridge"`
	ExportCutoff         Timestamp `envconfig:"EXPORT_CUTOFF"`
	SkipNotifications    bool      `envconfig:"SKIP_NOTIFICATIONS" default:"true"`
	IncludeQuizQuestions bool      `envconfig:"INCLUDE_QUIZ_QUESTIONS" default:"true"`

	MaxParallel  int           `envconfig:"MAX_PARALLEL" default:"4"`
	MaxAttempts  int           `envconfig:"MAX_ATTEMPTS" default:"8"`
	BackoffBase  time.Duration `envconfig:"BACKOFF_BASE" default:"2s"`
	BackoffCap   time.Duration `envconfig:"BACKOFF_CAP" default:"2m"`
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"45s"`
	CheckDelay   time.Duration `envconfig:"CHECK_DELAY" default:"1s"`

	LogLevel   string `envconfig:"LOG_LEVEL" default:"INFO"`
	WebhookURL string `envconfig:"WEBHOOK_URL"`
	DBPath     string `envconfig:"DB_PATH" default:"archives.db"`

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8080"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

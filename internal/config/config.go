package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kelseyhightower/envconfig"
)

// ByteSize is a byte count that accepts human strings such as "500MB" or "2GiB".
type ByteSize int64

// Decode implements envconfig.Decoder.
func (b *ByteSize) Decode(value string) error {
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return fmt.Errorf("invalid byte size %q: %w", value, err)
	}

	*b = ByteSize(n)

	return nil
}

// String formats the size for logs.
func (b ByteSize) String() string {
	return humanize.Bytes(uint64(b))
}

// Config struct for environment variables.
type Config struct {
	PutioBaseURL string `envconfig:"PUTIO_BASE_URL"`
	PutioToken   string `envconfig:"PUTIO_TOKEN" required:"true"`

	CacheDir                 string        `envconfig:"CACHE_DIR" default:"./video-cache"`
	MaxCacheSize             ByteSize      `envconfig:"MAX_CACHE_SIZE" default:"500MB"`
	MaxSingleFileCacheSize   ByteSize      `envconfig:"MAX_SINGLE_FILE_CACHE_SIZE" default:"500MB"`
	CleanupThreshold         float64       `envconfig:"CLEANUP_THRESHOLD" default:"0.9"`
	CleanupTarget            float64       `envconfig:"CLEANUP_TARGET" default:"0.7"`
	KeepCachedFor            time.Duration `envconfig:"KEEP_CACHED_FOR" default:"6h"`
	CleanupInterval          time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	CacheProgressInterval    ByteSize      `envconfig:"CACHE_PROGRESS_INTERVAL" default:"100MiB"`
	PreloadEnabled           bool          `envconfig:"PRELOAD_ENABLED" default:"true"`
	PreloadParallel          int           `envconfig:"PRELOAD_PARALLEL" default:"2"`
	PrioritySizeWeight       float64       `envconfig:"PRIORITY_SIZE_WEIGHT" default:"0.6"`
	PriorityPopularityWeight float64       `envconfig:"PRIORITY_POPULARITY_WEIGHT" default:"0.4"`
	PriorityThreshold        float64       `envconfig:"PRIORITY_THRESHOLD" default:"0.5"`
	PopularitySaturation     int           `envconfig:"POPULARITY_SATURATION" default:"10"`

	Origin struct {
		Timeout      time.Duration `split_words:"true" default:"15s"`
		MaxRetries   int           `split_words:"true" default:"2"`
		RetryBackoff time.Duration `split_words:"true" default:"500ms"`
		RateLimit    float64       `split_words:"true" default:"10"`
	}

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`
	DBPath            string `envconfig:"DB_PATH" default:"files.db"`

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"videoproxy"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"0s"`
		IdleTimeout     time.Duration `split_words:"true" default:"60s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.PutioToken) == "" {
		errs = append(errs, errors.New("PUTIO_TOKEN must not be empty"))
	}

	if c.MaxCacheSize <= 0 {
		errs = append(errs, errors.New("MAX_CACHE_SIZE must be positive"))
	}

	if c.MaxSingleFileCacheSize <= 0 {
		errs = append(errs, errors.New("MAX_SINGLE_FILE_CACHE_SIZE must be positive"))
	}

	if c.CleanupThreshold <= 0 || c.CleanupThreshold > 1 {
		errs = append(errs, errors.New("CLEANUP_THRESHOLD must be in (0, 1]"))
	}

	if c.CleanupTarget < 0 || c.CleanupTarget >= c.CleanupThreshold {
		errs = append(errs, errors.New("CLEANUP_TARGET must be in [0, CLEANUP_THRESHOLD)"))
	}

	if c.PriorityThreshold < 0 || c.PriorityThreshold > 1 {
		errs = append(errs, errors.New("PRIORITY_THRESHOLD must be in [0, 1]"))
	}

	if c.PrioritySizeWeight < 0 || c.PriorityPopularityWeight < 0 {
		errs = append(errs, errors.New("priority weights must not be negative"))
	}

	if c.PopularitySaturation <= 0 {
		errs = append(errs, errors.New("POPULARITY_SATURATION must be positive"))
	}

	if c.CacheProgressInterval <= 0 {
		errs = append(errs, errors.New("CACHE_PROGRESS_INTERVAL must be positive"))
	}

	if c.PreloadParallel <= 0 {
		errs = append(errs, errors.New("PRELOAD_PARALLEL must be positive"))
	}

	if c.Origin.MaxRetries < 0 {
		errs = append(errs, errors.New("ORIGIN_MAX_RETRIES must not be negative"))
	}

	return errors.Join(errs...)
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

package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	Src  []string `envconfig:"SRC" required:"true"`
	Dest string   `envconfig:"DEST" required:"true"`

	Overwrite      bool `envconfig:"OVERWRITE" default:"true"`
	OnlyIfModified bool `envconfig:"ONLY_IF_MODIFIED" default:"false"`
	Quiet          bool `envconfig:"QUIET" default:"false"`

	MaxRetries       int           `envconfig:"MAX_RETRIES" default:"3"`
	RetryBackoffBase time.Duration `envconfig:"RETRY_BACKOFF_BASE" default:"500ms"`
	RetryBackoffCap  time.Duration `envconfig:"RETRY_BACKOFF_CAP" default:"30s"`

	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT" default:"30s"`
	ReadTimeout    time.Duration `envconfig:"READ_TIMEOUT" default:"30s"`
	MaxRedirects   int           `envconfig:"MAX_REDIRECTS" default:"10"`

	ProxyURL    string            `envconfig:"PROXY_URL"`
	Username    string            `envconfig:"USERNAME"`
	Password    string            `envconfig:"PASSWORD"`
	BearerToken string            `envconfig:"BEARER_TOKEN"`
	Headers     map[string]string `envconfig:"HEADERS"`

	MaxParallel       int           `envconfig:"MAX_PARALLEL" default:"5"`
	InvocationTimeout time.Duration `envconfig:"INVOCATION_TIMEOUT"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`

	CachePath  string        `envconfig:"CACHE_PATH"`
	StagingTTL time.Duration `envconfig:"STAGING_TTL" default:"1h"`

	WebhookURL string `envconfig:"WEBHOOK_URL"`

	Metrics struct {
		BindAddress string `split_words:"true"`
		ServiceName string `split_words:"true" default:"httpfetch"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("fetch", &cfg); err != nil {
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

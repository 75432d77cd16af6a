package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

const (
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
)

type Config struct {
	ListenAddr string   `env:"XHAKA_LISTEN_ADDR" envDefault:":8080"`
	APIKeys    []string `env:"XHAKA_API_KEYS" envSeparator:","`

	Store        string        `env:"XHAKA_STORE" envDefault:"redis"`
	RedisURL     string        `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	DBPath       string        `env:"XHAKA_DB_PATH" envDefault:"xhaka.db"`
	KeyNamespace string        `env:"XHAKA_KEY_NAMESPACE" envDefault:"xhaka.jobinfo"`
	Retention    time.Duration `env:"XHAKA_RETENTION" envDefault:"1h"`

	SweepInterval  time.Duration `env:"XHAKA_SWEEP_INTERVAL" envDefault:"5m"`
	Concurrency    int           `env:"XHAKA_CONCURRENCY" envDefault:"2"`
	QueueSize      int           `env:"XHAKA_QUEUE_SIZE" envDefault:"100"`
	RecoverOnStart bool          `env:"XHAKA_RECOVER_ON_START" envDefault:"true"`

	// InstanceID names this process among replicas sharing a store; empty
	// means the hostname.
	InstanceID string `env:"XHAKA_INSTANCE_ID"`

	YtDLPPath      string   `env:"XHAKA_YTDLP_PATH" envDefault:"yt-dlp"`
	FFmpegPath     string   `env:"XHAKA_FFMPEG_PATH" envDefault:"ffmpeg"`
	AudioExts      []string `env:"XHAKA_AUDIO_EXTS" envSeparator:"," envDefault:"webm,m4a"`
	UploadEndpoint string   `env:"XHAKA_UPLOAD_ENDPOINT" envDefault:"https://www.googleapis.com/upload/drive/v3/files"`

	RateLimit       int           `env:"XHAKA_RATE_LIMIT" envDefault:"0"`
	CORSOrigins     []string      `env:"XHAKA_CORS_ORIGINS" envSeparator:","`
	ShutdownTimeout time.Duration `env:"XHAKA_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat    string `env:"LOG_FORMAT" envDefault:"json"`
	ServiceName  string `env:"OTEL_SERVICE_NAME" envDefault:"xhaka"`
	Environment  string `env:"XHAKA_ENVIRONMENT" envDefault:"development"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load reads .env when present, then the environment. Variables already set
// in the environment win over the file.
func Load() (*Config, error) {
	return load(true)
}

// LoadTool is Load for one-shot commands that serve no HTTP and so need no
// API keys.
func LoadTool() (*Config, error) {
	return load(false)
}

func load(requireKeys bool) (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}
	if err := cfg.validate(requireKeys); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate(requireKeys bool) error {
	c.APIKeys = trimList(c.APIKeys)
	c.AudioExts = trimList(c.AudioExts)
	c.CORSOrigins = trimList(c.CORSOrigins)
	c.InstanceID = strings.TrimSpace(c.InstanceID)
	if c.InstanceID == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("XHAKA_INSTANCE_ID is unset and the hostname is unavailable: %w", err)
		}
		c.InstanceID = host
	}

	switch {
	case requireKeys && len(c.APIKeys) == 0:
		return errors.New("XHAKA_API_KEYS must contain at least one key")
	case c.Store != StoreRedis && c.Store != StoreSQLite:
		return fmt.Errorf("XHAKA_STORE %q must be one of: redis, sqlite", c.Store)
	case c.Concurrency < 1:
		return errors.New("XHAKA_CONCURRENCY must be > 0")
	case c.QueueSize < 1:
		return errors.New("XHAKA_QUEUE_SIZE must be > 0")
	case c.Retention <= 0:
		return errors.New("XHAKA_RETENTION must be positive")
	case c.SweepInterval <= 0:
		return errors.New("XHAKA_SWEEP_INTERVAL must be positive")
	case c.RateLimit < 0:
		return errors.New("XHAKA_RATE_LIMIT must be >= 0")
	case strings.ContainsAny(c.KeyNamespace, ":*") || c.KeyNamespace == "":
		return fmt.Errorf("XHAKA_KEY_NAMESPACE %q must be non-empty and contain no ':' or '*'", c.KeyNamespace)
	}
	return nil
}

// trimList drops blank entries and surrounding spaces in place.
func trimList(list []string) []string {
	out := list[:0]
	for _, v := range list {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

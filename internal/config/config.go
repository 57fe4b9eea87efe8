// Package config loads service configuration from an optional YAML file and
// EVENTS_-prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment overrides. Nested keys use "__",
// e.g. EVENTS_SLACK__SIGNING_SECRET.
const EnvPrefix = "EVENTS_"

// DefaultPath is the config file read when no path is given.
const DefaultPath = "config.yaml"

type Config struct {
	App       AppConfig       `koanf:"app"`
	Server    ServerConfig    `koanf:"server"`
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	GCP       GCPConfig       `koanf:"gcp"`
	Broker    BrokerConfig    `koanf:"broker"`
	PubSub    PubSubConfig    `koanf:"pubsub"`
	Redis     RedisConfig     `koanf:"redis"`
	Slack     SlackConfig     `koanf:"slack"`
	Email     EmailConfig     `koanf:"email"`
	Gmail     GmailConfig     `koanf:"gmail"`
	Worker    WorkerConfig    `koanf:"worker"`
	Dedup     DedupConfig     `koanf:"dedup"`
}

type AppConfig struct {
	Name    string `koanf:"name"`
	Version string `koanf:"version"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	APIPrefix      string        `koanf:"api_prefix"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

type LogConfig struct {
	Level string `koanf:"level"` // debug, info, warn, error
}

type TelemetryConfig struct {
	Exporter    string `koanf:"exporter"` // none, stdout
	ServiceName string `koanf:"service_name"`
}

type GCPConfig struct {
	ProjectID          string `koanf:"project_id"`
	CredentialsFile    string `koanf:"credentials_file"`
	PubSubEmulatorHost string `koanf:"pubsub_emulator_host"`
}

type BrokerConfig struct {
	Type string `koanf:"type"` // pubsub, redis, memory
}

// PubSubConfig controls the publish deadline and retry budget. The values
// apply to every broker type, not only Google Pub/Sub.
type PubSubConfig struct {
	PublishTimeout time.Duration `koanf:"publish_timeout"`
	MaxAttempts    int           `koanf:"max_attempts"`
	InitialBackoff time.Duration `koanf:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type SlackConfig struct {
	// SigningSecret enables request signature verification. Empty disables it.
	SigningSecret string `koanf:"signing_secret"`
	Topic         string `koanf:"topic"`
}

type EmailConfig struct {
	Topic               string        `koanf:"topic"`
	ProjectID           string        `koanf:"project_id"`
	PushWait            time.Duration `koanf:"push_wait"`
	OrgHeaders          []string      `koanf:"org_headers"`
	BackfillOrder       string        `koanf:"backfill_order"` // thread, recent
	BackfillMaxMessages int           `koanf:"backfill_max_messages"`
}

type GmailConfig struct {
	Enabled         bool          `koanf:"enabled"`
	TokenJSON       string        `koanf:"token_json"`
	CredentialsFile string        `koanf:"credentials_file"`
	User            string        `koanf:"user"`
	RecentWindow    time.Duration `koanf:"recent_window"`
	FetchTimeout    time.Duration `koanf:"fetch_timeout"`
}

type WorkerConfig struct {
	Concurrency    int           `koanf:"concurrency"`
	QueueDepth     int           `koanf:"queue_depth"`
	EnqueueTimeout time.Duration `koanf:"enqueue_timeout"`
	TaskTimeout    time.Duration `koanf:"task_timeout"`
}

type DedupConfig struct {
	Backend    string        `koanf:"backend"` // none, memory, sqlite, redis
	TTL        time.Duration `koanf:"ttl"`
	SQLitePath string        `koanf:"sqlite_path"`
}

var defaults = map[string]any{
	"app.name":                    "events-handler",
	"app.version":                 "1.0.0",
	"server.port":                 8080,
	"server.api_prefix":           "/api/v1",
	"server.request_timeout":      "10s",
	"log.level":                   "info",
	"telemetry.exporter":          "none",
	"telemetry.service_name":      "events-handler",
	"broker.type":                 "pubsub",
	"pubsub.publish_timeout":      "10s",
	"pubsub.max_attempts":         3,
	"pubsub.initial_backoff":      "200ms",
	"pubsub.max_backoff":          "2s",
	"redis.addr":                  "localhost:6379",
	"slack.topic":                 "slack-reply-event",
	"email.topic":                 "app-email-reply-event",
	"email.push_wait":             "20s",
	"email.org_headers":           []string{"X-Org-Id", "X-Organization-Id", "X-Tenant-Id"},
	"email.backfill_order":        "thread",
	"email.backfill_max_messages": 0,
	"gmail.user":                  "me",
	"gmail.recent_window":         "1h",
	"gmail.fetch_timeout":         "10s",
	"worker.concurrency":          8,
	"worker.queue_depth":          256,
	"worker.enqueue_timeout":      "100ms",
	"worker.task_timeout":         "60s",
	"dedup.backend":               "memory",
	"dedup.ttl":                   "10m",
	"dedup.sqlite_path":           "./data/dedup.db",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads config.yaml from the working directory (if present) and the
// environment.
func Load() (*Config, error) {
	return LoadFile(DefaultPath)
}

// LoadFile reads the given YAML file (missing is fine) and then applies
// environment overrides and defaults.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Slack.SigningSecret = substituteEnvVars(cfg.Slack.SigningSecret)
	cfg.Gmail.TokenJSON = substituteEnvVars(cfg.Gmail.TokenJSON)
	cfg.Redis.Password = substituteEnvVars(cfg.Redis.Password)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	switch c.Broker.Type {
	case "pubsub", "redis", "memory":
	default:
		return fmt.Errorf("config: unknown broker type %q", c.Broker.Type)
	}
	switch c.Dedup.Backend {
	case "none", "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("config: unknown dedup backend %q", c.Dedup.Backend)
	}
	switch c.Email.BackfillOrder {
	case "thread", "recent":
	default:
		return fmt.Errorf("config: unknown email backfill order %q", c.Email.BackfillOrder)
	}
	if c.Broker.Type == "pubsub" && c.GCP.ProjectID == "" {
		return fmt.Errorf("config: gcp.project_id is required for the pubsub broker")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("config: worker.concurrency must be positive")
	}
	if c.PubSub.MaxAttempts <= 0 {
		return fmt.Errorf("config: pubsub.max_attempts must be positive")
	}
	return nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

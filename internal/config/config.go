package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds all taskwatch configuration from environment variables.
type Config struct {
	// HTTP API
	ListenAddr string

	// Storage
	DBPath string

	// Upstream task service
	StatusURL      string // base URL for one-shot task status probes, "" disables probing
	UpstreamToken  string // static bearer token for SSE and probe requests
	OAuthTokenURL  string // OAuth2 client-credentials token endpoint, "" disables
	OAuthClientID  string
	OAuthSecret    string
	OAuthScopes    []string
	RequestTimeout time.Duration // probe requests and SSE dial (headers, not the stream)

	// Reconnect policy
	BackoffBase  time.Duration // first retry delay
	BackoffCap   time.Duration // delay ceiling
	RetryBudget  int           // reconnect attempts before giving up
	HealthyAfter time.Duration // connected time after which the attempt counter resets

	// Default terminal event types, overridable per watch
	CompleteEvents []string
	FailEvents     []string

	// Reconciliation sweep
	SweepInterval time.Duration
	SweepCron     string // optional cron expression, takes precedence over the interval

	// Event history
	HistoryLimit int // retained events per task

	// Boot manifest
	ManifestPath string

	// Notifications
	NotifyLog    bool
	NotifyEvents []string // event types to notify on, empty = all
	WebhookURL   string
	WebhookToken string
	MQTTBroker   string
	MQTTTopic    string
	MQTTUsername string
	MQTTPassword string
	MQTTQoS      int

	// Control API auth
	AuthMode     string // "none", "token", or "oidc"
	APIToken     string // bootstrap bearer token for token mode
	OIDCIssuer   string
	OIDCAudience string

	// Inbound task-announcement hook
	HookSecret string // HMAC key for /hooks/tasks, "" disables the route

	// Metrics
	TextfilePath string // optional Prometheus textfile export target

	// Logging
	LogJSON bool
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		ListenAddr:     envStr("TASKWATCH_LISTEN_ADDR", ":8600"),
		DBPath:         envStr("TASKWATCH_DB_PATH", "/data/taskwatch.db"),
		StatusURL:      envStr("TASKWATCH_STATUS_URL", ""),
		UpstreamToken:  envStr("TASKWATCH_UPSTREAM_TOKEN", ""),
		OAuthTokenURL:  envStr("TASKWATCH_OAUTH_TOKEN_URL", ""),
		OAuthClientID:  envStr("TASKWATCH_OAUTH_CLIENT_ID", ""),
		OAuthSecret:    envStr("TASKWATCH_OAUTH_CLIENT_SECRET", ""),
		OAuthScopes:    envList("TASKWATCH_OAUTH_SCOPES", nil),
		RequestTimeout: envDuration("TASKWATCH_REQUEST_TIMEOUT", 15*time.Second),
		BackoffBase:    envDuration("TASKWATCH_BACKOFF_BASE", time.Second),
		BackoffCap:     envDuration("TASKWATCH_BACKOFF_CAP", 30*time.Second),
		RetryBudget:    envInt("TASKWATCH_RETRY_BUDGET", 10),
		HealthyAfter:   envDuration("TASKWATCH_HEALTHY_AFTER", time.Minute),
		CompleteEvents: envList("TASKWATCH_COMPLETE_EVENTS", []string{"task_completed"}),
		FailEvents:     envList("TASKWATCH_FAIL_EVENTS", []string{"task_failed"}),
		SweepInterval:  envDuration("TASKWATCH_SWEEP_INTERVAL", 5*time.Minute),
		SweepCron:      envStr("TASKWATCH_SWEEP_CRON", ""),
		HistoryLimit:   envInt("TASKWATCH_HISTORY_LIMIT", 200),
		ManifestPath:   envStr("TASKWATCH_MANIFEST", ""),
		NotifyLog:      envBool("TASKWATCH_NOTIFY_LOG", true),
		NotifyEvents:   envList("TASKWATCH_NOTIFY_EVENTS", nil),
		WebhookURL:     envStr("TASKWATCH_NOTIFY_WEBHOOK_URL", ""),
		WebhookToken:   envStr("TASKWATCH_NOTIFY_WEBHOOK_TOKEN", ""),
		MQTTBroker:     envStr("TASKWATCH_NOTIFY_MQTT_BROKER", ""),
		MQTTTopic:      envStr("TASKWATCH_NOTIFY_MQTT_TOPIC", "taskwatch/events"),
		MQTTUsername:   envStr("TASKWATCH_NOTIFY_MQTT_USERNAME", ""),
		MQTTPassword:   envStr("TASKWATCH_NOTIFY_MQTT_PASSWORD", ""),
		MQTTQoS:        envInt("TASKWATCH_NOTIFY_MQTT_QOS", 1),
		AuthMode:       envStr("TASKWATCH_AUTH_MODE", "none"),
		APIToken:       envStr("TASKWATCH_API_TOKEN", ""),
		OIDCIssuer:     envStr("TASKWATCH_OIDC_ISSUER", ""),
		OIDCAudience:   envStr("TASKWATCH_OIDC_AUDIENCE", ""),
		HookSecret:     envStr("TASKWATCH_HOOK_SECRET", ""),
		TextfilePath:   envStr("TASKWATCH_TEXTFILE_PATH", ""),
		LogJSON:        envBool("TASKWATCH_LOG_JSON", true),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("TASKWATCH_LISTEN_ADDR must not be empty"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("TASKWATCH_REQUEST_TIMEOUT must be > 0, got %s", c.RequestTimeout))
	}
	if c.BackoffBase <= 0 {
		errs = append(errs, fmt.Errorf("TASKWATCH_BACKOFF_BASE must be > 0, got %s", c.BackoffBase))
	}
	if c.BackoffCap < c.BackoffBase {
		errs = append(errs, fmt.Errorf("TASKWATCH_BACKOFF_CAP must be >= base, got %s", c.BackoffCap))
	}
	if c.RetryBudget < 1 {
		errs = append(errs, fmt.Errorf("TASKWATCH_RETRY_BUDGET must be >= 1, got %d", c.RetryBudget))
	}
	if c.HealthyAfter < 0 {
		errs = append(errs, fmt.Errorf("TASKWATCH_HEALTHY_AFTER must be >= 0, got %s", c.HealthyAfter))
	}
	if len(c.CompleteEvents) == 0 {
		errs = append(errs, errors.New("TASKWATCH_COMPLETE_EVENTS must name at least one event type"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("TASKWATCH_SWEEP_INTERVAL must be > 0, got %s", c.SweepInterval))
	}
	if c.SweepCron != "" {
		if _, err := cron.ParseStandard(c.SweepCron); err != nil {
			errs = append(errs, fmt.Errorf("TASKWATCH_SWEEP_CRON invalid: %v", err))
		}
	}
	if c.HistoryLimit < 1 {
		errs = append(errs, fmt.Errorf("TASKWATCH_HISTORY_LIMIT must be >= 1, got %d", c.HistoryLimit))
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		errs = append(errs, fmt.Errorf("TASKWATCH_NOTIFY_MQTT_QOS must be 0, 1, or 2, got %d", c.MQTTQoS))
	}
	switch c.AuthMode {
	case "none", "token", "oidc":
		// valid
	default:
		errs = append(errs, fmt.Errorf("TASKWATCH_AUTH_MODE must be none, token, or oidc, got %q", c.AuthMode))
	}
	if c.AuthMode == "oidc" {
		if c.OIDCIssuer == "" {
			errs = append(errs, errors.New("TASKWATCH_OIDC_ISSUER required when auth mode is oidc"))
		}
		if c.OIDCAudience == "" {
			errs = append(errs, errors.New("TASKWATCH_OIDC_AUDIENCE required when auth mode is oidc"))
		}
	}
	if c.OAuthTokenURL != "" && c.OAuthClientID == "" {
		errs = append(errs, errors.New("TASKWATCH_OAUTH_CLIENT_ID required when a token URL is set"))
	}
	return errors.Join(errs...)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// envList parses a comma-separated value, trimming blanks.
func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

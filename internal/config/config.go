// Package config provides application configuration and the static protocol
// tables (endpoints, header templates, model mappings) consumed as data by
// the rest of the client.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AskTransport selects which generation of the ask protocol is used for
// query submission. Both generations drive the same query state machine.
type AskTransport string

const (
	// TransportChannel submits queries as correlated frames over the
	// persistent channel and receives answer chunks in-band.
	TransportChannel AskTransport = "channel"
	// TransportSSE submits queries over HTTP and reads a line-delimited
	// event stream from the response body.
	TransportSSE AskTransport = "sse"
)

// Config holds all application configuration.
type Config struct {
	BaseURL       string
	SocketIOPath  string
	EmailnatorURL string

	AskTransport AskTransport

	// Gateway settings.
	Port        string
	FrontendURL string

	// Account ledger. Empty LedgerPath disables persistence.
	LedgerPath string

	// Optional JSON cookie files. MailboxCookiesFile authenticates the
	// disposable-inbox provider; SessionCookiesFile seeds one owned
	// identity that bypasses quota tracking.
	MailboxCookiesFile string
	SessionCookiesFile string

	// Pool targets and provisioning behaviour.
	PoolPremiumTarget        int
	PoolUploadTarget         int
	ProvisionWorkers         int
	ProvisionMaxFailures     int
	ProvisionBreakerCooldown time.Duration
	DispatchInterval         time.Duration

	// Timeouts.
	HandshakeTimeout time.Duration
	AnswerTimeout    time.Duration
	MailTimeout      time.Duration
	MailPollInterval time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		BaseURL:       getEnv("PPLX_BASE_URL", "https://www.perplexity.ai"),
		SocketIOPath:  getEnv("PPLX_SOCKETIO_PATH", "/socket.io/"),
		EmailnatorURL: getEnv("PPLX_EMAILNATOR_URL", "https://www.emailnator.com"),

		AskTransport: AskTransport(getEnv("PPLX_ASK_TRANSPORT", string(TransportSSE))),

		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),

		LedgerPath: getEnv("PPLX_LEDGER_PATH", ""),

		MailboxCookiesFile: getEnv("PPLX_MAILBOX_COOKIES_FILE", ""),
		SessionCookiesFile: getEnv("PPLX_SESSION_COOKIES_FILE", ""),

		PoolPremiumTarget:        getEnvInt("PPLX_POOL_PREMIUM_TARGET", 10),
		PoolUploadTarget:         getEnvInt("PPLX_POOL_UPLOAD_TARGET", 5),
		ProvisionWorkers:         getEnvInt("PPLX_PROVISION_WORKERS", 1),
		ProvisionMaxFailures:     getEnvInt("PPLX_PROVISION_MAX_FAILURES", 5),
		ProvisionBreakerCooldown: getEnvDuration("PPLX_PROVISION_COOLDOWN", 5*time.Minute),
		DispatchInterval:         getEnvDuration("PPLX_DISPATCH_INTERVAL", 100*time.Millisecond),

		HandshakeTimeout: getEnvDuration("PPLX_HANDSHAKE_TIMEOUT", 30*time.Second),
		AnswerTimeout:    getEnvDuration("PPLX_ANSWER_TIMEOUT", 5*time.Minute),
		MailTimeout:      getEnvDuration("PPLX_MAIL_TIMEOUT", 20*time.Second),
		MailPollInterval: getEnvDuration("PPLX_MAIL_POLL_INTERVAL", 5*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("PPLX_BASE_URL cannot be empty")
	}
	if c.EmailnatorURL == "" {
		return fmt.Errorf("PPLX_EMAILNATOR_URL cannot be empty")
	}
	if c.AskTransport != TransportChannel && c.AskTransport != TransportSSE {
		return fmt.Errorf("PPLX_ASK_TRANSPORT must be %q or %q", TransportChannel, TransportSSE)
	}
	if c.PoolPremiumTarget < 0 || c.PoolUploadTarget < 0 {
		return fmt.Errorf("pool targets cannot be negative")
	}
	if c.ProvisionWorkers < 1 {
		return fmt.Errorf("PPLX_PROVISION_WORKERS must be >= 1")
	}
	if c.DispatchInterval <= 0 {
		return fmt.Errorf("PPLX_DISPATCH_INTERVAL must be > 0")
	}
	return nil
}

// SocketIOURL returns the polling handshake endpoint.
func (c *Config) SocketIOURL() string {
	return c.BaseURL + c.SocketIOPath
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

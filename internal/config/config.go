// Package config loads service configuration from the environment, with an
// optional YAML overlay pointed at by CONFIG_FILE. Environment variables are
// the primary source; the overlay exists for local development where a file
// is easier to edit than a dozen exports.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/key_custodian/pkg/logger"
)

// GatewayConfig holds everything the API service needs to run.
type GatewayConfig struct {
	Port           int    `env:"API_PORT,default=8080" yaml:"port"`
	EnclaveBaseURL string `env:"ENCLAVE_BASE_URL,default=http://127.0.0.1:8081" yaml:"enclave_base_url"`
	InternalAPIKey string `env:"INTERNAL_API_KEY" yaml:"internal_api_key"`

	SessionSigningSecret string `env:"SESSION_SIGNING_SECRET" yaml:"session_signing_secret"`
	TicketSigningSecret  string `env:"TICKET_SIGNING_SECRET" yaml:"ticket_signing_secret"`

	SessionTTLSeconds   int `env:"SESSION_TTL_SECONDS,default=3600" yaml:"session_ttl_seconds"`
	TicketTTLSeconds    int `env:"TICKET_TTL_SECONDS,default=90" yaml:"ticket_ttl_seconds"`
	ChallengeTTLSeconds int `env:"CHALLENGE_TTL_SECONDS,default=300" yaml:"challenge_ttl_seconds"`

	RateLimitWindowMS        int `env:"RATE_LIMIT_WINDOW_MS,default=60000" yaml:"rate_limit_window_ms"`
	RateLimitPerUser         int `env:"RATE_LIMIT_PER_USER,default=30" yaml:"rate_limit_per_user"`
	RateLimitPerIdentitySign int `env:"RATE_LIMIT_PER_IDENTITY_SIGN,default=60" yaml:"rate_limit_per_identity_sign"`

	// DatabaseURL selects the postgres store when set; the in-memory store
	// is used otherwise.
	DatabaseURL    string `env:"DATABASE_URL" yaml:"database_url"`
	BackupFilePath string `env:"BACKUP_FILE_PATH,default=./key_backups.json" yaml:"backup_file_path"`

	BotAPIKey       string `env:"BOT_API_KEY" yaml:"bot_api_key"`
	BotDeepLinkBase string `env:"BOT_DEEP_LINK_BASE,default=https://t.me/custodian_bot" yaml:"bot_deep_link_base"`

	JanitorSchedule    string `env:"JANITOR_SCHEDULE,default=@every 1m" yaml:"janitor_schedule"`
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" yaml:"cors_allowed_origins"`

	Logging logger.LoggingConfig `yaml:"logging"`
}

// EnclaveConfig holds everything the enclave service needs to run.
type EnclaveConfig struct {
	Port                int     `env:"ENCLAVE_PORT,default=8081" yaml:"port"`
	InternalAPIKey      string  `env:"INTERNAL_API_KEY" yaml:"internal_api_key"`
	TicketSigningSecret string  `env:"TICKET_SIGNING_SECRET" yaml:"ticket_signing_secret"`
	SealingKey          string  `env:"SEALING_KEY" yaml:"sealing_key"`
	KMSKeyARN           string  `env:"KMS_KEY_ARN" yaml:"kms_key_arn"`
	AWSRegion           string  `env:"AWS_REGION" yaml:"aws_region"`
	RateLimitRPS        float64 `env:"ENCLAVE_RATE_LIMIT_RPS,default=0" yaml:"rate_limit_rps"`
	AuditLogPath        string  `env:"ENCLAVE_AUDIT_LOG" yaml:"audit_log_path"`

	Logging logger.LoggingConfig `yaml:"logging"`
}

// LoadGateway reads the gateway configuration from the environment and the
// optional CONFIG_FILE overlay, then validates it.
func LoadGateway() (*GatewayConfig, error) {
	var cfg GatewayConfig
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode gateway env: %w", err)
	}
	if err := applyOverlay(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadEnclave reads the enclave configuration from the environment and the
// optional CONFIG_FILE overlay, then validates it.
func LoadEnclave() (*EnclaveConfig, error) {
	var cfg EnclaveConfig
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode enclave env: %w", err)
	}
	if err := applyOverlay(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyOverlay merges the YAML file named by CONFIG_FILE over cfg. Values
// present in the file win over environment values.
func applyOverlay(cfg interface{}) error {
	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate rejects configurations the gateway must not start with. The two
// signing secrets are mandatory and must differ so a session token can never
// pass ticket verification.
func (c *GatewayConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("API_PORT %d out of range", c.Port)
	}
	if c.InternalAPIKey == "" {
		return fmt.Errorf("INTERNAL_API_KEY is required")
	}
	if c.SessionSigningSecret == "" {
		return fmt.Errorf("SESSION_SIGNING_SECRET is required")
	}
	if c.TicketSigningSecret == "" {
		return fmt.Errorf("TICKET_SIGNING_SECRET is required")
	}
	if c.SessionSigningSecret == c.TicketSigningSecret {
		return fmt.Errorf("SESSION_SIGNING_SECRET and TICKET_SIGNING_SECRET must differ")
	}
	if c.SessionTTLSeconds <= 0 {
		return fmt.Errorf("SESSION_TTL_SECONDS must be positive")
	}
	if c.TicketTTLSeconds <= 0 {
		return fmt.Errorf("TICKET_TTL_SECONDS must be positive")
	}
	if c.ChallengeTTLSeconds <= 0 {
		return fmt.Errorf("CHALLENGE_TTL_SECONDS must be positive")
	}
	if c.RateLimitWindowMS <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW_MS must be positive")
	}
	if c.RateLimitPerUser < 1 {
		return fmt.Errorf("RATE_LIMIT_PER_USER must be at least 1")
	}
	if c.RateLimitPerIdentitySign < 1 {
		return fmt.Errorf("RATE_LIMIT_PER_IDENTITY_SIGN must be at least 1")
	}
	return nil
}

// Validate rejects configurations the enclave must not start with.
func (c *EnclaveConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("ENCLAVE_PORT %d out of range", c.Port)
	}
	if c.InternalAPIKey == "" {
		return fmt.Errorf("INTERNAL_API_KEY is required")
	}
	if c.TicketSigningSecret == "" {
		return fmt.Errorf("TICKET_SIGNING_SECRET is required")
	}
	if c.KMSKeyARN != "" && c.AWSRegion == "" {
		return fmt.Errorf("AWS_REGION is required when KMS_KEY_ARN is set")
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("ENCLAVE_RATE_LIMIT_RPS must not be negative")
	}
	return nil
}

// Addr returns the listen address for the gateway HTTP server.
func (c *GatewayConfig) Addr() string { return fmt.Sprintf(":%d", c.Port) }

// Addr returns the listen address for the enclave HTTP server.
func (c *EnclaveConfig) Addr() string { return fmt.Sprintf(":%d", c.Port) }

// SessionTTL returns the lifetime of session tokens.
func (c *GatewayConfig) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

// TicketTTL returns the lifetime of sign tickets.
func (c *GatewayConfig) TicketTTL() time.Duration {
	return time.Duration(c.TicketTTLSeconds) * time.Second
}

// ChallengeTTL returns the lifetime of auth challenges.
func (c *GatewayConfig) ChallengeTTL() time.Duration {
	return time.Duration(c.ChallengeTTLSeconds) * time.Second
}

// RateLimitWindow returns the sliding window used by the request limiter.
func (c *GatewayConfig) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowMS) * time.Millisecond
}

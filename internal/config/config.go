// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultTokenScope is the scope requested in the client-credentials exchange so the token is
// accepted by the IdP management API.
const DefaultTokenScope = "openid urn:zitadel:iam:org:project:id:zitadel:aud"

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the webhook HTTP server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DatabaseURL is the Postgres DSN.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// IDPBaseURL is the IdP base URL (e.g. https://auth.example.com). Also the expected webhook token issuer.
	IDPBaseURL string `mapstructure:"IDP_BASE_URL"`
	// IDPAPIVersion is the management API version segment (e.g. "v1").
	IDPAPIVersion string `mapstructure:"IDP_API_VERSION"`
	// IDPClientID and IDPClientSecret are the service-account client credentials.
	IDPClientID     string `mapstructure:"IDP_CLIENT_ID"`
	IDPClientSecret string `mapstructure:"IDP_CLIENT_SECRET"`
	// IDPTokenEndpoint is the OAuth token endpoint used for the client-credentials exchange.
	IDPTokenEndpoint string `mapstructure:"IDP_TOKEN_ENDPOINT"`
	// IDPTokenScope is the space-separated scope list for the exchange.
	IDPTokenScope string `mapstructure:"IDP_TOKEN_SCOPE"`
	// IDPHTTPTimeout bounds every IdP call (e.g. "15s").
	IDPHTTPTimeout string `mapstructure:"IDP_HTTP_TIMEOUT"`

	// RedisAddr enables the shared token store when set (e.g. localhost:6379).
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	// KafkaBrokers is a comma-separated list of Kafka broker addresses (e.g. "localhost:9092").
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// SyncTopic carries sync and migration envelopes.
	SyncTopic string `mapstructure:"SYNC_KAFKA_TOPIC"`
	// KafkaGroupID is the consumer group ID for the sync worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
	// QueueMaxAttempts is how many times the worker runs a handler before giving up on a message.
	QueueMaxAttempts int `mapstructure:"QUEUE_MAX_ATTEMPTS"`

	// WebhookSecret is the HS256 key IdP actions sign webhook tokens with. Required in production.
	WebhookSecret string `mapstructure:"WEBHOOK_SECRET"`
	// ClientDomains maps callback hosts to client ids: "alumni.example.com=client-1,other.org=client-2".
	ClientDomains string `mapstructure:"CLIENT_DOMAINS"`
	// BcryptCost is the bcrypt cost factor (4–31); default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`

	// OTLPEndpoint is the OTLP gRPC collector endpoint; empty disables export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext gRPC to the collector.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
}

// IDPConfig is the subset of configuration the IdP client and token cache need.
type IDPConfig struct {
	BaseURL       string
	APIVersion    string
	ClientID      string
	ClientSecret  string
	TokenEndpoint string
	Scopes        []string
	Timeout       time.Duration
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("IDP_BASE_URL", "")
	v.SetDefault("IDP_API_VERSION", "v1")
	v.SetDefault("IDP_CLIENT_ID", "")
	v.SetDefault("IDP_CLIENT_SECRET", "")
	v.SetDefault("IDP_TOKEN_ENDPOINT", "")
	v.SetDefault("IDP_TOKEN_SCOPE", DefaultTokenScope)
	v.SetDefault("IDP_HTTP_TIMEOUT", "15s")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("SYNC_KAFKA_TOPIC", "idp-sync")
	v.SetDefault("KAFKA_GROUP_ID", "idp-sync-worker")
	v.SetDefault("QUEUE_MAX_ATTEMPTS", 5)
	v.SetDefault("WEBHOOK_SECRET", "")
	v.SetDefault("CLIENT_DOMAINS", "")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}

	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = 12
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, errors.New("config: BCRYPT_COST must be between 4 and 31")
	}

	if cfg.QueueMaxAttempts <= 0 {
		cfg.QueueMaxAttempts = 5
	}

	if cfg.IDPBaseURL != "" {
		u, err := url.Parse(cfg.IDPBaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("config: IDP_BASE_URL %q is not an absolute URL", cfg.IDPBaseURL)
		}
	}

	if cfg.Env == "production" && cfg.WebhookSecret == "" {
		return nil, errors.New("config: WEBHOOK_SECRET must be set when APP_ENV=production")
	}

	return &cfg, nil
}

// ValidateIDP reports whether the IdP credentials needed by the worker are present.
func (c *Config) ValidateIDP() error {
	var missing []string
	if c.IDPBaseURL == "" {
		missing = append(missing, "IDP_BASE_URL")
	}
	if c.IDPClientID == "" {
		missing = append(missing, "IDP_CLIENT_ID")
	}
	if c.IDPClientSecret == "" {
		missing = append(missing, "IDP_CLIENT_SECRET")
	}
	if c.IDPTokenEndpoint == "" {
		missing = append(missing, "IDP_TOKEN_ENDPOINT")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: %s must be set", strings.Join(missing, ", "))
	}
	return nil
}

// IDPTimeout parses IDPHTTPTimeout as a time.Duration. Returns 15s if unset or invalid.
func (c *Config) IDPTimeout() time.Duration {
	d, err := time.ParseDuration(c.IDPHTTPTimeout)
	if err != nil || d <= 0 {
		return 15 * time.Second
	}
	return d
}

// IDP returns the injected configuration for the IdP client and token cache.
func (c *Config) IDP() IDPConfig {
	return IDPConfig{
		BaseURL:       strings.TrimSuffix(c.IDPBaseURL, "/"),
		APIVersion:    c.IDPAPIVersion,
		ClientID:      c.IDPClientID,
		ClientSecret:  c.IDPClientSecret,
		TokenEndpoint: c.IDPTokenEndpoint,
		Scopes:        strings.Fields(c.IDPTokenScope),
		Timeout:       c.IDPTimeout(),
	}
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
func (c *Config) KafkaBrokersList() []string {
	return splitList(c.KafkaBrokers)
}

// ClientDomainMap parses ClientDomains into host -> client id. Malformed pairs are skipped.
func (c *Config) ClientDomainMap() map[string]string {
	out := make(map[string]string)
	for _, pair := range splitList(c.ClientDomains) {
		host, clientID, ok := strings.Cut(pair, "=")
		host, clientID = strings.TrimSpace(host), strings.TrimSpace(clientID)
		if !ok || host == "" || clientID == "" {
			continue
		}
		out[strings.ToLower(host)] = clientID
	}
	return out
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Package config loads and validates the calsync YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// WebhookPath is the route provider push notifications are delivered to,
// appended to WebhookBaseURL when registering a watch channel.
const WebhookPath = "/webhook/google"

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// ListenAddr is the address the HTTP server binds to. Defaults to ":8085".
	ListenAddr string `yaml:"listen_addr"`

	// WebhookBaseURL is the public base URL this service is reachable at
	// (e.g. "https://sync.example.com"). Google delivers push notifications
	// to WebhookBaseURL + WebhookPath, and requires HTTPS.
	WebhookBaseURL string `yaml:"webhook_base_url"`

	// ItemServiceURL is the base URL of the item service REST API.
	ItemServiceURL string `yaml:"item_service_url"`

	// AuthServiceURL is the base URL of the credential service.
	AuthServiceURL string `yaml:"auth_service_url"`

	// ServiceSecret authenticates service-to-service calls to the credential
	// service. Environment references are expanded, so the secret can stay
	// out of the file: service_secret: "${CALSYNC_SERVICE_SECRET}".
	ServiceSecret string `yaml:"service_secret"`

	// CalendarID is the provider calendar to sync. Defaults to "primary".
	CalendarID string `yaml:"calendar_id"`

	// RenewalInterval controls how often expiring watch channels are swept.
	// Minimum 1m, maximum 24h. Defaults to 1h if unset.
	RenewalInterval time.Duration `yaml:"renewal_interval"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "calsync".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request. Equivalent to the OTEL_EXPORTER_OTLP_HEADERS environment
	// variable. Use this for authentication tokens, e.g.:
	//   Authorization: "Bearer <token>"
	Headers map[string]string `yaml:"headers,omitempty"`
}

// WebhookURL returns the full notification delivery address registered with
// the provider.
func (c *Config) WebhookURL() string {
	return strings.TrimRight(c.WebhookBaseURL, "/") + WebhookPath
}

// DefaultPath returns the default config file path: ~/.config/calsync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "calsync", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	cfg.ServiceSecret = os.ExpandEnv(cfg.ServiceSecret)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required fields are present and well-formed.
func (c *Config) validate() error {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8085"
	}

	if c.WebhookBaseURL == "" {
		return fmt.Errorf("webhook_base_url is required")
	}
	u, err := url.ParseRequestURI(c.WebhookBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("webhook_base_url %q must be a valid http or https URL", c.WebhookBaseURL)
	}

	if err := validateServiceURL("item_service_url", c.ItemServiceURL); err != nil {
		return err
	}
	if err := validateServiceURL("auth_service_url", c.AuthServiceURL); err != nil {
		return err
	}

	if c.ServiceSecret == "" {
		return fmt.Errorf("service_secret is required (set it directly or via an environment reference)")
	}

	if c.CalendarID == "" {
		c.CalendarID = "primary"
	}

	if c.RenewalInterval == 0 {
		c.RenewalInterval = time.Hour
	}
	if c.RenewalInterval < time.Minute {
		return fmt.Errorf("renewal_interval %v is too short (minimum 1m)", c.RenewalInterval)
	}
	if c.RenewalInterval > 24*time.Hour {
		return fmt.Errorf("renewal_interval %v is too long (maximum 24h)", c.RenewalInterval)
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}

func validateServiceURL(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", name)
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%s %q must be a valid http or https URL", name, raw)
	}
	return nil
}

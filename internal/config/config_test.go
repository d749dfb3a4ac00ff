package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("creating temp config: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	f.Close()
	return f.Name()
}

const validBody = `
webhook_base_url: "https://sync.example.com"
item_service_url: "http://items.internal:8080"
auth_service_url: "http://auth.internal:8081"
service_secret: "s3cret"
`

func TestLoad_Valid(t *testing.T) {
	path := writeConfig(t, validBody+`
listen_addr: ":9090"
calendar_id: "work@example.com"
renewal_interval: 30m
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want :9090", cfg.ListenAddr)
	}
	if cfg.CalendarID != "work@example.com" {
		t.Errorf("CalendarID = %q", cfg.CalendarID)
	}
	if cfg.RenewalInterval != 30*time.Minute {
		t.Errorf("RenewalInterval = %v, want 30m", cfg.RenewalInterval)
	}
	if got := cfg.WebhookURL(); got != "https://sync.example.com/webhook/google" {
		t.Errorf("WebhookURL = %q", got)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validBody))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != ":8085" {
		t.Errorf("ListenAddr = %q, want default :8085", cfg.ListenAddr)
	}
	if cfg.CalendarID != "primary" {
		t.Errorf("CalendarID = %q, want default primary", cfg.CalendarID)
	}
	if cfg.RenewalInterval != time.Hour {
		t.Errorf("RenewalInterval = %v, want default 1h", cfg.RenewalInterval)
	}
}

func TestLoad_ServiceSecretFromEnv(t *testing.T) {
	t.Setenv("CALSYNC_TEST_SECRET", "from-env")
	path := writeConfig(t, `
webhook_base_url: "https://sync.example.com"
item_service_url: "http://items.internal:8080"
auth_service_url: "http://auth.internal:8081"
service_secret: "${CALSYNC_TEST_SECRET}"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ServiceSecret != "from-env" {
		t.Errorf("ServiceSecret = %q, want from-env", cfg.ServiceSecret)
	}
}

func TestLoad_RequiredFields(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing webhook_base_url", `
item_service_url: "http://items.internal:8080"
auth_service_url: "http://auth.internal:8081"
service_secret: "s"
`},
		{"invalid webhook_base_url", `
webhook_base_url: "not-a-url"
item_service_url: "http://items.internal:8080"
auth_service_url: "http://auth.internal:8081"
service_secret: "s"
`},
		{"missing item_service_url", `
webhook_base_url: "https://sync.example.com"
auth_service_url: "http://auth.internal:8081"
service_secret: "s"
`},
		{"missing auth_service_url", `
webhook_base_url: "https://sync.example.com"
item_service_url: "http://items.internal:8080"
service_secret: "s"
`},
		{"missing service_secret", `
webhook_base_url: "https://sync.example.com"
item_service_url: "http://items.internal:8080"
auth_service_url: "http://auth.internal:8081"
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestLoad_RenewalIntervalBounds(t *testing.T) {
	if _, err := Load(writeConfig(t, validBody+"renewal_interval: 10s\n")); err == nil {
		t.Fatal("expected error for renewal_interval < 1m, got nil")
	}
	if _, err := Load(writeConfig(t, validBody+"renewal_interval: 48h\n")); err == nil {
		t.Fatal("expected error for renewal_interval > 24h, got nil")
	}
}

func TestLoad_UnknownKey(t *testing.T) {
	if _, err := Load(writeConfig(t, validBody+"unknown_field: oops\n")); err == nil {
		t.Fatal("expected error for unknown config key, got nil")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml")); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestDefaultPath(t *testing.T) {
	path, err := DefaultPath()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path == "" {
		t.Error("DefaultPath returned empty string")
	}
}

func TestLoad_TelemetryValid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validBody+`
telemetry:
  otlp_endpoint: "localhost:4317"
  insecure: true
  service_name: "my-calsync"
  headers:
    Authorization: "Bearer secret"
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telemetry == nil {
		t.Fatal("expected Telemetry to be non-nil")
	}
	if cfg.Telemetry.OTLPEndpoint != "localhost:4317" {
		t.Errorf("OTLPEndpoint = %q", cfg.Telemetry.OTLPEndpoint)
	}
	if !cfg.Telemetry.Insecure {
		t.Error("Insecure = false, want true")
	}
	if cfg.Telemetry.ServiceName != "my-calsync" {
		t.Errorf("ServiceName = %q", cfg.Telemetry.ServiceName)
	}
	if cfg.Telemetry.Headers["Authorization"] != "Bearer secret" {
		t.Errorf("Authorization header = %q", cfg.Telemetry.Headers["Authorization"])
	}
}

func TestLoad_TelemetryOmitted(t *testing.T) {
	cfg, err := Load(writeConfig(t, validBody))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telemetry != nil {
		t.Error("expected Telemetry to be nil when block is omitted")
	}
}

func TestLoad_TelemetryMissingEndpoint(t *testing.T) {
	if _, err := Load(writeConfig(t, validBody+"telemetry:\n  insecure: true\n")); err == nil {
		t.Fatal("expected error for telemetry missing otlp_endpoint, got nil")
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// validJWTSecret meets the 32-character minimum requirement.
const validJWTSecret = "test-secret-key-at-least-32-chars!"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
site:
  id: "tank-room"
database:
  path: "/tmp/test.db"
mqtt:
  broker:
    host: "localhost"
    port: 1883
    tls: false
    client_id: "test-client"
  namespace: "aquafeed"
  reconnect:
    backoff: 500ms
ingest:
  workers: 8
  enqueue_timeout: 100ms
commands:
  delivery: broker_ack
  publish_timeout: 2s
security:
  jwt:
    secret: "test-secret-key-at-least-32-chars!"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "tank-room" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "tank-room")
	}
	if cfg.MQTT.Broker.Host != "localhost" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "localhost")
	}
	if cfg.MQTT.Reconnect.Backoff != 500*time.Millisecond {
		t.Errorf("MQTT.Reconnect.Backoff = %v, want 500ms", cfg.MQTT.Reconnect.Backoff)
	}
	if cfg.Ingest.Workers != 8 {
		t.Errorf("Ingest.Workers = %d, want 8", cfg.Ingest.Workers)
	}
	if cfg.Ingest.EnqueueTimeout != 100*time.Millisecond {
		t.Errorf("Ingest.EnqueueTimeout = %v, want 100ms", cfg.Ingest.EnqueueTimeout)
	}
	// Unset values keep their defaults.
	if cfg.Ingest.QueueSize != 256 {
		t.Errorf("Ingest.QueueSize = %d, want default 256", cfg.Ingest.QueueSize)
	}
	if cfg.Commands.DeliveryQoS() != 1 {
		t.Errorf("Commands.DeliveryQoS() = %d, want 1", cfg.Commands.DeliveryQoS())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "invalid: [yaml: content")

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	configPath := writeConfig(t, `
site:
  id: ""
security:
  jwt:
    secret: "test-secret-key-at-least-32-chars!"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected validation error for empty site.id, got nil")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid defaults", mutate: func(*Config) {}},
		{
			name:    "missing site ID",
			mutate:  func(c *Config) { c.Site.ID = "" },
			wantErr: "site.id",
		},
		{
			name:    "missing database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database.path",
		},
		{
			name:    "invalid QoS",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: "mqtt.qos",
		},
		{
			name:    "namespace with wildcard",
			mutate:  func(c *Config) { c.MQTT.Namespace = "aqua/+" },
			wantErr: "mqtt.namespace",
		},
		{
			name:    "zero backoff",
			mutate:  func(c *Config) { c.MQTT.Reconnect.Backoff = 0 },
			wantErr: "mqtt.reconnect.backoff",
		},
		{
			name:    "cert without key",
			mutate:  func(c *Config) { c.MQTT.TLS.CertFile = "/etc/aquafeed/client.crt" },
			wantErr: "mqtt.tls",
		},
		{
			name:    "no categories",
			mutate:  func(c *Config) { c.Ingest.Categories = nil },
			wantErr: "ingest.categories",
		},
		{
			name:    "wildcard category",
			mutate:  func(c *Config) { c.Ingest.Categories = []string{"#"} },
			wantErr: "ingest.categories",
		},
		{
			name:    "no workers",
			mutate:  func(c *Config) { c.Ingest.Workers = 0 },
			wantErr: "ingest.workers",
		},
		{
			name:    "unknown delivery policy",
			mutate:  func(c *Config) { c.Commands.Delivery = "exactly_once" },
			wantErr: "commands.delivery",
		},
		{
			name:    "unknown required role",
			mutate:  func(c *Config) { c.Commands.RequiredRole = "root" },
			wantErr: "commands.required_role",
		},
		{
			name:    "invalid port high",
			mutate:  func(c *Config) { c.API.Port = 70000 },
			wantErr: "api.port",
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "logging.level",
		},
		{
			name:    "missing JWT secret",
			mutate:  func(c *Config) { c.Security.JWT.Secret = "" },
			wantErr: "security.jwt.secret",
		},
		{
			name:    "JWT secret too short",
			mutate:  func(c *Config) { c.Security.JWT.Secret = "short" },
			wantErr: "at least 32 characters",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.Security.JWT.Secret = validJWTSecret
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
	}

	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %v, want 30", got)
	}
	if got := cfg.GetWriteTimeout().Seconds(); got != 45 {
		t.Errorf("GetWriteTimeout() = %v, want 45", got)
	}
	if got := cfg.GetIdleTimeout().Seconds(); got != 60 {
		t.Errorf("GetIdleTimeout() = %v, want 60", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("AQUAFEED_DATABASE_PATH", "/custom/path.db")
	t.Setenv("AQUAFEED_MQTT_HOST", "broker.example.com")
	t.Setenv("AQUAFEED_MQTT_PORT", "18883")
	t.Setenv("AQUAFEED_MQTT_USERNAME", "testuser")
	t.Setenv("AQUAFEED_MQTT_PASSWORD", "testpass")
	t.Setenv("AQUAFEED_MQTT_CA_FILE", "/certs/ca.crt")
	t.Setenv("AQUAFEED_API_HOST", "192.168.1.1")
	t.Setenv("AQUAFEED_JWT_SECRET", "jwt-secret")
	t.Setenv("AQUAFEED_ADMIN_PASSWORD", "s3cret-pass")

	applyEnvOverrides(cfg)

	checks := []struct {
		field, got, want string
	}{
		{"Database.Path", cfg.Database.Path, "/custom/path.db"},
		{"MQTT.Broker.Host", cfg.MQTT.Broker.Host, "broker.example.com"},
		{"MQTT.Auth.Username", cfg.MQTT.Auth.Username, "testuser"},
		{"MQTT.Auth.Password", cfg.MQTT.Auth.Password, "testpass"},
		{"MQTT.TLS.CAFile", cfg.MQTT.TLS.CAFile, "/certs/ca.crt"},
		{"API.Host", cfg.API.Host, "192.168.1.1"},
		{"Security.JWT.Secret", cfg.Security.JWT.Secret, "jwt-secret"},
		{"Security.SeedAdmin.Password", cfg.Security.SeedAdmin.Password, "s3cret-pass"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %q, want %q", c.field, c.got, c.want)
		}
	}
	if cfg.MQTT.Broker.Port != 18883 {
		t.Errorf("MQTT.Broker.Port = %d, want 18883", cfg.MQTT.Broker.Port)
	}
}

func TestApplyEnvOverrides_BadPortIgnored(t *testing.T) {
	cfg := defaultConfig()
	t.Setenv("AQUAFEED_MQTT_PORT", "not-a-port")

	applyEnvOverrides(cfg)

	if cfg.MQTT.Broker.Port != 8883 {
		t.Errorf("MQTT.Broker.Port = %d, want default 8883", cfg.MQTT.Broker.Port)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.MQTT.Broker.Port != 8883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 8883", cfg.MQTT.Broker.Port)
	}
	if cfg.MQTT.Broker.ClientID != "api" {
		t.Errorf("defaultConfig MQTT.Broker.ClientID = %q, want api", cfg.MQTT.Broker.ClientID)
	}
	if cfg.MQTT.Namespace != "aquafeed" {
		t.Errorf("defaultConfig MQTT.Namespace = %q, want aquafeed", cfg.MQTT.Namespace)
	}
	if cfg.MQTT.Reconnect.Backoff != 2*time.Second {
		t.Errorf("defaultConfig MQTT.Reconnect.Backoff = %v, want 2s", cfg.MQTT.Reconnect.Backoff)
	}
	if cfg.Ingest.EnqueueTimeout != 250*time.Millisecond {
		t.Errorf("defaultConfig Ingest.EnqueueTimeout = %v, want 250ms", cfg.Ingest.EnqueueTimeout)
	}
	if cfg.Commands.Delivery != DeliveryFireAndForget {
		t.Errorf("defaultConfig Commands.Delivery = %q, want %q", cfg.Commands.Delivery, DeliveryFireAndForget)
	}
	if cfg.Commands.DeliveryQoS() != 0 {
		t.Errorf("defaultConfig DeliveryQoS() = %d, want 0", cfg.Commands.DeliveryQoS())
	}
	if cfg.Query.FreshnessWindow != 30*time.Second {
		t.Errorf("defaultConfig Query.FreshnessWindow = %v, want 30s", cfg.Query.FreshnessWindow)
	}
}

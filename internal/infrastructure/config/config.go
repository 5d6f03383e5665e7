package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for AquaFeed Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Commands  CommandsConfig  `yaml:"commands"`
	Query     QueryConfig     `yaml:"query"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Security  SecurityConfig  `yaml:"security"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
// The database holds the user directory and the audit trail only;
// device telemetry is never persisted.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker MQTTBrokerConfig `yaml:"broker"`
	Auth   MQTTAuthConfig   `yaml:"auth"`
	TLS    MQTTTLSConfig    `yaml:"tls"`

	// Namespace is the first topic segment shared by every device topic.
	Namespace string `yaml:"namespace"`

	// QoS is the subscription QoS for telemetry topics.
	QoS int `yaml:"qos"`

	// KeepAlive is the keepalive interval in seconds.
	KeepAlive int `yaml:"keep_alive"`

	// PublishTimeout bounds every publish/subscribe token wait.
	PublishTimeout time.Duration `yaml:"publish_timeout"`

	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTTLSConfig contains certificate material for mutual TLS.
// Paths are read once at startup.
type MQTTTLSConfig struct {
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	// Backoff is the fixed delay between connection attempts.
	Backoff time.Duration `yaml:"backoff"`

	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// IngestConfig sizes the pipeline between the bus and the device store.
type IngestConfig struct {
	// Categories are the telemetry segments subscribed as <namespace>/+/<category>.
	Categories []string `yaml:"categories"`

	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queue_size"`
	EnqueueTimeout time.Duration `yaml:"enqueue_timeout"`
}

// CommandsConfig controls outbound command dispatch.
type CommandsConfig struct {
	// Delivery is "fire_and_forget" (QoS 0) or "broker_ack" (QoS 1).
	Delivery string `yaml:"delivery"`

	// PublishTimeout bounds a single dispatch attempt.
	PublishTimeout time.Duration `yaml:"publish_timeout"`

	// RequiredRole restricts dispatch to one role. Empty allows any caller.
	RequiredRole string `yaml:"required_role"`
}

// QueryConfig controls how readings are presented to callers.
type QueryConfig struct {
	// FreshnessWindow is the age after which a reading is flagged stale.
	FreshnessWindow time.Duration `yaml:"freshness_window"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig contains Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT       JWTConfig       `yaml:"jwt"`
	SeedAdmin SeedAdminConfig `yaml:"seed_admin"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"`
}

// SeedAdminConfig sets the account created when the user directory is empty.
// An empty password makes the seeder generate one and log it once.
type SeedAdminConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Delivery policy values for CommandsConfig.Delivery.
const (
	DeliveryFireAndForget = "fire_and_forget"
	DeliveryBrokerAck     = "broker_ack"
)

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: AQUAFEED_SECTION_KEY
// For example: AQUAFEED_DATABASE_PATH, AQUAFEED_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
// MQTT values mirror the field deployment: mTLS on 8883, client id "api",
// 30 s keepalive and a fixed 2 s reconnect period.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "aquafeed",
			Name: "AquaFeed",
		},
		Database: DatabaseConfig{
			Path:        "./data/aquafeed.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "mqtt",
				Port:     8883,
				TLS:      true,
				ClientID: "api",
			},
			Namespace:      "aquafeed",
			QoS:            0,
			KeepAlive:      30,
			PublishTimeout: 5 * time.Second,
			Reconnect: MQTTReconnectConfig{
				Backoff:        2 * time.Second,
				ConnectTimeout: 10 * time.Second,
			},
		},
		Ingest: IngestConfig{
			Categories:     []string{"agua", "ambiente"},
			Workers:        4,
			QueueSize:      256,
			EnqueueTimeout: 250 * time.Millisecond,
		},
		Commands: CommandsConfig{
			Delivery:       DeliveryFireAndForget,
			PublishTimeout: 5 * time.Second,
		},
		Query: QueryConfig{
			FreshnessWindow: 30 * time.Second,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 3000,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 1440,
			},
			SeedAdmin: SeedAdminConfig{
				Username: "admin",
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: AQUAFEED_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("AQUAFEED_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("AQUAFEED_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("AQUAFEED_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("AQUAFEED_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("AQUAFEED_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}
	if v := os.Getenv("AQUAFEED_MQTT_CA_FILE"); v != "" {
		cfg.MQTT.TLS.CAFile = v
	}
	if v := os.Getenv("AQUAFEED_MQTT_CERT_FILE"); v != "" {
		cfg.MQTT.TLS.CertFile = v
	}
	if v := os.Getenv("AQUAFEED_MQTT_KEY_FILE"); v != "" {
		cfg.MQTT.TLS.KeyFile = v
	}

	// API
	if v := os.Getenv("AQUAFEED_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("AQUAFEED_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// Security
	if v := os.Getenv("AQUAFEED_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
	if v := os.Getenv("AQUAFEED_ADMIN_PASSWORD"); v != "" {
		cfg.Security.SeedAdmin.Password = v
	}
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// MQTT
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.Broker.ClientID == "" {
		errs = append(errs, "mqtt.broker.client_id is required")
	}
	if c.MQTT.Namespace == "" || strings.ContainsAny(c.MQTT.Namespace, "/+#") {
		errs = append(errs, "mqtt.namespace must be a single non-empty topic segment")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Reconnect.Backoff <= 0 {
		errs = append(errs, "mqtt.reconnect.backoff must be positive")
	}
	if (c.MQTT.TLS.CertFile == "") != (c.MQTT.TLS.KeyFile == "") {
		errs = append(errs, "mqtt.tls.cert_file and mqtt.tls.key_file must be set together")
	}

	// Ingest
	if len(c.Ingest.Categories) == 0 {
		errs = append(errs, "ingest.categories must list at least one category")
	}
	for _, cat := range c.Ingest.Categories {
		if cat == "" || strings.ContainsAny(cat, "/+#") {
			errs = append(errs, fmt.Sprintf("ingest.categories entry %q must be a single non-empty topic segment", cat))
		}
	}
	if c.Ingest.Workers < 1 {
		errs = append(errs, "ingest.workers must be at least 1")
	}
	if c.Ingest.QueueSize < 1 {
		errs = append(errs, "ingest.queue_size must be at least 1")
	}
	if c.Ingest.EnqueueTimeout <= 0 {
		errs = append(errs, "ingest.enqueue_timeout must be positive")
	}

	// Commands
	switch c.Commands.Delivery {
	case DeliveryFireAndForget, DeliveryBrokerAck:
	default:
		errs = append(errs, fmt.Sprintf("commands.delivery %q is invalid (use %s or %s)",
			c.Commands.Delivery, DeliveryFireAndForget, DeliveryBrokerAck))
	}
	if c.Commands.PublishTimeout <= 0 {
		errs = append(errs, "commands.publish_timeout must be positive")
	}
	switch c.Commands.RequiredRole {
	case "", "user", "admin":
	default:
		errs = append(errs, fmt.Sprintf("commands.required_role %q is invalid (use user or admin)", c.Commands.RequiredRole))
	}

	if c.Query.FreshnessWindow <= 0 {
		errs = append(errs, "query.freshness_window must be positive")
	}

	// API
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// Logging
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level %q is invalid (use debug, info, warn, or error)", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("logging.format %q is invalid (use json or text)", c.Logging.Format))
	}

	// Security - JWT secret is REQUIRED. A forged token could trigger feeders.
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set AQUAFEED_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// DeliveryQoS returns the publish QoS implied by the delivery policy.
func (c CommandsConfig) DeliveryQoS() byte {
	if c.Delivery == DeliveryBrokerAck {
		return 1
	}
	return 0
}

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the mesh bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Radio    RadioConfig    `yaml:"radio"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Proxy    ProxyConfig    `yaml:"proxy"`
	Relay    RelayConfig    `yaml:"relay"`
	Status   StatusConfig   `yaml:"status"`
	Database DatabaseConfig `yaml:"database"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// RadioConfig contains settings for the TCP link to the radio daemon.
type RadioConfig struct {
	// Addresses lists host:port endpoints of radio daemons. One link is
	// opened per address.
	Addresses []string `yaml:"addresses"`

	// ConnectTimeout bounds a single dial attempt (seconds).
	ConnectTimeout int `yaml:"connect_timeout"`

	// HeartbeatInterval is how often a heartbeat is sent to keep the
	// radio's client session alive (seconds).
	HeartbeatInterval int `yaml:"heartbeat_interval"`

	// ReconnectInterval is the initial delay before redialling (seconds).
	ReconnectInterval int `yaml:"reconnect_interval"`

	// MaxReconnectInterval caps the backoff between redials (seconds).
	MaxReconnectInterval int `yaml:"max_reconnect_interval"`
}

// MQTTConfig contains the relay broker settings. Telemetry observed
// locally is published here.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	Root      string              `yaml:"root"`
	Subscribe string              `yaml:"subscribe"`
	QoS       int                 `yaml:"qos"`
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

// MQTTReconnectConfig contains MQTT reconnection settings.
// MaxAttempts of 0 disables reconnection entirely.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// ProxyConfig contains settings for the client proxy bridge, which
// republishes the radio's own MQTT uplink on its behalf.
type ProxyConfig struct {
	Enabled bool `yaml:"enabled"`

	// FromRadio takes broker address, credentials and root topic from the
	// radio's MQTT module config when it arrives. Values here act as
	// fallbacks for anything the radio leaves empty.
	FromRadio bool `yaml:"from_radio"`

	Broker MQTTBrokerConfig `yaml:"broker"`
	Auth   MQTTAuthConfig   `yaml:"auth"`
	Root   string           `yaml:"root"`
}

// RelayConfig controls what is relayed and how it is addressed.
type RelayConfig struct {
	// Channels maps channel indexes to channel names used in topics.
	// Unmapped channels are addressed by their decimal index.
	Channels map[uint32]string `yaml:"channels"`

	// AllowEncrypted lets proxy messages carrying encrypted packets
	// through. Their port cannot be inspected.
	AllowEncrypted bool `yaml:"allow_encrypted"`

	// ExtraPorts adds port numbers to the relay whitelist.
	ExtraPorts []int `yaml:"extra_ports"`
}

// StatusConfig contains periodic status reporting settings.
type StatusConfig struct {
	Interval int `yaml:"interval"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: MESHBRIDGE_SECTION_KEY
// For example: MESHBRIDGE_MQTT_HOST, MESHBRIDGE_DATABASE_PATH
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

// Default returns the built-in configuration. It is used when no config
// file exists so the bridge can run against a local radio and broker.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Radio: RadioConfig{
			Addresses:            []string{"localhost:4403"},
			ConnectTimeout:       10,
			HeartbeatInterval:    300,
			ReconnectInterval:    1,
			MaxReconnectInterval: 60,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "meshbridge",
			},
			Root: "mesh/TW",
			QoS:  1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  10,
			},
		},
		Proxy: ProxyConfig{
			Enabled:   true,
			FromRadio: true,
			Broker: MQTTBrokerConfig{
				Host: "mqtt.meshtastic.org",
				Port: 1883,
			},
			Auth: MQTTAuthConfig{
				Username: "meshdev",
				Password: "large4cats",
			},
			Root: "msh",
		},
		Status: StatusConfig{
			Interval: 60,
		},
		Database: DatabaseConfig{
			Path:        "./data/meshbridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: MESHBRIDGE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Radio
	if v := os.Getenv("MESHBRIDGE_RADIO_ADDRESS"); v != "" {
		cfg.Radio.Addresses = splitList(v)
	}

	// MQTT
	if v := os.Getenv("MESHBRIDGE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("MESHBRIDGE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("MESHBRIDGE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Proxy
	if v := os.Getenv("MESHBRIDGE_PROXY_USERNAME"); v != "" {
		cfg.Proxy.Auth.Username = v
	}
	if v := os.Getenv("MESHBRIDGE_PROXY_PASSWORD"); v != "" {
		cfg.Proxy.Auth.Password = v
	}

	// Database
	if v := os.Getenv("MESHBRIDGE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// InfluxDB
	if v := os.Getenv("MESHBRIDGE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("MESHBRIDGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Radio validation
	if len(c.Radio.Addresses) == 0 {
		errs = append(errs, "radio.addresses must list at least one address")
	}
	for _, addr := range c.Radio.Addresses {
		if !strings.Contains(addr, ":") {
			errs = append(errs, fmt.Sprintf("radio.addresses entry %q must be host:port", addr))
		}
	}
	if c.Radio.ReconnectInterval < 1 {
		errs = append(errs, "radio.reconnect_interval must be at least 1")
	}
	if c.Radio.MaxReconnectInterval < c.Radio.ReconnectInterval {
		errs = append(errs, "radio.max_reconnect_interval must not be less than radio.reconnect_interval")
	}

	// MQTT validation
	errs = append(errs, validateBroker("mqtt.broker", c.MQTT.Broker)...)
	if c.MQTT.Root == "" {
		errs = append(errs, "mqtt.root is required")
	}
	if c.MQTT.QoS < 1 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 1 or 2")
	}
	if c.MQTT.Reconnect.InitialDelay < 0 || c.MQTT.Reconnect.MaxDelay < 0 || c.MQTT.Reconnect.MaxAttempts < 0 {
		errs = append(errs, "mqtt.reconnect values must not be negative")
	}
	if c.MQTT.Reconnect.MaxDelay < c.MQTT.Reconnect.InitialDelay {
		errs = append(errs, "mqtt.reconnect.max_delay must not be less than mqtt.reconnect.initial_delay")
	}

	// Proxy validation. With from_radio the radio may supply the broker.
	if c.Proxy.Enabled && !c.Proxy.FromRadio {
		errs = append(errs, validateBroker("proxy.broker", c.Proxy.Broker)...)
		if c.Proxy.Root == "" {
			errs = append(errs, "proxy.root is required")
		}
	}

	// Relay validation
	for _, p := range c.Relay.ExtraPorts {
		if p <= 0 || p > 511 {
			errs = append(errs, fmt.Sprintf("relay.extra_ports entry %d must be between 1 and 511", p))
		}
	}

	if c.Status.Interval < 1 {
		errs = append(errs, "status.interval must be at least 1")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.org and influxdb.bucket are required when influxdb is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func validateBroker(prefix string, b MQTTBrokerConfig) []string {
	var errs []string
	if b.Host == "" {
		errs = append(errs, prefix+".host is required")
	}
	if b.Port < 1 || b.Port > 65535 {
		errs = append(errs, prefix+".port must be between 1 and 65535")
	}
	return errs
}

// GetReconnectInitialDelay returns the first MQTT reconnect delay as a Duration.
func (c *Config) GetReconnectInitialDelay() time.Duration {
	return time.Duration(c.MQTT.Reconnect.InitialDelay) * time.Second
}

// GetReconnectMaxDelay returns the MQTT reconnect backoff cap as a Duration.
func (c *Config) GetReconnectMaxDelay() time.Duration {
	return time.Duration(c.MQTT.Reconnect.MaxDelay) * time.Second
}

// GetStatusInterval returns the status report interval as a Duration.
func (c *Config) GetStatusInterval() time.Duration {
	return time.Duration(c.Status.Interval) * time.Second
}

// GetRadioConnectTimeout returns the radio dial timeout as a Duration.
func (c *Config) GetRadioConnectTimeout() time.Duration {
	return time.Duration(c.Radio.ConnectTimeout) * time.Second
}

// GetRadioHeartbeatInterval returns the radio heartbeat interval as a Duration.
func (c *Config) GetRadioHeartbeatInterval() time.Duration {
	return time.Duration(c.Radio.HeartbeatInterval) * time.Second
}

// GetRadioReconnectInterval returns the initial radio redial delay as a Duration.
func (c *Config) GetRadioReconnectInterval() time.Duration {
	return time.Duration(c.Radio.ReconnectInterval) * time.Second
}

// GetRadioMaxReconnectInterval returns the radio redial backoff cap as a Duration.
func (c *Config) GetRadioMaxReconnectInterval() time.Duration {
	return time.Duration(c.Radio.MaxReconnectInterval) * time.Second
}

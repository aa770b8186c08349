package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for wavemeterd.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Driver    DriverConfig    `yaml:"driver"`
	Stream    StreamConfig    `yaml:"stream"`
	Export    ExportConfig    `yaml:"export"`
	Database  DatabaseConfig  `yaml:"database"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DriverConfig selects and configures the wavemeter driver.
type DriverConfig struct {
	// Type selects the driver implementation. Currently "sim" is the only
	// built-in driver; the vendor binding slots in behind the same interface.
	Type string    `yaml:"type"`
	Sim  SimConfig `yaml:"sim"`
}

// SimConfig contains settings for the simulated wavemeter driver.
type SimConfig struct {
	// Interval is the emission period per measurement kind, in milliseconds.
	Interval int `yaml:"interval_ms"`

	// Seed seeds the value random walk. Zero selects a time-based seed.
	Seed int64 `yaml:"seed"`
}

// StreamConfig contains the sample chunking engine settings.
type StreamConfig struct {
	// QueueSize is the capacity of the driver-to-engine hand-off queue.
	QueueSize int `yaml:"queue_size"`

	// TargetBinSize is the default number of samples per bin.
	TargetBinSize int `yaml:"target_bin_size"`

	// MaxBinDuration is the default wall-clock bound on a bin, in seconds.
	MaxBinDuration int `yaml:"max_bin_duration_secs"`

	// Channels lists the measurement channels to serve. Per-channel
	// target_bin_size/max_bin_duration_secs of zero inherit the defaults.
	Channels []ChannelConfig `yaml:"channels"`
}

// ChannelConfig describes one measurement channel.
type ChannelConfig struct {
	// Name identifies the channel on the API, in topics and in exports
	// (e.g. "wavelength_vac_nm").
	Name string `yaml:"name"`

	// Kind is the driver measurement kind routed to this channel
	// (e.g. "wavelength").
	Kind string `yaml:"kind"`

	TargetBinSize  int `yaml:"target_bin_size"`
	MaxBinDuration int `yaml:"max_bin_duration_secs"`
}

// ExportConfig contains bin summary export settings.
type ExportConfig struct {
	// QueueSize bounds the pending summary queue; full means drop.
	QueueSize int `yaml:"queue_size"`
}

// DatabaseConfig contains SQLite bin history settings.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
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
	// Tags are static tags attached to every exported point
	// (e.g. system: pulsar, device: lsa).
	Tags map[string]string `yaml:"tags"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	TopicRoot string              `yaml:"topic_root"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`

	// PublishInterval throttles retained live-value publishes per channel,
	// in milliseconds.
	PublishInterval int `yaml:"publish_interval_ms"`

	// QueueSize bounds the pending publish queue; full means drop.
	QueueSize int `yaml:"queue_size"`
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
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings, in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`

	// LongPoll bounds blocking latest/next reads. Must stay below Write or
	// the server would cut long-polls off mid-wait.
	LongPoll int `yaml:"long_poll"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket live-stream settings.
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

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: WAVEMETERD_SECTION_KEY
// For example: WAVEMETERD_DATABASE_PATH, WAVEMETERD_INFLUXDB_TOKEN
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

// DefaultChannels is the channel set of the reference deployment: the six
// readouts of a single-input laser spectrum analyser.
func DefaultChannels() []ChannelConfig {
	return []ChannelConfig{
		{Name: "temperature_celsius", Kind: "temperature"},
		{Name: "air_pressure_mbar", Kind: "pressure"},
		{Name: "wavelength_vac_nm", Kind: "wavelength"},
		{Name: "linewidth_vac_nm", Kind: "linewidth"},
		{Name: "exposure_1_ms", Kind: "exposure_1"},
		{Name: "exposure_2_ms", Kind: "exposure_2"},
	}
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Driver: DriverConfig{
			Type: "sim",
			Sim: SimConfig{
				Interval: 100,
			},
		},
		Stream: StreamConfig{
			QueueSize:      1024,
			TargetBinSize:  256,
			MaxBinDuration: 30,
			Channels:       DefaultChannels(),
		},
		Export: ExportConfig{
			QueueSize: 100,
		},
		Database: DatabaseConfig{
			Enabled:     true,
			Path:        "./data/wavemeterd.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		InfluxDB: InfluxDBConfig{
			URL:           "http://localhost:8086",
			BatchSize:     20,
			FlushInterval: 1000,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "wavemeterd",
			},
			QoS:       1,
			TopicRoot: "wavemeter",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			PublishInterval: 1000,
			QueueSize:       100,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 4008,
			Timeouts: APITimeoutConfig{
				Read:     30,
				Write:    90,
				Idle:     120,
				LongPoll: 60,
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
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: WAVEMETERD_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("WAVEMETERD_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// InfluxDB
	if v := os.Getenv("WAVEMETERD_INFLUXDB_URL"); v != "" {
		cfg.InfluxDB.URL = v
	}
	if v := os.Getenv("WAVEMETERD_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// MQTT
	if v := os.Getenv("WAVEMETERD_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("WAVEMETERD_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("WAVEMETERD_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("WAVEMETERD_API_HOST"); v != "" {
		cfg.API.Host = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Driver validation
	if c.Driver.Type != "sim" {
		errs = append(errs, fmt.Sprintf("driver.type %q is not supported (want sim)", c.Driver.Type))
	}
	if c.Driver.Sim.Interval < 1 {
		errs = append(errs, "driver.sim.interval_ms must be at least 1")
	}

	// Stream validation
	if c.Stream.QueueSize < 1 {
		errs = append(errs, "stream.queue_size must be at least 1")
	}
	if c.Stream.TargetBinSize < 1 {
		errs = append(errs, "stream.target_bin_size must be at least 1")
	}
	if c.Stream.MaxBinDuration < 1 {
		errs = append(errs, "stream.max_bin_duration_secs must be at least 1")
	}
	if len(c.Stream.Channels) == 0 {
		errs = append(errs, "stream.channels must list at least one channel")
	}
	seenNames := make(map[string]bool)
	seenKinds := make(map[string]bool)
	for i, ch := range c.Stream.Channels {
		if !validChannelName(ch.Name) {
			errs = append(errs, fmt.Sprintf("stream.channels[%d].name %q must match [a-z][a-z0-9_]*", i, ch.Name))
		}
		if ch.Kind == "" {
			errs = append(errs, fmt.Sprintf("stream.channels[%d].kind is required", i))
		}
		if seenNames[ch.Name] {
			errs = append(errs, fmt.Sprintf("stream.channels[%d].name %q is duplicated", i, ch.Name))
		}
		if ch.Kind != "" && seenKinds[ch.Kind] {
			errs = append(errs, fmt.Sprintf("stream.channels[%d].kind %q is duplicated", i, ch.Kind))
		}
		seenNames[ch.Name] = true
		seenKinds[ch.Kind] = true
		if ch.TargetBinSize < 0 {
			errs = append(errs, fmt.Sprintf("stream.channels[%d].target_bin_size must not be negative", i))
		}
		if ch.MaxBinDuration < 0 {
			errs = append(errs, fmt.Sprintf("stream.channels[%d].max_bin_duration_secs must not be negative", i))
		}
	}

	// Export validation
	if c.Export.QueueSize < 1 {
		errs = append(errs, "export.queue_size must be at least 1")
	}

	// Database validation
	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when database.enabled is true")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb.enabled is true")
		}
		if c.InfluxDB.Org == "" {
			errs = append(errs, "influxdb.org is required when influxdb.enabled is true")
		}
		if c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.bucket is required when influxdb.enabled is true")
		}
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker.Host == "" {
			errs = append(errs, "mqtt.broker.host is required when mqtt.enabled is true")
		}
		if c.MQTT.TopicRoot == "" {
			errs = append(errs, "mqtt.topic_root is required when mqtt.enabled is true")
		}
		if c.MQTT.QueueSize < 1 {
			errs = append(errs, "mqtt.queue_size must be at least 1")
		}
	}

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.API.Timeouts.LongPoll < 1 {
		errs = append(errs, "api.timeouts.long_poll must be at least 1")
	}
	if c.API.Timeouts.LongPoll >= c.API.Timeouts.Write {
		errs = append(errs, "api.timeouts.long_poll must be below api.timeouts.write")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// validChannelName reports whether a channel name is safe to use on API
// routes, in MQTT topics and as an InfluxDB measurement name.
func validChannelName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r == '_' && i > 0:
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
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

// GetLongPollTimeout returns the blocking-read timeout as a Duration.
func (c *Config) GetLongPollTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.LongPoll) * time.Second
}

// GetMaxBinDuration returns the default bin duration as a Duration.
func (s StreamConfig) GetMaxBinDuration() time.Duration {
	return time.Duration(s.MaxBinDuration) * time.Second
}

// GetMaxBinDuration returns the channel's bin duration, or zero when the
// channel inherits the stream default.
func (c ChannelConfig) GetMaxBinDuration() time.Duration {
	return time.Duration(c.MaxBinDuration) * time.Second
}

// GetInterval returns the sim driver emission period as a Duration.
func (s SimConfig) GetInterval() time.Duration {
	return time.Duration(s.Interval) * time.Millisecond
}

// GetFlushInterval returns the InfluxDB batch flush interval as a Duration.
func (i InfluxDBConfig) GetFlushInterval() time.Duration {
	return time.Duration(i.FlushInterval) * time.Millisecond
}

// GetPublishInterval returns the MQTT live-value throttle as a Duration.
func (m MQTTConfig) GetPublishInterval() time.Duration {
	return time.Duration(m.PublishInterval) * time.Millisecond
}

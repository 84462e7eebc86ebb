package dedup

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Configuration defaults
const (
	DefaultLogEnv        = "local"
	DefaultLogLevel      = "info"
	DefaultPublishPrefix = "geodedup"
	DefaultClientID      = "geodedup"
	DefaultProgressRate  = 2.0
	DefaultHTTPPort      = 8080
)

// ParseConfig reads a YAML file over the defaults and applies environment
// overrides. It does not validate; callers layer flags on top first.
func ParseConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	config.ApplyEnv()
	return config, nil
}

// DefaultConfig returns a configuration with every default filled in
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Env:   DefaultLogEnv,
			Level: DefaultLogLevel,
		},
		MQTT: MQTTConfig{
			PublishPrefix: DefaultPublishPrefix,
			ClientID:      DefaultClientID,
			ProgressRate:  DefaultProgressRate,
		},
		HTTP: HTTPConfig{Port: DefaultHTTPPort},
	}
}

// ApplyEnv overrides MQTT settings from MQTT_* environment variables
func (c *Config) ApplyEnv() {
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		c.MQTT.ClientID = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		c.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv("MQTT_PUBLISH_PREFIX"); v != "" {
		c.MQTT.PublishPrefix = v
	}
}

// Validate checks required fields and supported formats
func (c *Config) Validate() error {
	if c.Input.Path == "" {
		return fmt.Errorf("input.path is required")
	}
	switch strings.ToLower(filepath.Ext(c.Input.Path)) {
	case ".gpkg", ".geojson", ".json":
	default:
		return fmt.Errorf("input.path %q: %w", c.Input.Path, ErrUnsupportedFormat)
	}

	if c.Output.Path != "" {
		if _, err := compressionFor(c.Output.Path); err != nil {
			return fmt.Errorf("output.path: %w", err)
		}
	}
	if c.Output.Render != "" {
		switch strings.ToLower(filepath.Ext(c.Output.Render)) {
		case ".svg", ".png":
		default:
			return fmt.Errorf("output.render must be .svg or .png, got %q", c.Output.Render)
		}
	}

	switch c.Logging.Env {
	case "local", "dev", "prod":
	default:
		return fmt.Errorf("logging.env must be local, dev or prod, got %q", c.Logging.Env)
	}

	if c.MQTT.ProgressRate < 0 {
		return fmt.Errorf("mqtt.progress_rate must not be negative")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d out of range", c.HTTP.Port)
	}
	return nil
}

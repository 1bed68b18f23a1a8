// Package config holds the client configuration: broker address and
// credentials, reconnect and memory limits, and the subscribers to run.
//
// A Config is a plain value. Load reads it from YAML, Merge applies key/value
// overrides on a copy, and Validate checks it before the first connect.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned for configurations that cannot be used.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// MaxReconnectRetry caps the consumer loop's reconnect attempts whatever the
// configured value.
const MaxReconnectRetry = 10

// Config is the client configuration.
type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Vhost    string `yaml:"vhost"`

	// Heartbeat is the negotiated heartbeat interval in seconds.
	Heartbeat int `yaml:"heartbeat"`
	// ReconnectRetry bounds consumer loop reconnect attempts (capped at MaxReconnectRetry).
	ReconnectRetry int `yaml:"reconnect_retry"`
	// Memory is the worker memory ceiling in megabytes. Zero disables the check.
	Memory int `yaml:"memory"`
	// Subscribes lists the identifiers of the subscribers to run.
	Subscribes []string `yaml:"subscribes"`

	ConnectionName    string        `yaml:"connection_name"`
	Persistent        bool          `yaml:"persistent"`
	CacheDeclarations bool          `yaml:"cache_declarations"`
	PublisherConfirms bool          `yaml:"publisher_confirms"`
	BackoffUnit       time.Duration `yaml:"backoff_unit"`
	PublishTimeout    time.Duration `yaml:"publish_timeout"`

	HealthAddr string `yaml:"health_addr"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Host:              "localhost",
		Port:              5672,
		User:              "guest",
		Password:          "guest",
		Vhost:             "/",
		Heartbeat:         60,
		ReconnectRetry:    MaxReconnectRetry,
		Memory:            128,
		ConnectionName:    "rabbitsub",
		Persistent:        true,
		CacheDeclarations: true,
		BackoffUnit:       time.Second,
		PublishTimeout:    10 * time.Second,
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// Load reads a YAML file on top of Default.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := decodeInto(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes cfg as YAML. It refuses to overwrite an existing file.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Merge returns a copy of c with the given keys overridden. Keys use the YAML
// names ("host", "reconnect_retry", ...). Only top-level keys are merged.
func (c Config) Merge(overrides map[string]any) (Config, error) {
	if len(overrides) == 0 {
		return c, nil
	}
	data, err := yaml.Marshal(overrides)
	if err != nil {
		return c, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	merged := c
	merged.Subscribes = append([]string(nil), c.Subscribes...)
	if err := decodeInto(data, &merged); err != nil {
		return c, err
	}
	return merged, nil
}

// Validate checks that the configuration can be used to connect.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Host) == "" {
		problems = append(problems, "host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		problems = append(problems, fmt.Sprintf("port %d out of range", c.Port))
	}
	if c.Heartbeat < 0 {
		problems = append(problems, "heartbeat must not be negative")
	}
	if c.ReconnectRetry < 0 {
		problems = append(problems, "reconnect_retry must not be negative")
	}
	if c.Memory < 0 {
		problems = append(problems, "memory must not be negative")
	}
	if c.BackoffUnit < 0 || c.PublishTimeout < 0 {
		problems = append(problems, "durations must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// MaxRetries is ReconnectRetry capped at MaxReconnectRetry.
func (c Config) MaxRetries() int {
	return min(c.ReconnectRetry, MaxReconnectRetry)
}

// HeartbeatInterval returns the heartbeat as a duration.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat) * time.Second
}

// URI returns the broker URI including credentials. Never log it unsanitized.
func (c Config) URI() string {
	return amqp.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     c.Port,
		Username: c.User,
		Password: c.Password,
		Vhost:    c.Vhost,
	}.String()
}

// AMQPConfig returns the dial configuration for the amqp client.
func (c Config) AMQPConfig() amqp.Config {
	props := amqp.NewConnectionProperties()
	if c.ConnectionName != "" {
		props.SetClientConnectionName(c.ConnectionName)
	}
	return amqp.Config{
		Vhost:      c.Vhost,
		Heartbeat:  c.HeartbeatInterval(),
		Locale:     "en_US",
		Properties: props,
	}
}

func decodeInto(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

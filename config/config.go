// Package config defines the connection, stream, and webhook configuration
// records for the event publishing subsystem. Validation is purely local:
// no network calls happen before a config validates cleanly.
package config

import (
	stderrors "errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/KSD-CO/rule-engine-postgres-sub003/errors"
)

// Auth type constants.
const (
	AuthNone        = "none"
	AuthToken       = "token"
	AuthCredentials = "credentials"
	AuthNKey        = "nkey"
)

// Storage kind constants for stream definitions.
const (
	StorageMemory = "memory"
	StorageFile   = "file"
)

// Retention policy constants for stream definitions.
const (
	RetentionLimits    = "limits"
	RetentionInterest  = "interest"
	RetentionWorkQueue = "workqueue"
)

// Discard policy constants for stream definitions.
const (
	DiscardOld = "old"
	DiscardNew = "new"
)

// AuthConfig selects one authentication variant for a connection.
type AuthConfig struct {
	Type         string `json:"type,omitempty" yaml:"type,omitempty"`
	Token        string `json:"token,omitempty" yaml:"token,omitempty"`
	Username     string `json:"username,omitempty" yaml:"username,omitempty"`
	Password     string `json:"password,omitempty" yaml:"password,omitempty"`
	NKeySeedFile string `json:"nkey_seed_file,omitempty" yaml:"nkey_seed_file,omitempty"`
}

// TLSConfig for secure NATS connections.
type TLSConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	CertFile string `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty" yaml:"ca_file,omitempty"`
}

// ReconnectConfig bounds the backoff used while establishing pool
// connections. MaxAttempts of -1 retries until the dial context is
// cancelled.
type ReconnectConfig struct {
	MaxAttempts  int           `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	InitialDelay time.Duration `json:"initial_delay,omitempty" yaml:"initial_delay,omitempty"`
	MaxDelay     time.Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	Multiplier   float64       `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
}

// ConnectionConfig describes one named broker connection pool.
type ConnectionConfig struct {
	Name           string          `json:"name" yaml:"name"`
	URL            string          `json:"url" yaml:"url"`
	ClusterURLs    []string        `json:"cluster_urls,omitempty" yaml:"cluster_urls,omitempty"`
	Auth           AuthConfig      `json:"auth,omitempty" yaml:"auth,omitempty"`
	TLS            TLSConfig       `json:"tls,omitempty" yaml:"tls,omitempty"`
	ConnectTimeout time.Duration   `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`
	PoolSize       int             `json:"pool_size,omitempty" yaml:"pool_size,omitempty"`
	Reconnect      ReconnectConfig `json:"reconnect,omitempty" yaml:"reconnect,omitempty"`
	DurableStream  bool            `json:"durable_stream" yaml:"durable_stream"`
	StreamName     string          `json:"stream_name,omitempty" yaml:"stream_name,omitempty"`
	SubjectPrefix  string          `json:"subject_prefix,omitempty" yaml:"subject_prefix,omitempty"`
}

// StreamDefinition describes one durable stream to ensure on the broker.
type StreamDefinition struct {
	ConfigName  string        `json:"config_name" yaml:"config_name"`
	Name        string        `json:"name" yaml:"name"`
	Subjects    []string      `json:"subjects" yaml:"subjects"`
	Storage     string        `json:"storage,omitempty" yaml:"storage,omitempty"`
	MaxMsgs     int64         `json:"max_msgs,omitempty" yaml:"max_msgs,omitempty"`
	MaxBytes    int64         `json:"max_bytes,omitempty" yaml:"max_bytes,omitempty"`
	MaxAge      time.Duration `json:"max_age,omitempty" yaml:"max_age,omitempty"`
	Retention   string        `json:"retention,omitempty" yaml:"retention,omitempty"`
	Discard     string        `json:"discard,omitempty" yaml:"discard,omitempty"`
	Replicas    int           `json:"replicas,omitempty" yaml:"replicas,omitempty"`
	DedupWindow time.Duration `json:"dedup_window,omitempty" yaml:"dedup_window,omitempty"`
}

// WebhookConfig mirrors the fields consumed from the external webhook
// registry.
type WebhookConfig struct {
	ID            string `json:"id" yaml:"id"`
	BrokerEnabled bool   `json:"broker_enabled" yaml:"broker_enabled"`
	Subject       string `json:"subject" yaml:"subject"`
	ConfigName    string `json:"config_name" yaml:"config_name"`
	PublishMode   string `json:"publish_mode" yaml:"publish_mode"`
}

// DatabaseConfig selects the durable store backend.
type DatabaseConfig struct {
	Driver string `json:"driver" yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `json:"dsn" yaml:"dsn"`
}

// File is the top-level configuration document.
type File struct {
	Connections []ConnectionConfig `json:"connections" yaml:"connections"`
	Streams     []StreamDefinition `json:"streams,omitempty" yaml:"streams,omitempty"`
	Webhooks    []WebhookConfig    `json:"webhooks,omitempty" yaml:"webhooks,omitempty"`
	Database    DatabaseConfig     `json:"database,omitempty" yaml:"database,omitempty"`
	MetricsPort int                `json:"metrics_port,omitempty" yaml:"metrics_port,omitempty"`
	HealthPort  int                `json:"health_port,omitempty" yaml:"health_port,omitempty"`
}

// Defaults applied by Validate.
const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultPoolSize       = 3
)

// applyDefaults fills unset optional fields.
func (c *ConnectionConfig) applyDefaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.PoolSize == 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.Auth.Type == "" {
		c.Auth.Type = AuthNone
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = 5
	}
	if c.Reconnect.InitialDelay == 0 {
		c.Reconnect.InitialDelay = 250 * time.Millisecond
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = 10 * time.Second
	}
	if c.Reconnect.Multiplier == 0 {
		c.Reconnect.Multiplier = 2.0
	}
}

// Validate checks the connection config. It applies defaults to unset
// optional fields first, then rejects anything that would fail at dial
// time; no network calls occur here.
func (c *ConnectionConfig) Validate() error {
	c.applyDefaults()

	if c.Name == "" {
		return configErr("ConnectionConfig", "name is required")
	}
	if err := validateBrokerURL(c.URL); err != nil {
		return errors.WrapConfig(err, "ConnectionConfig", "Validate", "check url")
	}
	for _, u := range c.ClusterURLs {
		if err := validateBrokerURL(u); err != nil {
			return errors.WrapConfig(err, "ConnectionConfig", "Validate", "check cluster url")
		}
	}
	if c.ConnectTimeout <= 0 {
		return configErr("ConnectionConfig", "connect_timeout must be positive")
	}
	if c.PoolSize <= 0 {
		return configErr("ConnectionConfig", "pool_size must be positive")
	}
	if c.DurableStream && c.StreamName == "" {
		return configErr("ConnectionConfig", "stream_name is required when durable_stream is enabled")
	}
	if c.SubjectPrefix != "" && !isValidSubjectPart(c.SubjectPrefix) {
		return configErr("ConnectionConfig",
			fmt.Sprintf("subject_prefix %q is not valid for NATS subjects", c.SubjectPrefix))
	}

	switch c.Auth.Type {
	case AuthNone:
	case AuthToken:
		if c.Auth.Token == "" {
			return configErr("ConnectionConfig", "auth token is required for token auth")
		}
	case AuthCredentials:
		if c.Auth.Username == "" || c.Auth.Password == "" {
			return configErr("ConnectionConfig", "username and password are required for credentials auth")
		}
	case AuthNKey:
		if c.Auth.NKeySeedFile == "" {
			return configErr("ConnectionConfig", "nkey_seed_file is required for nkey auth")
		}
	default:
		return configErr("ConnectionConfig", fmt.Sprintf("unknown auth type %q", c.Auth.Type))
	}

	if c.TLS.Enabled {
		if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
			return configErr("ConnectionConfig", "tls cert_file and key_file must be set together")
		}
	}

	return nil
}

// ServerList returns the primary URL followed by any cluster URLs, joined
// the way nats.Connect expects.
func (c *ConnectionConfig) ServerList() string {
	if len(c.ClusterURLs) == 0 {
		return c.URL
	}
	return strings.Join(append([]string{c.URL}, c.ClusterURLs...), ",")
}

// Subject prepends the configured subject prefix, if any.
func (c *ConnectionConfig) Subject(suffix string) string {
	if c.SubjectPrefix == "" {
		return suffix
	}
	return c.SubjectPrefix + "." + suffix
}

// Validate checks the stream definition.
func (d *StreamDefinition) Validate() error {
	if d.Name == "" {
		return configErr("StreamDefinition", "stream name is required")
	}
	if len(d.Subjects) == 0 {
		return configErr("StreamDefinition", "at least one subject is required")
	}
	switch d.Storage {
	case "", StorageMemory, StorageFile:
	default:
		return configErr("StreamDefinition", fmt.Sprintf("unknown storage kind %q", d.Storage))
	}
	switch d.Retention {
	case "", RetentionLimits, RetentionInterest, RetentionWorkQueue:
	default:
		return configErr("StreamDefinition", fmt.Sprintf("unknown retention policy %q", d.Retention))
	}
	switch d.Discard {
	case "", DiscardOld, DiscardNew:
	default:
		return configErr("StreamDefinition", fmt.Sprintf("unknown discard policy %q", d.Discard))
	}
	if d.Replicas < 0 || d.Replicas > 5 {
		return configErr("StreamDefinition", "replicas must be between 0 and 5")
	}
	if d.DedupWindow < 0 {
		return configErr("StreamDefinition", "dedup_window cannot be negative")
	}
	return nil
}

// Validate checks the webhook record.
func (w *WebhookConfig) Validate() error {
	if w.ID == "" {
		return configErr("WebhookConfig", "webhook id is required")
	}
	switch w.PublishMode {
	case "queue", "broker", "both":
	default:
		return configErr("WebhookConfig", fmt.Sprintf("unknown publish_mode %q", w.PublishMode))
	}
	if w.PublishMode != "queue" {
		if w.Subject == "" {
			return configErr("WebhookConfig", "subject is required for broker publishing")
		}
		if w.ConfigName == "" {
			return configErr("WebhookConfig", "config_name is required for broker publishing")
		}
	}
	return nil
}

// Validate checks the whole document, including cross references from
// streams and webhooks to connection names.
func (f *File) Validate() error {
	if len(f.Connections) == 0 {
		return configErr("File", "at least one connection is required")
	}

	names := make(map[string]struct{}, len(f.Connections))
	for i := range f.Connections {
		c := &f.Connections[i]
		if err := c.Validate(); err != nil {
			return err
		}
		if _, dup := names[c.Name]; dup {
			return configErr("File", fmt.Sprintf("duplicate connection name %q", c.Name))
		}
		names[c.Name] = struct{}{}
	}

	for i := range f.Streams {
		d := &f.Streams[i]
		if err := d.Validate(); err != nil {
			return err
		}
		if _, ok := names[d.ConfigName]; !ok {
			return configErr("File", fmt.Sprintf("stream %q references unknown connection %q", d.Name, d.ConfigName))
		}
	}

	for i := range f.Webhooks {
		w := &f.Webhooks[i]
		if err := w.Validate(); err != nil {
			return err
		}
		if w.PublishMode != "queue" {
			if _, ok := names[w.ConfigName]; !ok {
				return configErr("File", fmt.Sprintf("webhook %q references unknown connection %q", w.ID, w.ConfigName))
			}
		}
	}

	return nil
}

// Connection returns the named connection config.
func (f *File) Connection(name string) (*ConnectionConfig, bool) {
	for i := range f.Connections {
		if f.Connections[i].Name == name {
			return &f.Connections[i], true
		}
	}
	return nil, false
}

func configErr(component, msg string) error {
	return errors.WrapConfig(stderrors.New(msg), component, "Validate", "check config")
}

func validateBrokerURL(raw string) error {
	if raw == "" {
		return stderrors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("malformed url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "nats", "tls", "ws", "wss":
	default:
		return fmt.Errorf("url %q must use a nats, tls, ws, or wss scheme", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	return nil
}

// isValidSubjectPart checks if a string is valid for use in NATS subjects.
// Valid characters are alphanumeric, dots, dashes, and underscores.
func isValidSubjectPart(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) &&
			r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}

// Package config handles neural hub configuration.
//
// Values are layered, lowest priority first: defaults in code, a YAML or
// JSON file (chosen by extension), NEURALHUB_* environment variables, and
// finally command line flags applied by the caller.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "NEURALHUB_"

// Config holds all configuration
type Config struct {
	// Paths
	DataDir string `json:"data_dir" yaml:"data_dir"`

	Server    ServerConfig    `json:"server" yaml:"server"`
	Hub       HubConfig       `json:"hub" yaml:"hub"`
	Retention RetentionConfig `json:"retention" yaml:"retention"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`

	// Optional similarity index
	Qdrant QdrantConfig `json:"qdrant" yaml:"qdrant"`
	Ollama OllamaConfig `json:"ollama" yaml:"ollama"`
}

// ServerConfig for HTTP server
type ServerConfig struct {
	Port            int      `json:"port" yaml:"port" validate:"min=1,max=65535"`
	Host            string   `json:"host" yaml:"host"`
	AllowedOrigins  []string `json:"allowed_origins" yaml:"allowed_origins"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gt=0"`
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// HubConfig for connection handling
type HubConfig struct {
	HeartbeatTimeout    Duration `json:"heartbeat_timeout" yaml:"heartbeat_timeout" validate:"gt=0"`
	SweepInterval       Duration `json:"sweep_interval" yaml:"sweep_interval" validate:"gt=0,ltefield=HeartbeatTimeout"`
	RegistrationTimeout Duration `json:"registration_timeout" yaml:"registration_timeout" validate:"gt=0"`
	WriteTimeout        Duration `json:"write_timeout" yaml:"write_timeout" validate:"gt=0"`
	QueueSize           int      `json:"queue_size" yaml:"queue_size" validate:"gt=0"`
	MaxFrameBytes       int64    `json:"max_frame_bytes" yaml:"max_frame_bytes" validate:"gt=0"`
}

// RetentionConfig bounds what the hub keeps. Zero disables a policy.
type RetentionConfig struct {
	Messages  Duration `json:"messages" yaml:"messages" validate:"gte=0"`
	Knowledge Duration `json:"knowledge" yaml:"knowledge" validate:"gte=0"`
	// DecayWindow is the age at which knowledge confidence decays to zero
	DecayWindow Duration `json:"decay_window" yaml:"decay_window" validate:"gt=0"`
}

// StorageConfig for the SQLite archive
type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // default: <data_dir>/neuralhub.db
}

// LoggingConfig for zap
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `json:"format" yaml:"format" validate:"omitempty,oneof=json console"`
}

// QdrantConfig for vector database
type QdrantConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Host       string `json:"host" yaml:"host" validate:"required_if=Enabled true"`
	Port       int    `json:"port" yaml:"port" validate:"omitempty,min=1,max=65535"`
	Collection string `json:"collection" yaml:"collection" validate:"required_if=Enabled true"`
}

// OllamaConfig for local embeddings
type OllamaConfig struct {
	URL   string `json:"url" yaml:"url" validate:"omitempty,url"`
	Model string `json:"model" yaml:"model"`
}

// Default returns default configuration
func Default() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		DataDir: filepath.Join(home, ".neuralhub"),
		Server: ServerConfig{
			Port:            8080,
			Host:            "localhost",
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Hub: HubConfig{
			HeartbeatTimeout:    Duration(60 * time.Second),
			SweepInterval:       Duration(30 * time.Second),
			RegistrationTimeout: Duration(30 * time.Second),
			WriteTimeout:        Duration(10 * time.Second),
			QueueSize:           256,
			MaxFrameBytes:       1 << 20,
		},
		Retention: RetentionConfig{
			Messages:    Duration(24 * time.Hour),
			Knowledge:   0,
			DecayWindow: Duration(30 * 24 * time.Hour),
		},
		Storage: StorageConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Qdrant: QdrantConfig{
			Enabled:    false,
			Host:       "localhost",
			Port:       6334,
			Collection: "neuralhub_knowledge",
		},
		Ollama: OllamaConfig{
			URL:   "http://localhost:11434",
			Model: "nomic-embed-text",
		},
	}
}

// DefaultPath returns the config file looked up when none is given
func DefaultPath(dataDir string) string {
	return filepath.Join(dataDir, "config.yaml")
}

// Load loads config from file, falling back to defaults when it does not
// exist, then applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		if dir := os.Getenv(EnvPrefix + "DATA_DIR"); dir != "" {
			cfg.DataDir = dir
		}
		path = DefaultPath(cfg.DataDir)
	}

	if err := cfg.loadFile(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	case ".json":
		err = json.Unmarshal(data, c)
	default:
		return fmt.Errorf("config %s: unsupported format %q", path, ext)
	}
	if err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays NEURALHUB_* variables. lookup is os.LookupEnv outside tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *Duration) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = Duration(d)
		}
	}

	str("DATA_DIR", &c.DataDir)
	str("HOST", &c.Server.Host)
	integer("PORT", &c.Server.Port)
	duration("HEARTBEAT_TIMEOUT", &c.Hub.HeartbeatTimeout)
	duration("SWEEP_INTERVAL", &c.Hub.SweepInterval)
	integer("QUEUE_SIZE", &c.Hub.QueueSize)
	duration("MESSAGE_RETENTION", &c.Retention.Messages)
	duration("KNOWLEDGE_RETENTION", &c.Retention.Knowledge)
	boolean("STORAGE_ENABLED", &c.Storage.Enabled)
	str("STORAGE_PATH", &c.Storage.Path)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	boolean("QDRANT_ENABLED", &c.Qdrant.Enabled)
	str("QDRANT_HOST", &c.Qdrant.Host)
	integer("QDRANT_PORT", &c.Qdrant.Port)
	str("OLLAMA_URL", &c.Ollama.URL)
	str("OLLAMA_MODEL", &c.Ollama.Model)

	return errors.Join(errs...)
}

// Validate checks ranges and cross-field constraints
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// StoragePath resolves the database path
func (c *Config) StoragePath() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	return filepath.Join(c.DataDir, "neuralhub.db")
}

// Save saves config to file, as YAML or JSON by extension
func (c *Config) Save(path string) error {
	if path == "" {
		path = DefaultPath(c.DataDir)
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	var data []byte
	var err error
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		data, err = json.MarshalIndent(c, "", "  ")
	} else {
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Duration is a time.Duration written as "30s" in config files
type Duration time.Duration

// Std returns the time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts "30s" strings or integer nanoseconds
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.parse(s)
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("duration: %s", data)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

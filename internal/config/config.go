package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Environment variables that override secrets in the config file.
const (
	EnvS3AccessKey   = "GBFS_S3_ACCESS_KEY"
	EnvS3SecretKey   = "GBFS_S3_SECRET_KEY"
	EnvRedisPassword = "GBFS_REDIS_PASSWORD"
)

// Config represents the main configuration for gbfs.
type Config struct {
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Store      StoreConfig      `toml:"store"`
	Encryption EncryptionConfig `toml:"encryption"`
	Files      FilesConfig      `toml:"files"`
	Tracing    TracingConfig    `toml:"tracing"`
}

// StoreConfig represents configuration for the entity store backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type StoreConfig struct {
	Type string `toml:"type"` // "memory", "filesystem", "sqlite", "redis" or "s3"

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSRoot string `toml:"fs_root,omitempty"`

	// SQLite-specific fields (only used when Type == "sqlite")
	SQLitePath string `toml:"sqlite_path,omitempty"`

	// Redis-specific fields (only used when Type == "redis")
	RedisAddr     string `toml:"redis_addr,omitempty"`
	RedisPassword string `toml:"redis_password,omitempty"`
	RedisDB       int    `toml:"redis_db,omitempty"`
	RedisPrefix   string `toml:"redis_prefix,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket       string `toml:"s3_bucket,omitempty"`
	S3Prefix       string `toml:"s3_prefix,omitempty"`
	S3Region       string `toml:"s3_region,omitempty"`
	S3Endpoint     string `toml:"s3_endpoint,omitempty"`
	S3AccessKey    string `toml:"s3_access_key,omitempty"`
	S3SecretKey    string `toml:"s3_secret_key,omitempty"`
	S3UsePathStyle bool   `toml:"s3_use_path_style,omitempty"`
}

// EncryptionConfig selects the chunk cipher and how per-file keys are
// protected in manifests.
type EncryptionConfig struct {
	Cipher         string `toml:"cipher"`   // "aes-256-gcm" (default) or "chacha20-poly1305"
	KeyWrap        string `toml:"key_wrap"` // "none" (default), "age" or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// FilesConfig holds chunking and upload settings. Zero values select the
// service defaults.
type FilesConfig struct {
	ChunkSize          int   `toml:"chunk_size"`
	MaxRecordSize      int   `toml:"max_record_size"`
	UploadConcurrency  int   `toml:"upload_concurrency"`
	TTL                int64 `toml:"ttl_seconds"`
	AllowMissingDigest bool  `toml:"allow_missing_digest"`
}

// TracingConfig controls the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled     bool   `toml:"enabled"`
	Endpoint    string `toml:"endpoint"` // OTLP/HTTP host:port
	ServiceName string `toml:"service_name"`
}

// NewConfig creates a new Config rooted at baseDir with a sqlite store and
// default key paths.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Store: StoreConfig{
			Type:       "sqlite",
			SQLitePath: filepath.Join(baseDir, "db", "gbfs.db"),
		},
		Encryption: EncryptionConfig{
			Cipher:         "aes-256-gcm",
			KeyWrap:        "none",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "gbfs.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "gbfs.key"),
		},
		Files: FilesConfig{
			ChunkSize:         60 * 1024,
			MaxRecordSize:     120 * 1024,
			UploadConcurrency: 4,
		},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4318",
			ServiceName: "gbfs",
		},
	}
}

// Validate checks the fields each store type requires.
func (c *Config) Validate() error {
	s := c.Store
	switch s.Type {
	case "memory":
	case "filesystem":
		if s.FSRoot == "" {
			return fmt.Errorf("store type filesystem requires fs_root")
		}
	case "sqlite":
		if s.SQLitePath == "" {
			return fmt.Errorf("store type sqlite requires sqlite_path")
		}
	case "redis":
		if s.RedisAddr == "" {
			return fmt.Errorf("store type redis requires redis_addr")
		}
	case "s3":
		if s.S3Bucket == "" {
			return fmt.Errorf("store type s3 requires s3_bucket")
		}
	case "":
		return fmt.Errorf("store type is required")
	default:
		return fmt.Errorf("unknown store type: %q", s.Type)
	}

	f := c.Files
	if f.ChunkSize < 0 || f.MaxRecordSize < 0 || f.UploadConcurrency < 0 || f.TTL < 0 {
		return fmt.Errorf("files settings must not be negative")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing requires an endpoint")
	}
	return nil
}

// ApplyEnv overrides secrets with values from the environment. Secrets are
// kept out of the config file when these are set.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvS3AccessKey); v != "" {
		c.Store.S3AccessKey = v
	}
	if v := os.Getenv(EnvS3SecretKey); v != "" {
		c.Store.S3SecretKey = v
	}
	if v := os.Getenv(EnvRedisPassword); v != "" {
		c.Store.RedisPassword = v
	}
}

// LoadEnvFile loads KEY=value pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading env file %s: %w", path, err)
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// The file may hold store credentials.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}

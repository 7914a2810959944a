// Package config manages revblob configuration and the .revblob directory structure.
// It handles loading, saving, and initializing the repository configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

const (
	RevblobDir     = ".revblob"
	ConfigFile     = "config"
	BboltFile      = "revs.db"
	SQLiteFile     = "revs.sqlite"
	AttachmentsDir = "attachments"
)

// Defaults for a freshly initialized repository.
const (
	DefaultBackend                = "bbolt"
	DefaultBigAttachmentThreshold = 16384
	DefaultBlobCacheSize          = 256
	DefaultBlobCacheMaxBytes      = 1 << 20
	DefaultGCWorkers              = 4
)

// Config represents the revblob configuration
type Config struct {
	Backend                string `toml:"backend"`
	BigAttachmentThreshold int64  `toml:"big_attachment_threshold"`

	// BlobCacheSize is the number of cached bodies; 0 disables the cache.
	BlobCacheSize     int   `toml:"blob_cache_size"`
	BlobCacheMaxBytes int64 `toml:"blob_cache_max_bytes"`

	// MaxRevDepth of 0 keeps every ancestor and prunes only bodies.
	MaxRevDepth int `toml:"max_rev_depth"`
	GCWorkers   int `toml:"gc_workers"`

	path string // path to .revblob directory
}

// Default returns a configuration with every field at its default.
func Default() *Config {
	return &Config{
		Backend:                DefaultBackend,
		BigAttachmentThreshold: DefaultBigAttachmentThreshold,
		BlobCacheSize:          DefaultBlobCacheSize,
		BlobCacheMaxBytes:      DefaultBlobCacheMaxBytes,
		GCWorkers:              DefaultGCWorkers,
	}
}

// FindRoot finds the .revblob directory by walking up from the current directory
func FindRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return FindRootFrom(dir)
}

// FindRootFrom finds the .revblob directory by walking up from dir
func FindRootFrom(dir string) (string, error) {
	for {
		root := filepath.Join(dir, RevblobDir)
		if info, err := os.Stat(root); err == nil && info.IsDir() {
			return root, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not a revblob repository (or any parent up to root)")
		}
		dir = parent
	}
}

// Load loads the configuration from the .revblob directory above the current directory
func Load() (*Config, error) {
	root, err := FindRoot()
	if err != nil {
		return nil, err
	}
	return LoadFrom(root)
}

// LoadFrom loads the configuration from a .revblob directory. Missing fields
// keep their defaults.
func LoadFrom(root string) (*Config, error) {
	data, err := os.ReadFile(filepath.Join(root, ConfigFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.path = root
	return cfg, nil
}

// Validate checks field ranges.
func (c *Config) Validate() error {
	switch c.Backend {
	case "bbolt", "sqlite":
	default:
		return fmt.Errorf("invalid backend %q (expected bbolt or sqlite)", c.Backend)
	}
	if c.BigAttachmentThreshold <= 0 {
		return fmt.Errorf("big_attachment_threshold must be positive")
	}
	if c.BlobCacheSize < 0 || c.BlobCacheMaxBytes < 0 {
		return fmt.Errorf("blob cache limits must not be negative")
	}
	if c.MaxRevDepth < 0 {
		return fmt.Errorf("max_rev_depth must not be negative")
	}
	if c.GCWorkers <= 0 {
		return fmt.Errorf("gc_workers must be positive")
	}
	return nil
}

// Save saves the configuration to disk
func (c *Config) Save() error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(c.path, ConfigFile), data, 0644)
}

// Root returns the path to the .revblob directory
func (c *Config) Root() string {
	return c.path
}

// DatabasePath returns the path to the row store of the configured backend
func (c *Config) DatabasePath() string {
	if c.Backend == "sqlite" {
		return filepath.Join(c.path, SQLiteFile)
	}
	return filepath.Join(c.path, BboltFile)
}

// AttachmentsPath returns the path to the blob directory
func (c *Config) AttachmentsPath() string {
	return filepath.Join(c.path, AttachmentsDir)
}

// Initialize creates a new .revblob directory in the current directory
func Initialize(backend string) (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return InitializeAt(cwd, backend)
}

// InitializeAt creates a new .revblob directory inside dir. An empty backend
// selects the default.
func InitializeAt(dir, backend string) (*Config, error) {
	root := filepath.Join(dir, RevblobDir)

	// Check if already initialized
	if _, err := os.Stat(root); err == nil {
		return nil, fmt.Errorf("revblob repository already exists")
	}

	cfg := Default()
	if backend != "" {
		cfg.Backend = backend
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.path = root

	if err := os.MkdirAll(cfg.AttachmentsPath(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create attachments directory: %w", err)
	}

	if err := cfg.Save(); err != nil {
		// Cleanup on failure
		os.RemoveAll(root)
		return nil, err
	}

	return cfg, nil
}

// Ensure loads the configuration stored in root, first creating root with a
// default configuration if it has none. The server uses it for data
// directories given on the command line.
func Ensure(root string) (*Config, error) {
	if _, err := os.Stat(filepath.Join(root, ConfigFile)); err == nil {
		return LoadFrom(root)
	}

	cfg := Default()
	cfg.path = root
	if err := os.MkdirAll(cfg.AttachmentsPath(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create attachments directory: %w", err)
	}
	if err := cfg.Save(); err != nil {
		return nil, err
	}
	return cfg, nil
}

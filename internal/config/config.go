package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete modsync configuration
type Config struct {
	Index IndexConfig `yaml:"index"`
	Build BuildConfig `yaml:"build"`
	Sync  SyncConfig  `yaml:"sync"`
	HTTP  HTTPConfig  `yaml:"http"`
	Serve ServeConfig `yaml:"serve"`
	Run   RunConfig   `yaml:"run"`
}

// IndexConfig locates the SQLite index
type IndexConfig struct {
	Path string `yaml:"path"`
}

// BuildConfig configures manifest builds
type BuildConfig struct {
	Parallel *bool `yaml:"parallel"`
	Workers  int   `yaml:"workers"`
}

// SyncConfig configures clone downloads
type SyncConfig struct {
	Workers int   `yaml:"workers"`
	Verify  *bool `yaml:"verify"`
}

// HTTPConfig configures the download client
type HTTPConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
}

// ServeConfig configures the repository server
type ServeConfig struct {
	ListenAddr string         `yaml:"listen_addr"`
	Debounce   *time.Duration `yaml:"debounce"`
	SecretFile string         `yaml:"secret_file"`
}

// RunConfig configures staging and launching the game
type RunConfig struct {
	Executable string   `yaml:"executable"`
	StageDir   string   `yaml:"stage_dir"`
	Args       []string `yaml:"args"`
}

// Defaults
const (
	DefaultIndexPath  = "$HOME/.local/share/modsync/index.sqlite3"
	DefaultPath       = "$HOME/.config/modsync/config.yaml"
	DefaultTimeout    = 10 * time.Minute
	DefaultUserAgent  = "modsync"
	DefaultListenAddr = ":8080"
	DefaultDebounce   = 2 * time.Second
)

// Load reads and parses the configuration file. A missing file at
// DefaultPath yields the defaults; any other missing file is an error.
func Load(path string) (*Config, error) {
	explicit := path != "" && path != DefaultPath
	if path == "" {
		path = DefaultPath
	}
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		// no config file, run on defaults
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all path fields
func (c *Config) expandEnv() {
	c.Index.Path = os.ExpandEnv(c.Index.Path)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.SecretFile = os.ExpandEnv(c.Serve.SecretFile)
	c.Run.Executable = os.ExpandEnv(c.Run.Executable)
	c.Run.StageDir = os.ExpandEnv(c.Run.StageDir)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Index.Path == "" {
		c.Index.Path = os.ExpandEnv(DefaultIndexPath)
	}
	if c.Build.Parallel == nil {
		c.Build.Parallel = boolPtr(true)
	}
	if c.Sync.Verify == nil {
		c.Sync.Verify = boolPtr(true)
	}
	if c.HTTP.Timeout == 0 {
		c.HTTP.Timeout = DefaultTimeout
	}
	if c.HTTP.UserAgent == "" {
		c.HTTP.UserAgent = DefaultUserAgent
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = DefaultListenAddr
	}
	if c.Serve.Debounce == nil {
		d := DefaultDebounce
		c.Serve.Debounce = &d
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Index.Path == "" {
		return fmt.Errorf("index.path is required")
	}
	if c.Build.Workers < 0 {
		return fmt.Errorf("build.workers must not be negative: %d", c.Build.Workers)
	}
	if c.Sync.Workers < 0 {
		return fmt.Errorf("sync.workers must not be negative: %d", c.Sync.Workers)
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be positive: %s", c.HTTP.Timeout)
	}
	if c.Serve.Debounce != nil && *c.Serve.Debounce < 0 {
		return fmt.Errorf("serve.debounce must not be negative: %s", *c.Serve.Debounce)
	}
	if c.Run.StageDir != "" && !filepath.IsAbs(c.Run.StageDir) {
		return fmt.Errorf("run.stage_dir must be an absolute path: %s", c.Run.StageDir)
	}
	return nil
}

// ParallelBuild reports whether manifests are fingerprinted concurrently.
func (c *Config) ParallelBuild() bool {
	return c.Build.Parallel == nil || *c.Build.Parallel
}

// VerifyDownloads reports whether downloaded blobs are checked against their hash.
func (c *Config) VerifyDownloads() bool {
	return c.Sync.Verify == nil || *c.Sync.Verify
}

// RebuildDelay is how long the server waits for rebuild requests to settle.
// An explicit zero rebuilds immediately.
func (c *Config) RebuildDelay() time.Duration {
	if c.Serve.Debounce == nil {
		return DefaultDebounce
	}
	return *c.Serve.Debounce
}

func boolPtr(b bool) *bool { return &b }

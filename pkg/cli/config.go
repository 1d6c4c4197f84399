package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/goccy/go-yaml"

	"github.com/marytts/marytts-sub027/pkg/storage"
	"github.com/marytts/marytts-sub027/pkg/trainer"
)

const (
	// DefaultBaseDir is the base configuration directory name
	DefaultBaseDir = ".vcbook"
	// DefaultConfigFile is the default configuration filename
	DefaultConfigFile = "config.yaml"
)

// Config represents the main configuration structure
type Config struct {
	// CurrentContext is the name of the currently active context
	CurrentContext string `yaml:"current_context,omitempty"`

	// Contexts is a map of context name to context configuration
	Contexts map[string]*Context `yaml:"contexts,omitempty"`

	// configPath is the path to the config file
	configPath string
}

// Context names where artifacts and the analysis cache live.
type Context struct {
	// Name is the context name
	Name string `yaml:"name"`

	// StoreDir is the local artifact store root. Ignored when S3 is set.
	StoreDir string `yaml:"store_dir,omitempty"`

	// CacheDir holds the training analysis cache. Empty keeps the cache in
	// memory for the duration of one command.
	CacheDir string `yaml:"cache_dir,omitempty"`

	// S3 publishes artifacts to an S3-compatible bucket instead of
	// StoreDir.
	S3 *storage.S3Config `yaml:"s3,omitempty"`
}

// LoadConfig loads or creates ~/.vcbook/config.yaml.
func LoadConfig() (*Config, error) {
	return LoadConfigWithPath("")
}

// LoadConfigWithPath loads configuration from a custom path
func LoadConfigWithPath(customPath string) (*Config, error) {
	configPath := customPath
	if configPath == "" {
		paths, err := NewPaths()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = paths.ConfigFile()
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	cfg := &Config{
		Contexts:   make(map[string]*Context),
		configPath: configPath,
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.Save()
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Contexts == nil {
		cfg.Contexts = make(map[string]*Context)
	}
	cfg.configPath = configPath
	return cfg, nil
}

// Save saves the configuration to disk
func (c *Config) Save() error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(c.configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Path returns the config file path
func (c *Config) Path() string {
	return c.configPath
}

// Dir returns the config directory path
func (c *Config) Dir() string {
	return filepath.Dir(c.configPath)
}

// AddContext adds or replaces a context
func (c *Config) AddContext(name string, ctx *Context) error {
	if name == "" {
		return fmt.Errorf("context name cannot be empty")
	}
	if ctx.S3 != nil && ctx.S3.Bucket == "" {
		return fmt.Errorf("context %q: s3 bucket is required", name)
	}
	ctx.Name = name
	c.Contexts[name] = ctx
	return c.Save()
}

// DeleteContext removes a context
func (c *Config) DeleteContext(name string) error {
	if _, ok := c.Contexts[name]; !ok {
		return fmt.Errorf("context %q not found", name)
	}
	delete(c.Contexts, name)
	if c.CurrentContext == name {
		c.CurrentContext = ""
	}
	return c.Save()
}

// UseContext sets the current context
func (c *Config) UseContext(name string) error {
	if _, ok := c.Contexts[name]; !ok {
		return fmt.Errorf("context %q not found", name)
	}
	c.CurrentContext = name
	return c.Save()
}

// GetContext returns a specific context
func (c *Config) GetContext(name string) (*Context, error) {
	ctx, ok := c.Contexts[name]
	if !ok {
		return nil, fmt.Errorf("context %q not found", name)
	}
	return ctx, nil
}

// ResolveContext returns the named context, the current context if name
// is empty, or a default context under the config directory when none is
// configured.
func (c *Config) ResolveContext(name string) (*Context, error) {
	if name != "" {
		return c.GetContext(name)
	}
	if c.CurrentContext != "" {
		return c.GetContext(c.CurrentContext)
	}
	return &Context{
		Name:     "default",
		StoreDir: filepath.Join(c.Dir(), "store"),
		CacheDir: filepath.Join(c.Dir(), "cache"),
	}, nil
}

// ListContexts returns all context names in sorted order
func (c *Config) ListContexts() []string {
	names := make([]string, 0, len(c.Contexts))
	for name := range c.Contexts {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// OpenStore returns the artifact store of the context.
func (ctx *Context) OpenStore(c context.Context) (storage.FileStore, error) {
	if ctx.S3 != nil {
		return storage.NewS3FromConfig(c, *ctx.S3)
	}
	if ctx.StoreDir == "" {
		return nil, fmt.Errorf("context %q has no store_dir", ctx.Name)
	}
	return storage.NewLocal(ctx.StoreDir)
}

// OpenCache opens the training analysis cache of the context.
func (ctx *Context) OpenCache() (*trainer.Cache, error) {
	return trainer.OpenCache(ctx.CacheDir)
}

// Location describes where the context stores artifacts.
func (ctx *Context) Location() string {
	if ctx.S3 != nil {
		if ctx.S3.Prefix != "" {
			return "s3://" + ctx.S3.Bucket + "/" + ctx.S3.Prefix
		}
		return "s3://" + ctx.S3.Bucket
	}
	return ctx.StoreDir
}

// Package config loads the owl.toml workspace configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"owlsp/internal/project"
)

const (
	DefaultDebounce = 200 * time.Millisecond
	DefaultTimeout  = 60 * time.Second
)

// DefaultExtensions are the source extensions of a unit without an explicit
// extensions list.
var DefaultExtensions = []string{".rs"}

// Duration is a time.Duration written as a Go duration string in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	if v < 0 {
		return fmt.Errorf("negative duration %q", text)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type BuildConfig struct {
	Debounce Duration `toml:"debounce"`
	Workers  int      `toml:"workers"`
	Timeout  Duration `toml:"timeout"`
}

type ProviderConfig struct {
	Command   string   `toml:"command"`
	Args      []string `toml:"args"`
	Env       []string `toml:"env"`
	ReplayDir string   `toml:"replay_dir"`
}

type CacheConfig struct {
	Enabled *bool  `toml:"enabled"`
	Dir     string `toml:"dir"`
	// MaxEntries caps the units kept on disk; 0 keeps the default and a
	// negative value removes the cap.
	MaxEntries int `toml:"max_entries"`
}

// UnitConfig declares one build unit. Dir is relative to the workspace root.
type UnitConfig struct {
	Name       string   `toml:"name"`
	Dir        string   `toml:"dir"`
	Extensions []string `toml:"extensions"`
}

// Config is the resolved workspace configuration.
type Config struct {
	// Path is the manifest path, empty when running on defaults.
	Path string `toml:"-"`
	Root string `toml:"-"`

	Build    BuildConfig    `toml:"build"`
	Provider ProviderConfig `toml:"provider"`
	Cache    CacheConfig    `toml:"cache"`
	Units    []UnitConfig   `toml:"unit"`
}

// Default returns the configuration used when no owl.toml exists: one unit
// covering root.
func Default(root string) *Config {
	cfg := &Config{Root: root}
	cfg.applyDefaults()
	return cfg
}

// Load finds owl.toml from startDir upwards and decodes it. Without a
// manifest the defaults for startDir are returned.
func Load(startDir string) (*Config, error) {
	manifestPath, ok, err := project.FindManifest(startDir)
	if err != nil {
		return nil, err
	}
	if !ok {
		root, err := filepath.Abs(startDir)
		if err != nil {
			return nil, err
		}
		return Default(root), nil
	}
	return LoadFile(manifestPath)
}

// LoadFile decodes the given manifest.
func LoadFile(path string) (*Config, error) {
	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	for i, u := range cfg.Units {
		if !meta.IsDefined("unit") || strings.TrimSpace(u.Name) == "" {
			return nil, fmt.Errorf("%s: [[unit]] #%d is missing a name", path, i+1)
		}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	cfg.Path = abs
	cfg.Root = filepath.Dir(abs)
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Build.Debounce.Duration == 0 {
		c.Build.Debounce.Duration = DefaultDebounce
	}
	if c.Build.Timeout.Duration == 0 {
		c.Build.Timeout.Duration = DefaultTimeout
	}
	if c.Build.Workers <= 0 {
		c.Build.Workers = min(max(runtime.GOMAXPROCS(0)/2, 2), 8)
	}
	if len(c.Units) == 0 {
		c.Units = []UnitConfig{{Name: filepath.Base(c.Root), Dir: "."}}
	}
	for i := range c.Units {
		u := &c.Units[i]
		if u.Dir == "" {
			u.Dir = "."
		}
		if len(u.Extensions) == 0 {
			u.Extensions = DefaultExtensions
		}
	}
	if c.Provider.ReplayDir != "" && !filepath.IsAbs(c.Provider.ReplayDir) {
		c.Provider.ReplayDir = filepath.Join(c.Root, c.Provider.ReplayDir)
	}
	if c.Cache.Dir != "" && !filepath.IsAbs(c.Cache.Dir) {
		c.Cache.Dir = filepath.Join(c.Root, c.Cache.Dir)
	}
}

// CacheEnabled reports whether the on-disk cache should be used.
// OWLSP_CACHE=0 disables it regardless of the file.
func (c *Config) CacheEnabled() bool {
	if v := os.Getenv("OWLSP_CACHE"); v == "0" || strings.EqualFold(v, "off") {
		return false
	}
	if c.Cache.Enabled != nil {
		return *c.Cache.Enabled
	}
	return true
}

// CacheDir returns the configured cache directory, honoring OWLSP_CACHE_DIR.
func (c *Config) CacheDir() string {
	if v := os.Getenv("OWLSP_CACHE_DIR"); v != "" {
		return v
	}
	return c.Cache.Dir
}

// CacheMaxEntries returns the disk cache unit cap, honoring
// OWLSP_CACHE_MAX_ENTRIES. Zero means the store default and a negative value
// means no cap.
func (c *Config) CacheMaxEntries() (int, error) {
	if v := strings.TrimSpace(os.Getenv("OWLSP_CACHE_MAX_ENTRIES")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("OWLSP_CACHE_MAX_ENTRIES: %w", err)
		}
		return n, nil
	}
	return c.Cache.MaxEntries, nil
}

// UnitDir returns the absolute directory of a unit.
func (c *Config) UnitDir(u UnitConfig) string {
	if filepath.IsAbs(u.Dir) {
		return filepath.Clean(u.Dir)
	}
	return filepath.Join(c.Root, filepath.FromSlash(u.Dir))
}

package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

const appName = "pagemill"

// Supported DPI bounds for the rasterizer.
const (
	MinDPI = 72
	MaxDPI = 600
)

type Config struct {
	Storage    Storage    `yaml:"storage"`
	Rasterizer Rasterizer `yaml:"rasterizer"`
	Quality    Quality    `yaml:"quality"`
	Scheduler  Scheduler  `yaml:"scheduler"`
	Server     Server     `yaml:"server"`
	Logging    Logging    `yaml:"logging"`
}

type Storage struct {
	DataDir  string `yaml:"data_dir"`
	SiteRoot string `yaml:"site_root"`
	PagesDir string `yaml:"pages_dir"`
}

type Rasterizer struct {
	Engine       string        `yaml:"engine"`
	Binary       string        `yaml:"binary"`
	DPI          int           `yaml:"dpi"`
	Device       string        `yaml:"device"`
	JPEGQuality  int           `yaml:"jpeg_quality"`
	ThumbnailDPI int           `yaml:"thumbnail_dpi"`
	Timeout      time.Duration `yaml:"timeout"`
	Concurrency  int           `yaml:"concurrency"`
}

type Quality struct {
	ReferenceWidth  int     `yaml:"reference_width"`
	ReferenceSizeMB float64 `yaml:"reference_size_mb"`
	Premium         float64 `yaml:"premium"`
	High            float64 `yaml:"high"`
	Standard        float64 `yaml:"standard"`
}

type Scheduler struct {
	Interval         time.Duration `yaml:"interval"`
	LogRetentionDays int           `yaml:"log_retention_days"`
	LockTTL          time.Duration `yaml:"lock_ttl"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// ConfigDir returns the XDG config directory for pagemill.
func ConfigDir() string {
	return filepath.Join(xdg.ConfigHome, appName)
}

// DataDir returns the XDG data directory for pagemill.
func DataDir() string {
	return filepath.Join(xdg.DataHome, appName)
}

// LoadEnv reads an optional .env file from the working directory.
// Variables already present in the environment win.
func LoadEnv() {
	if _, err := os.Stat(".env"); err != nil {
		return
	}
	_ = godotenv.Load()
}

// ResolveConfigPath finds the config file following priority:
// explicit path > $XDG_CONFIG_HOME/pagemill/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'pagemill init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration without reading any file.
func Default() *Config {
	cfg, _ := parse(nil)
	return cfg
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Storage: Storage{
			PagesDir: "uploads/pages",
		},
		Rasterizer: Rasterizer{
			Engine:       "ghostscript",
			DPI:          300,
			Device:       "jpeg",
			JPEGQuality:  90,
			ThumbnailDPI: 40,
			Timeout:      2 * time.Minute,
			Concurrency:  4,
		},
		Quality: Quality{
			ReferenceWidth:  2550,
			ReferenceSizeMB: 1.5,
			Premium:         85,
			High:            65,
			Standard:        45,
		},
		Scheduler: Scheduler{
			Interval:         15 * time.Minute,
			LogRetentionDays: 30,
			LockTTL:          30 * time.Minute,
		},
		Server:  Server{Port: 8000},
		Logging: Logging{Level: "INFO"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PAGEMILL_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("PAGEMILL_SITE_ROOT"); v != "" {
		c.Storage.SiteRoot = v
	}
}

// Validate checks value ranges that the pipeline relies on.
func (c *Config) Validate() error {
	r := c.Rasterizer
	if r.DPI < MinDPI || r.DPI > MaxDPI {
		return fmt.Errorf("rasterizer.dpi must be within [%d, %d], got %d", MinDPI, MaxDPI, r.DPI)
	}
	if r.ThumbnailDPI < 1 || r.ThumbnailDPI > r.DPI {
		return fmt.Errorf("rasterizer.thumbnail_dpi must be within [1, %d], got %d", r.DPI, r.ThumbnailDPI)
	}
	switch strings.ToLower(r.Engine) {
	case "ghostscript", "pdftoppm", "fitz":
	default:
		return fmt.Errorf("unknown rasterizer.engine %q", r.Engine)
	}
	switch strings.ToLower(r.Device) {
	case "jpeg", "png":
	default:
		return fmt.Errorf("unknown rasterizer.device %q (want jpeg or png)", r.Device)
	}
	if r.Concurrency < 1 {
		return fmt.Errorf("rasterizer.concurrency must be positive")
	}
	if r.Timeout <= 0 {
		return fmt.Errorf("rasterizer.timeout must be positive")
	}
	q := c.Quality
	if !(q.Premium > q.High && q.High > q.Standard && q.Standard > 0) {
		return fmt.Errorf("quality thresholds must satisfy premium > high > standard > 0")
	}
	if c.Scheduler.LogRetentionDays < 1 {
		return fmt.Errorf("scheduler.log_retention_days must be positive")
	}
	return nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Storage.DataDir != "" {
		return c.Storage.DataDir
	}
	return DataDir()
}

// GetSiteRoot returns the directory stored page paths are relative to.
// It defaults to the data directory.
func (c *Config) GetSiteRoot() string {
	if c.Storage.SiteRoot != "" {
		return c.Storage.SiteRoot
	}
	return c.GetDataDir()
}

// DBPath returns the ledger database location.
func (c *Config) DBPath() string {
	return filepath.Join(c.GetDataDir(), "pagemill.db")
}

// LogPath returns the run log location.
func (c *Config) LogPath() string {
	return filepath.Join(c.GetDataDir(), "logs", "runs.log")
}

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

// Config mirrors the YAML schema. Load fills unset tunables with defaults;
// paths and the API base URL must be supplied.
type Config struct {
	Version int     `yaml:"version"`
	General General `yaml:"general"`
	API     API     `yaml:"api"`
	Network Network `yaml:"network"`
	Cache   Cache   `yaml:"cache"`
	Auth    Auth    `yaml:"auth"`
	Logging Logging `yaml:"logging"`
	Metrics Metrics `yaml:"metrics"`
}

type General struct {
	DataRoot     string `yaml:"data_root"`
	DownloadRoot string `yaml:"download_root"`
	PartialsRoot string `yaml:"partials_root"` // staged .part files; default <download_root>/.parts
}

type API struct {
	BaseURL         string   `yaml:"base_url"`
	PublicEndpoints []string `yaml:"public_endpoints"`
	PageSize        int      `yaml:"page_size"`
}

type Network struct {
	TimeoutSeconds     int    `yaml:"timeout_seconds"`
	UserAgent          string `yaml:"user_agent"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	ConnectivityCheck  bool   `yaml:"connectivity_check"`
}

type Cache struct {
	DocumentTTL      Duration `yaml:"document_ttl"`
	AssetTTL         Duration `yaml:"asset_ttl"`
	PageTTL          Duration `yaml:"page_ttl"`
	KeepCount        int      `yaml:"keep_count"`
	HotRecords       int      `yaml:"hot_records"`
	HistoryRetention Duration `yaml:"history_retention"`
	JanitorInterval  Duration `yaml:"janitor_interval"`
}

type Auth struct {
	RefreshSkew    Duration `yaml:"refresh_skew"`
	PersistSession *bool    `yaml:"persist_session"`
}

type Logging struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // human|json
}

type Metrics struct {
	PrometheusTextfile PromTextfile `yaml:"prometheus_textfile"`
}

type PromTextfile struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Duration accepts Go duration strings ("5m", "24h") in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Defaults for tunables left unset.
const (
	DefaultPageSize         = 20
	DefaultTimeoutSeconds   = 30
	DefaultDocumentTTL      = 24 * time.Hour
	DefaultAssetTTL         = 5 * time.Minute
	DefaultPageTTL          = 10 * time.Minute
	DefaultKeepCount        = 500
	DefaultHotRecords       = 256
	DefaultHistoryRetention = 30 * 24 * time.Hour
	DefaultJanitorInterval  = 15 * time.Minute
	DefaultRefreshSkew      = 30 * time.Second
)

// DefaultPublicEndpoints never carry a credential.
var DefaultPublicEndpoints = []string{"health", "version", "login"}

// DefaultPath resolves $MAINTSYNC_CONFIG, falling back to the XDG config dir.
func DefaultPath() string {
	if p := strings.TrimSpace(os.Getenv("MAINTSYNC_CONFIG")); p != "" {
		return p
	}
	p, err := xdg.ConfigFile(filepath.Join("maintsync", "config.yml"))
	if err != nil {
		return filepath.Join(xdg.ConfigHome, "maintsync", "config.yml")
	}
	return p
}

// Load reads, parses, expands, and validates a YAML config file.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}
	expanded, err := expandTilde(path)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(expanded)
	if err != nil {
		return nil, err
	}
	// Expand ${ENV} placeholders before unmarshalling
	b = []byte(os.ExpandEnv(string(b)))
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	if err := c.expandPaths(); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) expandPaths() error {
	var err error
	if c.General.DataRoot, err = expandTilde(c.General.DataRoot); err != nil {
		return err
	}
	if c.General.DownloadRoot, err = expandTilde(c.General.DownloadRoot); err != nil {
		return err
	}
	if c.General.PartialsRoot, err = expandTilde(c.General.PartialsRoot); err != nil {
		return err
	}
	if c.Metrics.PrometheusTextfile.Path, err = expandTilde(c.Metrics.PrometheusTextfile.Path); err != nil {
		return err
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.General.PartialsRoot == "" && c.General.DownloadRoot != "" {
		c.General.PartialsRoot = filepath.Join(c.General.DownloadRoot, ".parts")
	}
	if len(c.API.PublicEndpoints) == 0 {
		c.API.PublicEndpoints = append([]string(nil), DefaultPublicEndpoints...)
	}
	if c.API.PageSize == 0 {
		c.API.PageSize = DefaultPageSize
	}
	if c.Network.TimeoutSeconds == 0 {
		c.Network.TimeoutSeconds = DefaultTimeoutSeconds
	}
	setDur := func(d *Duration, def time.Duration) {
		if *d == 0 {
			*d = Duration(def)
		}
	}
	setDur(&c.Cache.DocumentTTL, DefaultDocumentTTL)
	setDur(&c.Cache.AssetTTL, DefaultAssetTTL)
	setDur(&c.Cache.PageTTL, DefaultPageTTL)
	setDur(&c.Cache.HistoryRetention, DefaultHistoryRetention)
	setDur(&c.Cache.JanitorInterval, DefaultJanitorInterval)
	setDur(&c.Auth.RefreshSkew, DefaultRefreshSkew)
	if c.Cache.KeepCount == 0 {
		c.Cache.KeepCount = DefaultKeepCount
	}
	if c.Cache.HotRecords == 0 {
		c.Cache.HotRecords = DefaultHotRecords
	}
}

func (c *Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", c.Version)
	}
	if c.General.DataRoot == "" {
		return errors.New("general.data_root is required")
	}
	if c.General.DownloadRoot == "" {
		return errors.New("general.download_root is required")
	}
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return errors.New("api.base_url is required")
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api.base_url invalid: %s", c.API.BaseURL)
	}
	if c.API.PageSize < 1 || c.API.PageSize > 200 {
		return fmt.Errorf("api.page_size must be within 1..200")
	}
	if c.Network.TimeoutSeconds < 0 {
		return fmt.Errorf("network.timeout_seconds must be >= 0")
	}
	if c.Cache.KeepCount < 0 {
		return fmt.Errorf("cache.keep_count must be >= 0")
	}
	if c.Cache.HotRecords < 0 {
		return fmt.Errorf("cache.hot_records must be >= 0")
	}
	for name, d := range map[string]Duration{
		"cache.document_ttl":      c.Cache.DocumentTTL,
		"cache.asset_ttl":         c.Cache.AssetTTL,
		"cache.page_ttl":          c.Cache.PageTTL,
		"cache.history_retention": c.Cache.HistoryRetention,
		"cache.janitor_interval":  c.Cache.JanitorInterval,
		"auth.refresh_skew":       c.Auth.RefreshSkew,
	} {
		if d < 0 {
			return fmt.Errorf("%s must be >= 0", name)
		}
	}
	lvl := strings.ToLower(c.Logging.Level)
	switch lvl {
	case "", "debug", "info", "warn", "error":
		// ok
	default:
		return fmt.Errorf("logging.level invalid: %s", c.Logging.Level)
	}
	fmtStr := strings.ToLower(c.Logging.Format)
	switch fmtStr {
	case "", "human", "json":
		// ok
	default:
		return fmt.Errorf("logging.format invalid: %s", c.Logging.Format)
	}
	if c.Metrics.PrometheusTextfile.Enabled && c.Metrics.PrometheusTextfile.Path == "" {
		return errors.New("metrics.prometheus_textfile.path is required when enabled")
	}
	return nil
}

// Timeout is the bounded deadline applied to every remote call.
func (c *Config) Timeout() time.Duration {
	if c.Network.TimeoutSeconds <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(c.Network.TimeoutSeconds) * time.Second
}

// PersistSession defaults to true when unset.
func (c *Config) PersistSession() bool {
	return c.Auth.PersistSession == nil || *c.Auth.PersistSession
}

func expandTilde(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if p[0] != '~' {
		return p, nil
	}
	h, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if p == "~" {
		return h, nil
	}
	return filepath.Join(h, p[2:]), nil
}

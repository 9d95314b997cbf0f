package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" envPrefix:"SERVER_"`
	Cache    CacheConfig    `yaml:"cache" envPrefix:"CACHE_"`
	Offline  OfflineConfig  `yaml:"offline" envPrefix:"OFFLINE_"`
	Matchers MatchersConfig `yaml:"matchers" envPrefix:"MATCHERS_"`
	Log      LogConfig      `yaml:"log" envPrefix:"LOG_"`
}

// ServerConfig contains server-related configuration
type ServerConfig struct {
	Port int `yaml:"port" env:"PORT"`
	// Empty means no timeout: streams stay open as long as upstream keeps them.
	UpstreamTimeout string      `yaml:"upstream_timeout" env:"UPSTREAM_TIMEOUT"`
	HTTPS           HTTPSConfig `yaml:"https" envPrefix:"HTTPS_"`
}

// HTTPSConfig contains TLS interception settings
type HTTPSConfig struct {
	CACertFile      string `yaml:"ca_cert_file" env:"CA_CERT_FILE"`
	CAKeyFile       string `yaml:"ca_key_file" env:"CA_KEY_FILE"`
	TransparentPort int    `yaml:"transparent_port" env:"TRANSPARENT_PORT"`
}

// CacheConfig contains cache store configuration
type CacheConfig struct {
	Version string `yaml:"version" env:"VERSION"`
	Backend string `yaml:"backend" env:"BACKEND"` // "memory", "disk" or "sqlite"
	Folder  string `yaml:"folder" env:"FOLDER"`
}

// OfflineConfig describes the resources stored at install time
type OfflineConfig struct {
	Origin   string   `yaml:"origin" env:"ORIGIN"`
	Document string   `yaml:"document" env:"DOCUMENT"`
	Precache []string `yaml:"precache" env:"PRECACHE" envSeparator:","`
}

// MatchersConfig contains the request classification patterns
type MatchersConfig struct {
	Mode            string   `yaml:"mode" env:"MODE"` // "substring" or "host"
	RedirectDomains []string `yaml:"redirect_domains" env:"REDIRECT_DOMAINS" envSeparator:","`
	StreamPatterns  []string `yaml:"stream_patterns" env:"STREAM_PATTERNS" envSeparator:","`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
}

const (
	BackendMemory = "memory"
	BackendDisk   = "disk"
	BackendSQLite = "sqlite"

	MatchSubstring = "substring"
	MatchHost      = "host"
)

// Default returns the configuration used when no file overrides it
func Default() Config {
	return Config{
		Server: ServerConfig{Port: 8080},
		Cache: CacheConfig{
			Version: "relayradio-v2",
			Backend: BackendDisk,
			Folder:  "./cache",
		},
		Offline: OfflineConfig{
			Origin:   "https://relayradio.example",
			Document: "/offline.html",
			Precache: []string{"/offline.html", "/favicon.ico", "/icons/icon-192x192.png"},
		},
		Matchers: MatchersConfig{
			Mode:            MatchSubstring,
			RedirectDomains: []string{"radiojar.com"},
			StreamPatterns:  []string{"stream", "icecast", ".mp3", ".aac", ".ogg"},
		},
		Log: LogConfig{Level: "info"},
	}
}

// GetUpstreamTimeout parses the upstream response header timeout, zero when unset
func (c *Config) GetUpstreamTimeout() (time.Duration, error) {
	if c.Server.UpstreamTimeout == "" {
		return 0, nil
	}
	return time.ParseDuration(c.Server.UpstreamTimeout)
}

// OfflineURL returns the absolute URL of the offline fallback document
func (c *Config) OfflineURL() (string, error) {
	return c.resolve(c.Offline.Document)
}

// SiteOrigin returns the scheme and host of the radio site. Only traffic of
// that site is intercepted.
func (c *Config) SiteOrigin() (*url.URL, error) {
	u, err := url.Parse(c.Offline.Origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("offline origin must be an absolute URL, got: %s", c.Offline.Origin)
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host}, nil
}

// PrecacheURLs returns the absolute URLs of every precached resource
func (c *Config) PrecacheURLs() ([]string, error) {
	urls := make([]string, 0, len(c.Offline.Precache))
	for _, p := range c.Offline.Precache {
		u, err := c.resolve(p)
		if err != nil {
			return nil, err
		}
		urls = append(urls, u)
	}
	return urls, nil
}

func (c *Config) resolve(ref string) (string, error) {
	base, err := url.Parse(c.Offline.Origin)
	if err != nil {
		return "", fmt.Errorf("invalid offline origin: %w", err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid resource path '%s': %w", ref, err)
	}
	return base.ResolveReference(r).String(), nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.Server.HTTPS.TransparentPort < 0 || c.Server.HTTPS.TransparentPort > 65535 {
		return fmt.Errorf("invalid transparent HTTPS port: %d", c.Server.HTTPS.TransparentPort)
	}

	if (c.Server.HTTPS.CACertFile == "") != (c.Server.HTTPS.CAKeyFile == "") {
		return fmt.Errorf("CA certificate and key must be set together")
	}

	if _, err := c.GetUpstreamTimeout(); err != nil {
		return fmt.Errorf("invalid upstream timeout format: %w", err)
	}

	if strings.TrimSpace(c.Cache.Version) == "" {
		return fmt.Errorf("cache version is required")
	}

	switch c.Cache.Backend {
	case BackendMemory:
	case BackendDisk, BackendSQLite:
		if c.Cache.Folder == "" {
			return fmt.Errorf("cache folder is required for backend '%s'", c.Cache.Backend)
		}
	default:
		return fmt.Errorf("cache backend must be 'memory', 'disk' or 'sqlite', got: %s", c.Cache.Backend)
	}

	origin, err := url.Parse(c.Offline.Origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return fmt.Errorf("offline origin must be an absolute URL, got: %s", c.Offline.Origin)
	}

	if c.Offline.Document == "" {
		return fmt.Errorf("offline document is required")
	}

	found := false
	for _, p := range c.Offline.Precache {
		if p == c.Offline.Document {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("offline document '%s' must be part of the precache list", c.Offline.Document)
	}

	if c.Matchers.Mode != MatchSubstring && c.Matchers.Mode != MatchHost {
		return fmt.Errorf("matchers mode must be 'substring' or 'host', got: %s", c.Matchers.Mode)
	}

	return nil
}

// Dump renders the effective configuration as YAML
func (c *Config) Dump() ([]byte, error) {
	return yaml.Marshal(c)
}

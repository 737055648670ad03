// Package config loads the node configuration from a TOML file with
// SHARDKEEP_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	EnvPrefix   = "SHARDKEEP_"
	ReposDir    = "repos"
	MetaFile    = "meta.db"
	BlobsDir    = "blobs"
	DefaultPort = 9300
)

// Duration is a time.Duration written as a string ("30s", "5m") in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// Repository configures one snapshot repository served by the node.
type Repository struct {
	Name            string `toml:"name"`
	Metastore       string `toml:"metastore"`
	Compress        bool   `toml:"compress"`
	MaxRetries      int    `toml:"max_retries"`
	KeepGenerations int    `toml:"keep_generations"`
	CacheSize       int    `toml:"cache_size"`
}

// Config is the node configuration.
type Config struct {
	NodeID            string       `toml:"node_id"`
	Listen            string       `toml:"listen"`
	Advertise         string       `toml:"advertise"`
	DataDir           string       `toml:"data_dir"`
	ClusterToken      string       `toml:"cluster_token"`
	Seeds             []string     `toml:"seeds"`
	LogLevel          string       `toml:"log_level"`
	LogFormat         string       `toml:"log_format"`
	BanTimeout        Duration     `toml:"ban_timeout"`
	RequestTimeout    Duration     `toml:"request_timeout"`
	HealthInterval    Duration     `toml:"health_interval"`
	HealthMaxFailures int          `toml:"health_max_failures"`
	RequestsPerMinute int          `toml:"requests_per_minute"`
	WebhookURLs       []string     `toml:"webhook_urls"`
	Repositories      []Repository `toml:"repository"`
}

// Default returns a configuration that runs a single local node.
func Default() *Config {
	return &Config{
		Listen:            fmt.Sprintf("0.0.0.0:%d", DefaultPort),
		DataDir:           "/var/lib/shardkeep",
		LogLevel:          "info",
		LogFormat:         "json",
		BanTimeout:        Duration{30 * time.Second},
		RequestTimeout:    Duration{60 * time.Second},
		HealthInterval:    Duration{5 * time.Second},
		HealthMaxFailures: 3,
		RequestsPerMinute: 600,
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
// Environment overrides are not applied; see ApplyEnv.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// ApplyEnv overrides fields from SHARDKEEP_* variables found by lookup.
// List values are comma separated.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = splitList(v)
		}
	}
	dur := func(key string, dst *Duration) error {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
		}
		return nil
	}
	num := func(key string, dst *int) error {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
		return nil
	}

	str("NODE_ID", &c.NodeID)
	str("LISTEN", &c.Listen)
	str("ADVERTISE", &c.Advertise)
	str("DATA_DIR", &c.DataDir)
	str("CLUSTER_TOKEN", &c.ClusterToken)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	list("SEEDS", &c.Seeds)
	list("WEBHOOK_URLS", &c.WebhookURLs)
	return errors.Join(
		dur("BAN_TIMEOUT", &c.BanTimeout),
		dur("REQUEST_TIMEOUT", &c.RequestTimeout),
		dur("HEALTH_INTERVAL", &c.HealthInterval),
		num("HEALTH_MAX_FAILURES", &c.HealthMaxFailures),
		num("REQUESTS_PER_MINUTE", &c.RequestsPerMinute),
	)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate fills derived defaults and rejects unusable settings.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("node_id is required: %w", err)
		}
		c.NodeID = host
	}
	if c.Listen == "" {
		return errors.New("listen address is required")
	}
	if c.Advertise == "" {
		c.Advertise = advertiseFromListen(c.Listen)
	}
	c.Advertise = NormalizeURL(c.Advertise)
	for i, seed := range c.Seeds {
		c.Seeds[i] = NormalizeURL(seed)
	}
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if c.BanTimeout.Duration <= 0 {
		return fmt.Errorf("ban_timeout must be positive, got %s", c.BanTimeout)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("log_format must be json or text, got %q", c.LogFormat)
	}

	seen := make(map[string]bool, len(c.Repositories))
	for i := range c.Repositories {
		r := &c.Repositories[i]
		if r.Name == "" || strings.ContainsAny(r.Name, `/\`) || r.Name == "." || r.Name == ".." {
			return fmt.Errorf("invalid repository name: %q", r.Name)
		}
		if seen[r.Name] {
			return fmt.Errorf("repository %q configured twice", r.Name)
		}
		seen[r.Name] = true
		switch r.Metastore {
		case "":
			r.Metastore = "bbolt"
		case "bbolt", "sqlite":
		default:
			return fmt.Errorf("repository %q: unknown metastore %q", r.Name, r.Metastore)
		}
	}
	return nil
}

func advertiseFromListen(listen string) string {
	if strings.HasPrefix(listen, "0.0.0.0:") || strings.HasPrefix(listen, ":") {
		_, port, _ := strings.Cut(listen, ":")
		return "127.0.0.1:" + port
	}
	return listen
}

// NormalizeURL adds the http scheme to a bare host:port.
func NormalizeURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	return "http://" + strings.TrimRight(addr, "/")
}

// RepositoryDir returns the directory holding the named repository.
func (c *Config) RepositoryDir(name string) string {
	return filepath.Join(c.DataDir, ReposDir, name)
}

// MetaPath returns the metastore file of the named repository.
func (c *Config) MetaPath(name string) string {
	return filepath.Join(c.RepositoryDir(name), MetaFile)
}

// BlobsPath returns the blob directory of the named repository.
func (c *Config) BlobsPath(name string) string {
	return filepath.Join(c.RepositoryDir(name), BlobsDir)
}

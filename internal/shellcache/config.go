package shellcache

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"shellcache/internal/cachestore"
)

// DefaultAssets is the application shell precached on install.
var DefaultAssets = []string{
	"/",
	"/index.html",
	"/manifest.json",
	"/favicon.ico",
	"/icons/icon-192.png",
	"/icons/icon-512.png",
}

// DefaultFallback lists the documents tried, in order, for offline navigations.
var DefaultFallback = []string{"/index.html", "/"}

const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendRedis   = "redis"
)

type Config struct {
	Server struct {
		Port         int    `yaml:"port"`
		Origin       string `yaml:"origin"`
		FetchTimeout string `yaml:"fetchTimeout"`
	} `yaml:"server"`

	// Scope is the public origin browsers use. Requests to it are same-origin.
	Scope struct {
		Origin string `yaml:"origin"`
	} `yaml:"scope"`

	Cache struct {
		Prefix   string   `yaml:"prefix"`
		Version  int      `yaml:"version"`
		Assets   []string `yaml:"assets"`
		Fallback []string `yaml:"fallback"`
	} `yaml:"cache"`

	Install struct {
		Concurrency int    `yaml:"concurrency"`
		RetryEvery  string `yaml:"retryEvery"`
	} `yaml:"install"`

	WriteThrough struct {
		MaxInFlight int    `yaml:"maxInFlight"`
		MaxEntry    string `yaml:"maxEntry"`
	} `yaml:"writeThrough"`

	Storage struct {
		Backend string `yaml:"backend"`
		LevelDB struct {
			Path string `yaml:"path"`
		} `yaml:"leveldb"`
		Redis cachestore.RedisConfig `yaml:"redis"`
		RAM   struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
	} `yaml:"storage"`

	Precache struct {
		Sitemaps     []string `yaml:"sitemaps"`
		InitialDelay string   `yaml:"initialDelay"`
	} `yaml:"precache"`

	Logging struct {
		Level         string `yaml:"level"`
		Development   bool   `yaml:"development"`
		LogStatsEvery string `yaml:"logStatsEvery"`
	} `yaml:"logging"`

	// compiled
	fetchTimeoutDur  time.Duration
	retryEveryDur    time.Duration
	initialDelayDur  time.Duration
	logStatsEveryDur time.Duration
	ramMaxBytes      int64
	maxEntryBytes    int64
}

// GenerationName is the store name of the current cache generation.
func (c Config) GenerationName() string {
	return fmt.Sprintf("%s-v%d", c.Cache.Prefix, c.Cache.Version)
}

// LoadConfig reads a YAML config file, applies SHELLCACHE_* environment
// overrides and validates the result.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig is LoadConfig without the file read.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.finalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("SHELLCACHE_ORIGIN"); v != "" {
		cfg.Server.Origin = v
	}
	if v := os.Getenv("SHELLCACHE_VERSION"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SHELLCACHE_VERSION: %w", err)
		}
		cfg.Cache.Version = n
	}
	if v := os.Getenv("SHELLCACHE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}

func (c *Config) finalize() error {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	c.Server.Origin = strings.TrimRight(c.Server.Origin, "/")
	if _, err := parseOrigin(c.Server.Origin); err != nil {
		return fmt.Errorf("server.origin: %w", err)
	}

	if c.Scope.Origin == "" {
		c.Scope.Origin = fmt.Sprintf("http://localhost:%d", c.Server.Port)
	}
	c.Scope.Origin = strings.TrimRight(c.Scope.Origin, "/")
	if _, err := parseOrigin(c.Scope.Origin); err != nil {
		return fmt.Errorf("scope.origin: %w", err)
	}

	if c.Cache.Prefix == "" {
		c.Cache.Prefix = "shell"
	}
	if c.Cache.Version < 1 {
		return fmt.Errorf("cache.version must be >= 1, got %d", c.Cache.Version)
	}
	if len(c.Cache.Assets) == 0 {
		c.Cache.Assets = append([]string(nil), DefaultAssets...)
	}
	for i, p := range c.Cache.Assets {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("cache.assets[%d]: path must start with /, got %q", i, p)
		}
	}
	if len(c.Cache.Fallback) == 0 {
		c.Cache.Fallback = append([]string(nil), DefaultFallback...)
	}

	if c.Install.Concurrency <= 0 {
		c.Install.Concurrency = 4
	}
	if c.WriteThrough.MaxInFlight <= 0 {
		c.WriteThrough.MaxInFlight = 32
	}
	if c.WriteThrough.MaxEntry == "" {
		c.WriteThrough.MaxEntry = "16mb"
	}
	n, err := parseBytes(c.WriteThrough.MaxEntry)
	if err != nil {
		return fmt.Errorf("writeThrough.maxEntry: %w", err)
	}
	c.maxEntryBytes = n

	switch c.Storage.Backend {
	case "":
		c.Storage.Backend = BackendLevelDB
	case BackendMemory, BackendLevelDB, BackendRedis:
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend)
	}
	if c.Storage.LevelDB.Path == "" {
		c.Storage.LevelDB.Path = "./data/leveldb"
	}
	if c.Storage.Backend == BackendRedis && c.Storage.Redis.Address == "" {
		return fmt.Errorf("storage.redis.address is required for the redis backend")
	}
	if c.Storage.RAM.Max != "" {
		n, err := parseBytes(c.Storage.RAM.Max)
		if err != nil {
			return fmt.Errorf("storage.ram.max: %w", err)
		}
		c.ramMaxBytes = n
	}

	durations := []struct {
		name string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"server.fetchTimeout", c.Server.FetchTimeout, 30 * time.Second, &c.fetchTimeoutDur},
		{"install.retryEvery", c.Install.RetryEvery, time.Minute, &c.retryEveryDur},
		{"precache.initialDelay", c.Precache.InitialDelay, 0, &c.initialDelayDur},
		{"logging.logStatsEvery", c.Logging.LogStatsEvery, 0, &c.logStatsEveryDur},
	}
	for _, d := range durations {
		if d.raw == "" {
			*d.dst = d.def
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

func parseOrigin(s string) (*url.URL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host in %q", s)
	}
	return u, nil
}

// parseBytes accepts sizes like "512", "64kb", "1.5m" or "2G".
func parseBytes(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.TrimSuffix(s, "b")
	if s == "" {
		return 0, fmt.Errorf("invalid size")
	}
	mult := float64(1)
	switch s[len(s)-1] {
	case 'k':
		mult = 1 << 10
	case 'm':
		mult = 1 << 20
	case 'g':
		mult = 1 << 30
	}
	if mult > 1 {
		s = strings.TrimSpace(s[:len(s)-1])
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("negative size")
	}
	return int64(v * mult), nil
}

package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/c2h5oh/datasize"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of the environment variables overriding the file.
// The key path is upper-cased and joined with underscores, for example
// WEBSTAT_STORAGE_DESCRIPTOR.
const EnvPrefix = "WEBSTAT"

// Config holds all the configuration for our application
// The structure tags (mapstructure) tell Viper which YAML field maps to which Go struct field.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Storage   StorageConfig   `mapstructure:"storage"`
	GeoIP     GeoIPConfig     `mapstructure:"geoip"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port              string        `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

type ProxyConfig struct {
	Target string `mapstructure:"target"`
}

// StorageConfig selects and tunes the analytic store.
type StorageConfig struct {
	// Descriptor is the connection descriptor passed to storage.Open.
	Descriptor string `mapstructure:"descriptor"`

	// Table overrides the table, bucket, or key prefix name.
	Table string `mapstructure:"table"`

	// BoltMmapSize is the initial mmap size of a bolt file, like "64MB".
	BoltMmapSize string `mapstructure:"bolt_mmap_size"`

	// OpTimeout bounds every store call made by the admin API.
	OpTimeout time.Duration `mapstructure:"op_timeout"`
}

// BoltMmapBytes returns the parsed BoltMmapSize.  Empty means zero.
func (c *StorageConfig) BoltMmapBytes() (n int, err error) {
	if c.BoltMmapSize == "" {
		return 0, nil
	}

	var sz datasize.ByteSize
	err = sz.UnmarshalText([]byte(c.BoltMmapSize))
	if err != nil {
		return 0, fmt.Errorf("bolt_mmap_size: %w", err)
	}

	return int(sz.Bytes()), nil
}

type GeoIPConfig struct {
	CountryPath string        `mapstructure:"country_path"`
	CacheSize   int           `mapstructure:"cache_size"`
	Static      []StaticEntry `mapstructure:"static"`
}

// StaticEntry maps a network or a single address to a country code.
type StaticEntry struct {
	Network string `mapstructure:"network"`
	Country string `mapstructure:"country"`
}

// StaticTable returns the static entries as a network to country map.
func (c *GeoIPConfig) StaticTable() (table map[string]string) {
	table = make(map[string]string, len(c.Static))
	for _, e := range c.Static {
		table[e.Network] = e.Country
	}

	return table
}

// CaptureConfig controls which requests are recorded and how.
type CaptureConfig struct {
	IdentityCookie    string        `mapstructure:"identity_cookie"`
	ExcludePaths      []string      `mapstructure:"exclude_paths"`
	ExcludeExtensions []string      `mapstructure:"exclude_extensions"`
	ExcludeLoopback   bool          `mapstructure:"exclude_loopback"`
	TrustForwarded    bool          `mapstructure:"trust_forwarded"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	Breaker           BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig tunes the circuit breaker in front of store writes.
type BreakerConfig struct {
	MaxFailures uint32        `mapstructure:"max_failures"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"requests_per_second"`
	Burst   int     `mapstructure:"burst"`
}
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Enabled  bool   `mapstructure:"enabled"`
}

type AdminConfig struct {
	Key string `mapstructure:"key"`

	// CacheTTL is how long query responses are cached in Redis.  Zero
	// disables the cache.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// ArchiveConfig is where exports go.  An empty Bucket means exports are
// written under Dir.
type ArchiveConfig struct {
	Dir    string `mapstructure:"dir"`
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
	Region string `mapstructure:"region"`
}

type LogConfig struct {
	Level    string `mapstructure:"level"`
	Pretty   bool   `mapstructure:"pretty"`
	SampleN  uint32 `mapstructure:"sample_n"`
	Service  string `mapstructure:"service"`
	Instance string `mapstructure:"instance"`
}

// defaults are the values used for keys missing from both the file and the
// environment.  Every key must be listed for environment overrides to apply.
var defaults = map[string]any{
	"server.port":                   ":8080",
	"server.read_header_timeout":    10 * time.Second,
	"server.shutdown_timeout":       10 * time.Second,
	"proxy.target":                  "",
	"storage.descriptor":            "memory://",
	"storage.table":                 "webstat_request",
	"storage.bolt_mmap_size":        "",
	"storage.op_timeout":            5 * time.Second,
	"geoip.country_path":            "",
	"geoip.cache_size":              10000,
	"capture.identity_cookie":       "webstat_id",
	"capture.exclude_paths":         []string{"/metrics", "/admin/"},
	"capture.exclude_extensions":    []string{".css", ".js", ".png", ".jpg", ".ico", ".svg", ".woff2"},
	"capture.exclude_loopback":      false,
	"capture.trust_forwarded":       false,
	"capture.write_timeout":         2 * time.Second,
	"capture.breaker.max_failures":  5,
	"capture.breaker.open_timeout":  30 * time.Second,
	"ratelimit.enabled":             false,
	"ratelimit.requests_per_second": 10.0,
	"ratelimit.burst":               20,
	"redis.address":                 "localhost:6379",
	"redis.password":                "",
	"redis.db":                      0,
	"redis.enabled":                 false,
	"admin.key":                     "",
	"admin.cache_ttl":               30 * time.Second,
	"archive.dir":                   "./exports",
	"archive.bucket":                "",
	"archive.prefix":                "webstat/",
	"archive.region":                "",
	"log.level":                     "info",
	"log.pretty":                    false,
	"log.sample_n":                  0,
	"log.service":                   "webstat",
	"log.instance":                  "",
}

// Errors returned by Validate.
const (
	ErrNoDescriptor    errors.Error = "storage.descriptor is required"
	ErrNoPort          errors.Error = "server.port is required"
	ErrBadRateLimit    errors.Error = "ratelimit.requests_per_second and ratelimit.burst must be positive"
	ErrBadWriteTimeout errors.Error = "capture.write_timeout must be positive"
	ErrBadOpTimeout    errors.Error = "storage.op_timeout must be positive"
	ErrBadCacheSize    errors.Error = "geoip.cache_size must not be negative"
)

// Validate returns the first invalid field of c.
func (c *Config) Validate() (err error) {
	switch {
	case c.Storage.Descriptor == "":
		return ErrNoDescriptor
	case c.Server.Port == "":
		return ErrNoPort
	case c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0):
		return ErrBadRateLimit
	case c.Capture.WriteTimeout <= 0:
		return ErrBadWriteTimeout
	case c.Storage.OpTimeout <= 0:
		return ErrBadOpTimeout
	case c.GeoIP.CacheSize < 0:
		return ErrBadCacheSize
	}

	_, err = c.Storage.BoltMmapBytes()

	return err
}

// Store wraps configuration with thread-safe access and hot-reload updates.
type Store struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewStore returns a store holding cfg.  It doesn't watch anything.
func NewStore(cfg *Config) *Store {
	return &Store{cfg: cfg}
}

func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg == nil {
		return nil
	}
	cpy := *s.cfg
	return &cpy
}

func (s *Store) set(cfg *Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// newViper returns a viper instance reading path, or configs/config.yaml if
// path is empty.
func newViper(path string) *viper.Viper {
	v := viper.New()
	if path == "" {
		v.AddConfigPath("./configs")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	} else {
		v.SetConfigFile(path)
	}

	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// LoadAndWatch loads the config and watches for on-disk changes.  A reloaded
// config that fails validation is ignored.
func LoadAndWatch(path string) (*Store, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	store := &Store{}
	if err := refresh(v, store); err != nil {
		return nil, err
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		if err := refresh(v, store); err != nil {
			log.Error().Err(err).Str("component", "config").Msg("reload failed")
		} else {
			log.Info().Str("component", "config").Str("file", e.Name).Msg("reloaded")
		}
	})

	return store, nil
}

// Load reads the config once without watching.  A missing file is not an
// error when path is empty, so the defaults and the environment alone can
// configure the service.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	store := &Store{}
	if err := refresh(v, store); err != nil {
		return nil, err
	}

	return store.Get(), nil
}

func refresh(v *viper.Viper, store *Store) error {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("decoding config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	store.set(&cfg)
	return nil
}

package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ESPALIER_"

// Store kinds.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is the runtime configuration of the espalier server.
type Config struct {
	Addr             string      `mapstructure:"addr"`
	ModulesDir       string      `mapstructure:"modules_dir"`
	LogLevel         string      `mapstructure:"log_level"`
	LogFormat        string      `mapstructure:"log_format"`
	MemoryLimitPages uint32      `mapstructure:"memory_limit_pages"`
	WatchModules     bool        `mapstructure:"watch_modules"`
	Metrics          bool        `mapstructure:"metrics"`
	Store            StoreConfig `mapstructure:"store"`
	Lock             LockConfig  `mapstructure:"lock"`
}

// StoreConfig selects the process store.
type StoreConfig struct {
	Kind  string      `mapstructure:"kind"`
	Path  string      `mapstructure:"path"`
	Redis RedisConfig `mapstructure:"redis"`

	// EncryptionKey is a base64 AES-256 key. When set, states are sealed
	// before they reach the store. FallbackKeys still decrypt old data.
	EncryptionKey string   `mapstructure:"encryption_key"`
	FallbackKeys  []string `mapstructure:"fallback_keys"`
}

// RedisConfig is shared by the redis store and the distributed lock.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// LockConfig enables the redis-backed process lock.
type LockConfig struct {
	Redis bool          `mapstructure:"redis"`
	TTL   time.Duration `mapstructure:"ttl"`
}

// envPaths maps ESPALIER_* suffixes onto config keys.
var envPaths = map[string]string{
	"ADDR":                 "addr",
	"MODULES_DIR":          "modules_dir",
	"LOG_LEVEL":            "log_level",
	"LOG_FORMAT":           "log_format",
	"MEMORY_LIMIT_PAGES":   "memory_limit_pages",
	"WATCH_MODULES":        "watch_modules",
	"METRICS":              "metrics",
	"STORE_KIND":           "store.kind",
	"STORE_PATH":           "store.path",
	"STORE_REDIS_ADDR":     "store.redis.addr",
	"STORE_REDIS_PASSWORD": "store.redis.password",
	"STORE_REDIS_DB":       "store.redis.db",
	"STORE_REDIS_PREFIX":   "store.redis.prefix",
	"STORE_REDIS_TTL":      "store.redis.ttl",
	"STORE_ENCRYPTION_KEY": "store.encryption_key",
	"STORE_FALLBACK_KEYS":  "store.fallback_keys",
	"LOCK_REDIS":           "lock.redis",
	"LOCK_TTL":             "lock.ttl",
}

func defaults() map[string]any {
	return map[string]any{
		"addr":        ":8080",
		"modules_dir": "modules",
		"log_level":   "info",
		"log_format":  "text",
		"metrics":     true,
		"store": map[string]any{
			"kind": StoreMemory,
		},
		"lock": map[string]any{
			"ttl": "30s",
		},
	}
}

// Load reads the optional file at path and applies ESPALIER_* overrides
// from the process environment.
func Load(path string) (Config, error) {
	return LoadFrom(path, os.Environ())
}

// LoadFrom is Load with an explicit environment.
func LoadFrom(path string, environ []string) (Config, error) {
	raw := defaults()

	if path != "" {
		file, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		merge(raw, file)
	}

	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		if dotted, known := envPaths[strings.TrimPrefix(key, EnvPrefix)]; known {
			set(raw, dotted, value)
		}
	}

	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &cfg,
	})
	if err != nil {
		return Config{}, err
	}
	if err := decoder.Decode(raw); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// readFile parses YAML, or JSON when the extension says so.
func readFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	out := map[string]any{}
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
		}
		return out, nil
	}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return out, nil
}

// Validate checks field combinations.
func (c Config) Validate() error {
	switch c.Store.Kind {
	case StoreMemory, StoreFile, StoreSQLite:
	case StoreRedis:
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("%w: store.redis.addr is required for the redis store", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown store kind %q", ErrInvalid, c.Store.Kind)
	}
	if c.Lock.Redis && c.Store.Redis.Addr == "" {
		return fmt.Errorf("%w: lock.redis needs store.redis.addr", ErrInvalid)
	}
	if c.Lock.TTL <= 0 {
		return fmt.Errorf("%w: lock.ttl must be positive", ErrInvalid)
	}
	if c.Store.Redis.TTL < 0 {
		return fmt.Errorf("%w: store.redis.ttl must not be negative", ErrInvalid)
	}
	if _, _, err := c.EncryptionKeys(); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("%w: log_format must be text or json", ErrInvalid)
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(c.LogLevel))
	return level, err
}

// EncryptionKeys decodes the active and fallback keys. active is nil when
// encryption is off.
func (c Config) EncryptionKeys() (active []byte, fallback [][]byte, err error) {
	if c.Store.EncryptionKey == "" {
		if len(c.Store.FallbackKeys) > 0 {
			return nil, nil, fmt.Errorf("%w: store.fallback_keys needs store.encryption_key", ErrInvalid)
		}
		return nil, nil, nil
	}
	decode := func(field, s string) ([]byte, error) {
		key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
		if err != nil || len(key) != 32 {
			return nil, fmt.Errorf("%w: %s must be a base64 32-byte key", ErrInvalid, field)
		}
		return key, nil
	}
	if active, err = decode("store.encryption_key", c.Store.EncryptionKey); err != nil {
		return nil, nil, err
	}
	for _, s := range c.Store.FallbackKeys {
		key, err := decode("store.fallback_keys", s)
		if err != nil {
			return nil, nil, err
		}
		fallback = append(fallback, key)
	}
	return active, fallback, nil
}

// merge overlays src onto dst, descending into nested maps.
func merge(dst, src map[string]any) {
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			if existing, ok := dst[k].(map[string]any); ok {
				merge(existing, sub)
				continue
			}
		}
		dst[k] = v
	}
}

// set writes value at a dotted key, creating intermediate maps.
func set(m map[string]any, dotted string, value any) {
	parts := strings.Split(dotted, ".")
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = value
}

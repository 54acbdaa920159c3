package portlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ggoodman/portlink-go/capability"
	"github.com/ggoodman/portlink-go/storage"
	"github.com/ggoodman/portlink-go/storage/memory"
	"github.com/ggoodman/portlink-go/storage/redis"
	"github.com/joeshaw/envdecode"
)

// Settings are the bootstrap values read from the environment. Everything
// tunable at runtime lives in the config store instead.
type Settings struct {
	// Name is announced to peers during the handshake. ENV: PORTLINK_NAME
	Name string `env:"PORTLINK_NAME,default=portlink"`

	// RedisAddr selects the Redis store when set; otherwise state is kept
	// in memory. ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR"`

	// KeyPrefix for all Redis keys. ENV: PORTLINK_KV_PREFIX
	KeyPrefix string `env:"PORTLINK_KV_PREFIX,default=portlink:kv:"`

	// MemoryItems bounds the in-memory store. ENV: PORTLINK_MEMORY_ITEMS
	MemoryItems int `env:"PORTLINK_MEMORY_ITEMS,default=10000"`

	// ConfigFile holds TOML overrides that are watched for changes.
	// ENV: PORTLINK_CONFIG_FILE
	ConfigFile string `env:"PORTLINK_CONFIG_FILE"`

	// SnapshotKey signs shutdown snapshots when set. ENV: PORTLINK_SNAPSHOT_KEY
	SnapshotKey string `env:"PORTLINK_SNAPSHOT_KEY"`

	// LogLevel is one of debug, info, warn, error. ENV: PORTLINK_LOG_LEVEL
	LogLevel string `env:"PORTLINK_LOG_LEVEL,default=info"`

	// Capability tokens are verified against JWKSURL, or against the keys
	// discovered from Issuer when JWKSURL is empty. With neither set every
	// capability is granted.
	JWKSURL  string `env:"PORTLINK_CAPABILITY_JWKS_URL"`
	Issuer   string `env:"PORTLINK_CAPABILITY_ISSUER"`
	Audience string `env:"PORTLINK_CAPABILITY_AUDIENCE"`
}

// LoadSettings reads Settings from the environment.
func LoadSettings() (Settings, error) {
	var s Settings
	if err := envdecode.Decode(&s); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	if s.Name == "" {
		s.Name = "portlink"
	}
	return s, nil
}

// Level parses LogLevel, falling back to info.
func (s Settings) Level() slog.Level {
	switch strings.ToLower(s.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// OpenStore returns the Redis store when RedisAddr is set and a bounded
// in-memory store otherwise. Tunables and the snapshot do not count against
// MemoryItems.
func (s Settings) OpenStore() (storage.Store, error) {
	if s.RedisAddr != "" {
		st, err := redis.New(redis.Config{RedisAddr: s.RedisAddr, KeyPrefix: s.KeyPrefix})
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	n := s.MemoryItems
	if n <= 0 {
		n = 10000
	}
	st, err := memory.New(n, memory.WithPinned(durableKeys...))
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Checker builds the capability checker described by the settings. It
// returns nil when no verifier is configured.
func (s Settings) Checker(ctx context.Context) (capability.Checker, error) {
	cfg := capability.JWTConfig{Issuer: s.Issuer, Audience: s.Audience}
	var (
		c   *capability.JWTChecker
		err error
	)
	switch {
	case s.JWKSURL != "":
		c, err = capability.NewJWKSChecker(ctx, s.JWKSURL, cfg)
	case s.Issuer != "":
		c, err = capability.NewDiscoveryChecker(ctx, cfg)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

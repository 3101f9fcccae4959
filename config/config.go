package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Env override names. File values lose to these, defaults lose to the file.
const (
	EnvConfigPath    = "ANIMOCHAT_CONFIG"
	EnvAddr          = "ANIMOCHAT_ADDR"
	EnvPort          = "PORT"
	EnvRedisAddr     = "ANIMOCHAT_REDIS_ADDR"
	EnvRedisPassword = "ANIMOCHAT_REDIS_PASSWORD"
	EnvLogLevel      = "ANIMOCHAT_LOG_LEVEL"
)

// Config is the fully-resolved runtime configuration.
type Config struct {
	Addr     string
	LogLevel string
	Redis    RedisConfig
	Pool     PoolConfig
	Match    MatchConfig
	Session  SessionConfig
	Reaper   ReaperConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type PoolConfig struct {
	// Partitions is the number of waiting-pool shards. More shards mean less
	// contention on any single set under heavy churn.
	Partitions int
}

type MatchConfig struct {
	// MaxAttempts bounds the candidate-scan loop in one findMatch call.
	MaxAttempts int
	// RetryDelay is the yield between scan rounds so contending searchers
	// don't peg the process.
	RetryDelay time.Duration
	// BypassScoreAfter is the 1-based attempt from which compatibility
	// scoring is ignored, so a small pool of repeat partners still pairs up
	// eventually. A negative value disables the bypass.
	BypassScoreAfter int
	// LockTTL caps how long a pairwise lock can outlive a crashed holder.
	LockTTL time.Duration
	// HistoryTTL is how long rematch counters linger before old history
	// decays.
	HistoryTTL time.Duration
	// SearchTimeout caps one find-match call end to end.
	SearchTimeout time.Duration
}

type SessionConfig struct {
	// SkipCooldown keeps a skipper out of the candidate pool briefly so the
	// skipped partner doesn't draw them right back.
	SkipCooldown time.Duration
	// IdentityTTL is the safety-net expiry on user and room records in case
	// the owning process dies before cleanup.
	IdentityTTL time.Duration
	// ClaimTTL is the expiry on per-identity pairing claims. It only needs
	// to outlast the pairing window; a claim orphaned by a crash frees its
	// identity once it lapses.
	ClaimTTL time.Duration
}

type ReaperConfig struct {
	Interval    time.Duration
	PresenceTTL time.Duration
}

// fileConfig mirrors Config with TOML-friendly field types; durations are
// strings in time.ParseDuration syntax.
type fileConfig struct {
	Addr     string `toml:"addr"`
	LogLevel string `toml:"log_level"`
	Redis    struct {
		Addr     string `toml:"addr"`
		Password string `toml:"password"`
		DB       int    `toml:"db"`
	} `toml:"redis"`
	Pool struct {
		Partitions int `toml:"partitions"`
	} `toml:"pool"`
	Match struct {
		MaxAttempts      int    `toml:"max_attempts"`
		RetryDelay       string `toml:"retry_delay"`
		BypassScoreAfter int    `toml:"bypass_score_after"`
		LockTTL          string `toml:"lock_ttl"`
		HistoryTTL       string `toml:"history_ttl"`
		SearchTimeout    string `toml:"search_timeout"`
	} `toml:"match"`
	Session struct {
		SkipCooldown string `toml:"skip_cooldown"`
		IdentityTTL  string `toml:"identity_ttl"`
		ClaimTTL     string `toml:"claim_ttl"`
	} `toml:"session"`
	Reaper struct {
		Interval    string `toml:"interval"`
		PresenceTTL string `toml:"presence_ttl"`
	} `toml:"reaper"`
}

// Default returns a configuration that runs against a local Redis.
func Default() Config {
	return Config{
		Addr:     ":8080",
		LogLevel: "info",
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Pool:     PoolConfig{Partitions: 3},
		Match: MatchConfig{
			MaxAttempts:      8,
			RetryDelay:       150 * time.Millisecond,
			BypassScoreAfter: 6,
			LockTTL:          5 * time.Second,
			HistoryTTL:       3 * time.Hour,
			SearchTimeout:    30 * time.Second,
		},
		Session: SessionConfig{
			SkipCooldown: 5 * time.Second,
			IdentityTTL:  24 * time.Hour,
			ClaimTTL:     30 * time.Second,
		},
		Reaper: ReaperConfig{
			Interval:    30 * time.Second,
			PresenceTTL: 60 * time.Second,
		},
	}
}

// Load resolves the configuration: defaults, then the TOML file at path (or
// $ANIMOCHAT_CONFIG when path is empty; no file at all is fine), then env
// overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}

	if fc.Addr != "" {
		cfg.Addr = fc.Addr
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if fc.Redis.Addr != "" {
		cfg.Redis.Addr = fc.Redis.Addr
	}
	if fc.Redis.Password != "" {
		cfg.Redis.Password = fc.Redis.Password
	}
	if fc.Redis.DB != 0 {
		cfg.Redis.DB = fc.Redis.DB
	}
	if fc.Pool.Partitions != 0 {
		cfg.Pool.Partitions = fc.Pool.Partitions
	}
	if fc.Match.MaxAttempts != 0 {
		cfg.Match.MaxAttempts = fc.Match.MaxAttempts
	}
	cfg.Match.BypassScoreAfter = pickInt(fc.Match.BypassScoreAfter, cfg.Match.BypassScoreAfter)

	var err error
	if cfg.Match.RetryDelay, err = pickDuration(fc.Match.RetryDelay, cfg.Match.RetryDelay); err != nil {
		return fmt.Errorf("match.retry_delay: %w", err)
	}
	if cfg.Match.LockTTL, err = pickDuration(fc.Match.LockTTL, cfg.Match.LockTTL); err != nil {
		return fmt.Errorf("match.lock_ttl: %w", err)
	}
	if cfg.Match.HistoryTTL, err = pickDuration(fc.Match.HistoryTTL, cfg.Match.HistoryTTL); err != nil {
		return fmt.Errorf("match.history_ttl: %w", err)
	}
	if cfg.Match.SearchTimeout, err = pickDuration(fc.Match.SearchTimeout, cfg.Match.SearchTimeout); err != nil {
		return fmt.Errorf("match.search_timeout: %w", err)
	}
	if cfg.Session.SkipCooldown, err = pickDuration(fc.Session.SkipCooldown, cfg.Session.SkipCooldown); err != nil {
		return fmt.Errorf("session.skip_cooldown: %w", err)
	}
	if cfg.Session.IdentityTTL, err = pickDuration(fc.Session.IdentityTTL, cfg.Session.IdentityTTL); err != nil {
		return fmt.Errorf("session.identity_ttl: %w", err)
	}
	if cfg.Session.ClaimTTL, err = pickDuration(fc.Session.ClaimTTL, cfg.Session.ClaimTTL); err != nil {
		return fmt.Errorf("session.claim_ttl: %w", err)
	}
	if cfg.Reaper.Interval, err = pickDuration(fc.Reaper.Interval, cfg.Reaper.Interval); err != nil {
		return fmt.Errorf("reaper.interval: %w", err)
	}
	if cfg.Reaper.PresenceTTL, err = pickDuration(fc.Reaper.PresenceTTL, cfg.Reaper.PresenceTTL); err != nil {
		return fmt.Errorf("reaper.presence_ttl: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvAddr); v != "" {
		cfg.Addr = v
	} else if v := os.Getenv(EnvPort); v != "" {
		cfg.Addr = ":" + v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv(EnvRedisPassword); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
}

func validate(cfg Config) error {
	if cfg.Pool.Partitions < 1 {
		return fmt.Errorf("pool.partitions must be at least 1, got %d", cfg.Pool.Partitions)
	}
	if cfg.Match.MaxAttempts < 1 {
		return fmt.Errorf("match.max_attempts must be at least 1, got %d", cfg.Match.MaxAttempts)
	}
	if cfg.Match.LockTTL <= 0 {
		return fmt.Errorf("match.lock_ttl must be positive")
	}
	if cfg.Match.SearchTimeout <= 0 {
		return fmt.Errorf("match.search_timeout must be positive")
	}
	if cfg.Session.ClaimTTL <= 0 {
		return fmt.Errorf("session.claim_ttl must be positive")
	}
	if cfg.Reaper.PresenceTTL <= 0 {
		return fmt.Errorf("reaper.presence_ttl must be positive")
	}
	return nil
}

func pickInt(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}

func pickDuration(raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	return time.ParseDuration(raw)
}

// Package config loads service settings from defaults, an optional .env file,
// an optional TOML file and ONCELINK_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Auth      AuthConfig
	Links     LinksConfig
	Store     StoreConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	ListenAddr        string
	PublicOrigin      string
	ClientIPHeader    string
	TrustProxyHeaders bool
}

type AuthConfig struct {
	APISecret string
	AllowJWT  bool
}

type LinksConfig struct {
	ValidityWindow   time.Duration
	PostUseRetention time.Duration
}

type StoreConfig struct {
	Backend        string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string
	SQLDriver      string
	SQLDSN         string
	SweepInterval  time.Duration
}

type RateLimitConfig struct {
	RedeemLimit  int
	RedeemWindow time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

// Default returns the settings used when nothing overrides them.
func Default() *Config {
	return &Config{
		Server: ServerConfig{ListenAddr: ":8080"},
		Links: LinksConfig{
			ValidityWindow:   2 * time.Hour,
			PostUseRetention: 5 * time.Minute,
		},
		Store: StoreConfig{
			Backend:        "memory",
			RedisKeyPrefix: "dl-token:",
			SQLDriver:      "sqlite",
			SQLDSN:         "oncelink.db",
			SweepInterval:  time.Minute,
		},
		RateLimit: RateLimitConfig{RedeemWindow: time.Minute},
		Logging:   LoggingConfig{Level: "info", Format: "text"},
	}
}

type LoaderOptions struct {
	// ConfigPath is an optional TOML file; a missing or invalid file fails the load.
	ConfigPath string
	// EnvFile is an optional dotenv file; it is skipped when it does not exist.
	EnvFile string
	Logger  *slog.Logger
}

// fileConfig mirrors Config with string durations as they appear in TOML.
type fileConfig struct {
	Server *struct {
		ListenAddr        string `toml:"listen_addr"`
		PublicOrigin      string `toml:"public_origin"`
		ClientIPHeader    string `toml:"client_ip_header"`
		TrustProxyHeaders *bool  `toml:"trust_proxy_headers"`
	} `toml:"server"`
	Auth *struct {
		APISecret string `toml:"api_secret"`
		AllowJWT  *bool  `toml:"allow_jwt"`
	} `toml:"auth"`
	Links *struct {
		ValidityWindow   string `toml:"validity_window"`
		PostUseRetention string `toml:"post_use_retention"`
	} `toml:"links"`
	Store *struct {
		Backend        string `toml:"backend"`
		RedisAddr      string `toml:"redis_addr"`
		RedisPassword  string `toml:"redis_password"`
		RedisDB        *int   `toml:"redis_db"`
		RedisKeyPrefix string `toml:"redis_key_prefix"`
		SQLDriver      string `toml:"sql_driver"`
		SQLDSN         string `toml:"sql_dsn"`
		SweepInterval  string `toml:"sweep_interval"`
	} `toml:"store"`
	RateLimit *struct {
		RedeemLimit  *int   `toml:"redeem_limit"`
		RedeemWindow string `toml:"redeem_window"`
	} `toml:"rate_limit"`
	Logging *struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"logging"`
}

// Load builds the effective configuration and validates it.
func Load(opts LoaderOptions) (*Config, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", opts.EnvFile, err)
		}
	}

	cfg := Default()

	if opts.ConfigPath != "" {
		data, err := os.ReadFile(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", opts.ConfigPath, err)
		}
		var fc fileConfig
		md, err := toml.Decode(string(data), &fc)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", opts.ConfigPath, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			logger.Warn("config file contains undecoded keys", "path", opts.ConfigPath, "keys", keys)
		}
		if err := overlayFile(cfg, &fc); err != nil {
			return nil, fmt.Errorf("config file %s: %w", opts.ConfigPath, err)
		}
	}

	if err := overlayEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func overlayFile(cfg *Config, fc *fileConfig) error {
	var err error
	if s := fc.Server; s != nil {
		setString(&cfg.Server.ListenAddr, s.ListenAddr)
		setString(&cfg.Server.PublicOrigin, s.PublicOrigin)
		setString(&cfg.Server.ClientIPHeader, s.ClientIPHeader)
		if s.TrustProxyHeaders != nil {
			cfg.Server.TrustProxyHeaders = *s.TrustProxyHeaders
		}
	}
	if a := fc.Auth; a != nil {
		setString(&cfg.Auth.APISecret, a.APISecret)
		if a.AllowJWT != nil {
			cfg.Auth.AllowJWT = *a.AllowJWT
		}
	}
	if l := fc.Links; l != nil {
		err = errors.Join(err,
			setDuration(&cfg.Links.ValidityWindow, "links.validity_window", l.ValidityWindow),
			setDuration(&cfg.Links.PostUseRetention, "links.post_use_retention", l.PostUseRetention),
		)
	}
	if s := fc.Store; s != nil {
		setString(&cfg.Store.Backend, s.Backend)
		setString(&cfg.Store.RedisAddr, s.RedisAddr)
		setString(&cfg.Store.RedisPassword, s.RedisPassword)
		if s.RedisDB != nil {
			cfg.Store.RedisDB = *s.RedisDB
		}
		setString(&cfg.Store.RedisKeyPrefix, s.RedisKeyPrefix)
		setString(&cfg.Store.SQLDriver, s.SQLDriver)
		setString(&cfg.Store.SQLDSN, s.SQLDSN)
		err = errors.Join(err, setDuration(&cfg.Store.SweepInterval, "store.sweep_interval", s.SweepInterval))
	}
	if r := fc.RateLimit; r != nil {
		if r.RedeemLimit != nil {
			cfg.RateLimit.RedeemLimit = *r.RedeemLimit
		}
		err = errors.Join(err, setDuration(&cfg.RateLimit.RedeemWindow, "rate_limit.redeem_window", r.RedeemWindow))
	}
	if l := fc.Logging; l != nil {
		setString(&cfg.Logging.Level, l.Level)
		setString(&cfg.Logging.Format, l.Format)
	}
	return err
}

func overlayEnv(cfg *Config) error {
	var errs []error
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.ListenAddr = ":" + port
	}
	cfg.Server.ListenAddr = envOr("ONCELINK_LISTEN_ADDR", cfg.Server.ListenAddr)
	cfg.Server.PublicOrigin = envOr("ONCELINK_PUBLIC_ORIGIN", cfg.Server.PublicOrigin)
	cfg.Server.ClientIPHeader = envOr("ONCELINK_CLIENT_IP_HEADER", cfg.Server.ClientIPHeader)
	errs = append(errs, envBool(&cfg.Server.TrustProxyHeaders, "ONCELINK_TRUST_PROXY_HEADERS"))

	cfg.Auth.APISecret = envOr("ONCELINK_API_SECRET", cfg.Auth.APISecret)
	errs = append(errs, envBool(&cfg.Auth.AllowJWT, "ONCELINK_ALLOW_JWT"))

	errs = append(errs,
		envDuration(&cfg.Links.ValidityWindow, "ONCELINK_VALIDITY_WINDOW"),
		envDuration(&cfg.Links.PostUseRetention, "ONCELINK_POST_USE_RETENTION"),
	)

	cfg.Store.Backend = envOr("ONCELINK_STORE", cfg.Store.Backend)
	cfg.Store.RedisAddr = envOr("ONCELINK_REDIS_ADDR", cfg.Store.RedisAddr)
	cfg.Store.RedisPassword = envOr("ONCELINK_REDIS_PASSWORD", cfg.Store.RedisPassword)
	errs = append(errs, envInt(&cfg.Store.RedisDB, "ONCELINK_REDIS_DB"))
	cfg.Store.RedisKeyPrefix = envOr("ONCELINK_REDIS_KEY_PREFIX", cfg.Store.RedisKeyPrefix)
	cfg.Store.SQLDriver = envOr("ONCELINK_SQL_DRIVER", cfg.Store.SQLDriver)
	cfg.Store.SQLDSN = envOr("ONCELINK_SQL_DSN", cfg.Store.SQLDSN)
	errs = append(errs, envDuration(&cfg.Store.SweepInterval, "ONCELINK_SWEEP_INTERVAL"))

	errs = append(errs,
		envInt(&cfg.RateLimit.RedeemLimit, "ONCELINK_REDEEM_RATE_LIMIT"),
		envDuration(&cfg.RateLimit.RedeemWindow, "ONCELINK_REDEEM_RATE_WINDOW"),
	)

	cfg.Logging.Level = envOr("ONCELINK_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = envOr("ONCELINK_LOG_FORMAT", cfg.Logging.Format)
	return errors.Join(errs...)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []string
	if c.Auth.APISecret == "" {
		errs = append(errs, "auth.api_secret (ONCELINK_API_SECRET) is required")
	}
	if c.Server.ListenAddr == "" {
		errs = append(errs, "server.listen_addr is required")
	}
	if c.Server.PublicOrigin != "" {
		u, err := url.Parse(c.Server.PublicOrigin)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") || strings.Trim(u.Path, "/") != "" {
			errs = append(errs, "server.public_origin must be an http(s) origin without a path")
		}
	}
	if c.Links.ValidityWindow <= 0 {
		errs = append(errs, "links.validity_window must be > 0")
	}
	if c.Links.PostUseRetention < time.Second {
		errs = append(errs, "links.post_use_retention must be at least 1s")
	}
	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.RedisAddr == "" {
			errs = append(errs, "store.redis_addr is required for the redis backend")
		}
	case "sql":
		switch c.Store.SQLDriver {
		case "sqlite", "postgres", "mysql":
		default:
			errs = append(errs, fmt.Sprintf("store.sql_driver %q must be one of sqlite, postgres, mysql", c.Store.SQLDriver))
		}
		if c.Store.SQLDSN == "" {
			errs = append(errs, "store.sql_dsn is required for the sql backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.backend %q must be one of memory, redis, sql", c.Store.Backend))
	}
	if c.RateLimit.RedeemLimit < 0 {
		errs = append(errs, "rate_limit.redeem_limit must be >= 0")
	}
	if c.RateLimit.RedeemLimit > 0 && c.RateLimit.RedeemWindow <= 0 {
		errs = append(errs, "rate_limit.redeem_window must be > 0 when a limit is set")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func envOr(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func envBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = b
	return nil
}

func envInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = n
	return nil
}

func envDuration(dst *time.Duration, key string) error {
	return setDuration(dst, key, os.Getenv(key))
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// setDuration accepts Go duration strings or a bare number of seconds.
func setDuration(dst *time.Duration, name, v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	*dst = d
	return nil
}

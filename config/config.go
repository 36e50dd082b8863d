// Package config loads server configuration.
//
// Precedence, lowest first: built-in defaults, the TOML file, a .env file,
// then process environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/warp/procurement-engine/budget"
)

// Config holds all server configuration.
type Config struct {
	Server        ServerConfig        `toml:"server"`
	Database      DatabaseConfig      `toml:"database"`
	Redis         RedisConfig         `toml:"redis"`
	Log           LogConfig           `toml:"log"`
	Locks         LocksConfig         `toml:"locks"`
	Policy        PolicyConfig        `toml:"policy"`
	Matching      MatchingConfig      `toml:"matching"`
	Notifications NotificationsConfig `toml:"notifications"`
}

type ServerConfig struct {
	Addr           string   `toml:"addr"`
	AllowedOrigins []string `toml:"allowed_origins"`
	StaticDir      string   `toml:"static_dir,omitempty"`
}

type DatabaseConfig struct {
	// Path is a SQLite file path, ":memory:", or "memory" for the map-backed store.
	Path string `toml:"path"`
}

type RedisConfig struct {
	Addr     string `toml:"addr,omitempty"`
	Password string `toml:"password,omitempty"`
	DB       int    `toml:"db"`
	TTL      string `toml:"ttl"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "text" or "json"
}

type LocksConfig struct {
	Timeout string `toml:"timeout"`
}

type PolicyConfig struct {
	AutoApprovalEnabled    bool     `toml:"auto_approval_enabled"`
	AutoApprovalThreshold  string   `toml:"auto_approval_threshold"`
	OverrideRoles          []string `toml:"override_roles"`
	WarnUtilizationPercent string   `toml:"warn_utilization_percent"`
}

type MatchingConfig struct {
	VendorWeight           float64 `toml:"vendor_weight"`
	AmountWeight           float64 `toml:"amount_weight"`
	DateWeight             float64 `toml:"date_weight"`
	AmountTolerancePercent float64 `toml:"amount_tolerance_percent"`
	DateWindowDays         int     `toml:"date_window_days"`
	MaxCandidates          int     `toml:"max_candidates"`
}

type NotificationsConfig struct {
	Log        bool    `toml:"log"`
	WebhookURL string  `toml:"webhook_url,omitempty"`
	PerSecond  float64 `toml:"per_second"`
	Burst      int     `toml:"burst"`
}

// Default returns the built-in configuration.
func Default() Config {
	m := budget.DefaultMatchingPolicy()
	return Config{
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
		},
		Database: DatabaseConfig{Path: "./data/procurement.db"},
		Redis:    RedisConfig{TTL: "5m"},
		Log:      LogConfig{Level: "info", Format: "text"},
		Locks:    LocksConfig{Timeout: budget.DefaultLockTimeout.String()},
		Policy: PolicyConfig{
			AutoApprovalEnabled:    true,
			AutoApprovalThreshold:  "500",
			OverrideRoles:          []string{budget.RoleAdmin, budget.RoleFinance},
			WarnUtilizationPercent: "90",
		},
		Matching: MatchingConfig{
			VendorWeight:           m.VendorWeight,
			AmountWeight:           m.AmountWeight,
			DateWeight:             m.DateWeight,
			AmountTolerancePercent: m.AmountTolerancePercent,
			DateWindowDays:         m.DateWindowDays,
			MaxCandidates:          m.MaxCandidates,
		},
		Notifications: NotificationsConfig{Log: true, PerSecond: 5, Burst: 10},
	}
}

// Load builds the configuration. A missing TOML file or .env file is not
// an error; an unreadable or malformed one is.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("reading config: %w", err)
		default:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parsing config: %w", err)
			}
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	setString(&c.Server.Addr, "BUDGET_ADDR")
	setString(&c.Database.Path, "BUDGET_DB_PATH")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setString(&c.Log.Level, "BUDGET_LOG_LEVEL")
	setString(&c.Log.Format, "BUDGET_LOG_FORMAT")
	setString(&c.Locks.Timeout, "BUDGET_LOCK_TIMEOUT")
	setString(&c.Policy.AutoApprovalThreshold, "BUDGET_AUTO_APPROVAL_THRESHOLD")
	setString(&c.Notifications.WebhookURL, "BUDGET_WEBHOOK_URL")

	if v := os.Getenv("BUDGET_ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("BUDGET_OVERRIDE_ROLES"); v != "" {
		c.Policy.OverrideRoles = splitList(v)
	}
	if v := os.Getenv("BUDGET_AUTO_APPROVAL_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("BUDGET_AUTO_APPROVAL_ENABLED: %w", err)
		}
		c.Policy.AutoApprovalEnabled = b
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDIS_DB: %w", err)
		}
		c.Redis.DB = n
	}
	return nil
}

// Validate checks values that would otherwise fail later at startup.
func (c Config) Validate() error {
	if _, err := c.BudgetPolicy(); err != nil {
		return err
	}
	if _, err := c.LockTimeout(); err != nil {
		return err
	}
	if _, err := c.RedisTTL(); err != nil {
		return err
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// BudgetPolicy converts the policy and matching sections into a budget.Policy.
func (c Config) BudgetPolicy() (budget.Policy, error) {
	threshold, err := decimal.NewFromString(c.Policy.AutoApprovalThreshold)
	if err != nil {
		return budget.Policy{}, fmt.Errorf("policy.auto_approval_threshold: %w", err)
	}
	if threshold.IsNegative() {
		return budget.Policy{}, errors.New("policy.auto_approval_threshold must not be negative")
	}
	warn := decimal.Zero
	if c.Policy.WarnUtilizationPercent != "" {
		warn, err = decimal.NewFromString(c.Policy.WarnUtilizationPercent)
		if err != nil {
			return budget.Policy{}, fmt.Errorf("policy.warn_utilization_percent: %w", err)
		}
	}
	return budget.Policy{
		AutoApproval: budget.AutoApprovalPolicy{
			Enabled:   c.Policy.AutoApprovalEnabled,
			Threshold: threshold,
		},
		OverrideRoles:          c.Policy.OverrideRoles,
		WarnUtilizationPercent: warn,
		Matching: budget.MatchingPolicy{
			VendorWeight:           c.Matching.VendorWeight,
			AmountWeight:           c.Matching.AmountWeight,
			DateWeight:             c.Matching.DateWeight,
			AmountTolerancePercent: c.Matching.AmountTolerancePercent,
			DateWindowDays:         c.Matching.DateWindowDays,
			MaxCandidates:          c.Matching.MaxCandidates,
		},
	}, nil
}

func (c Config) LockTimeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.Locks.Timeout)
	if err != nil {
		return 0, fmt.Errorf("locks.timeout: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("locks.timeout must be positive, got %s", d)
	}
	return d, nil
}

func (c Config) RedisTTL() (time.Duration, error) {
	if c.Redis.TTL == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Redis.TTL)
	if err != nil {
		return 0, fmt.Errorf("redis.ttl: %w", err)
	}
	return d, nil
}

// Logger builds the slog logger described by the log section.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Package config loads configuration from a YAML file with TC_*
// environment overrides for sensitive values.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Calendar   CalendarConfig   `mapstructure:"calendar"`
	Bus        BusConfig        `mapstructure:"bus"`
	Greeks     GreeksConfig     `mapstructure:"greeks"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Order      OrderConfig      `mapstructure:"order"`
	Token      TokenConfig      `mapstructure:"token"`
	Accounts   []AccountConfig  `mapstructure:"accounts"`
}

type ServerConfig struct {
	Port     string `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
}

type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	Schema   string `mapstructure:"schema"`
	LogLevel string `mapstructure:"log_level"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
}

// AuthConfig protects the downstream surfaces. JWTSecret signs and
// verifies subscriber tokens; AdminKeyHash is a bcrypt hash of the
// operator API key, never the key itself.
type AuthConfig struct {
	JWTSecret    string `mapstructure:"jwt_secret"`
	AdminKeyHash string `mapstructure:"admin_key_hash"`
}

type BrokerConfig struct {
	WSURL          string `mapstructure:"ws_url"`
	APIURL         string `mapstructure:"api_url"`
	InstrumentsURL string `mapstructure:"instruments_url"`
}

type CalendarConfig struct {
	Code    string `mapstructure:"code"`
	BaseURL string `mapstructure:"base_url"`
}

type BusConfig struct {
	SubscriberQueue int `mapstructure:"subscriber_queue"`
}

type GreeksConfig struct {
	RiskFreeRate float64 `mapstructure:"risk_free_rate"`
	CacheSize    int     `mapstructure:"cache_size"`
}

type ReconcilerConfig struct {
	MinIntervalMS       int `mapstructure:"min_interval_ms"`
	PerAccountMaxTokens int `mapstructure:"per_account_max_tokens"`
}

type OrderConfig struct {
	HMACSecret string             `mapstructure:"hmac_secret"`
	QueueSize  int                `mapstructure:"queue_size"`
	Retry      OrderRetryConfig   `mapstructure:"retry"`
	Circuit    OrderCircuitConfig `mapstructure:"circuit"`
}

type OrderRetryConfig struct {
	BaseMS      int `mapstructure:"base_ms"`
	CapMS       int `mapstructure:"cap_ms"`
	MaxAttempts int `mapstructure:"max_attempts"`
}

type OrderCircuitConfig struct {
	ConsecutiveFailures int `mapstructure:"consecutive_failures"`
	OpenDurationS       int `mapstructure:"open_duration_s"`
}

type TokenConfig struct {
	RefreshHour       int    `mapstructure:"refresh_hour"`
	RefreshTZ         string `mapstructure:"refresh_tz"`
	PreemptiveMinutes int    `mapstructure:"preemptive_minutes"`
	Dir               string `mapstructure:"dir"`
}

// AccountConfig describes one broker account. Mode is the policy
// (auto/force_mock/force_live/off), not the runtime mode.
type AccountConfig struct {
	ID         string `mapstructure:"id"`
	Broker     string `mapstructure:"broker"`
	Mode       string `mapstructure:"mode"`
	Priority   int    `mapstructure:"priority"`
	UserID     string `mapstructure:"user_id"`
	Password   string `mapstructure:"password"`
	TOTPSecret string `mapstructure:"totp_secret"`
	APIKey     string `mapstructure:"api_key"`
}

// Load reads configuration from the given path (default configs/config.yaml)
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("configs")
		v.AddConfigPath(".")
	}

	setDefaults(v)

	v.SetEnvPrefix("TC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "3007")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("postgres.schema", "api")
	v.SetDefault("postgres.log_level", "warn")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("calendar.code", "NSE")
	v.SetDefault("bus.subscriber_queue", 1024)
	v.SetDefault("greeks.risk_free_rate", 0.065)
	v.SetDefault("greeks.cache_size", 50000)
	v.SetDefault("reconciler.min_interval_ms", 500)
	v.SetDefault("reconciler.per_account_max_tokens", 3000)
	v.SetDefault("order.queue_size", 10000)
	v.SetDefault("order.retry.base_ms", 500)
	v.SetDefault("order.retry.cap_ms", 30000)
	v.SetDefault("order.retry.max_attempts", 5)
	v.SetDefault("order.circuit.consecutive_failures", 5)
	v.SetDefault("order.circuit.open_duration_s", 30)
	v.SetDefault("token.refresh_hour", 7)
	v.SetDefault("token.refresh_tz", "Asia/Kolkata")
	v.SetDefault("token.preemptive_minutes", 60)
	v.SetDefault("token.dir", "data/tokens")
}

func (c *Config) validate() error {
	if c.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn is required")
	}
	if c.Order.HMACSecret == "" {
		return fmt.Errorf("order.hmac_secret is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	for i, a := range c.Accounts {
		if a.ID == "" {
			return fmt.Errorf("accounts[%d].id is required", i)
		}
		switch a.Mode {
		case "", "auto", "force_mock", "force_live", "off":
		default:
			return fmt.Errorf("accounts[%d].mode %q is not one of auto|force_mock|force_live|off", i, a.Mode)
		}
	}
	return nil
}

// RetryBase returns the retry base as a duration
func (c OrderRetryConfig) RetryBase() time.Duration { return time.Duration(c.BaseMS) * time.Millisecond }

// RetryCap returns the retry cap as a duration
func (c OrderRetryConfig) RetryCap() time.Duration { return time.Duration(c.CapMS) * time.Millisecond }

// MinInterval returns the reconcile throttle as a duration
func (c ReconcilerConfig) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalMS) * time.Millisecond
}

// String returns the configuration for the startup dump with sensitive
// values masked
func (c *Config) String() string {
	var sb strings.Builder
	sb.WriteString("\n--------------------------------------\n")
	sb.WriteString("Configuration:\n")
	sb.WriteString("--------------------------------------\n")
	sb.WriteString(fmt.Sprintf("  Server:      port=%s log=%s\n", c.Server.Port, c.Server.LogLevel))
	sb.WriteString(fmt.Sprintf("  Postgres:    dsn=%s schema=%s\n", mask(c.Postgres.DSN), c.Postgres.Schema))
	sb.WriteString(fmt.Sprintf("  Redis:       %s:%s\n", c.Redis.Host, c.Redis.Port))
	sb.WriteString(fmt.Sprintf("  Broker:      ws=%s api=%s\n", c.Broker.WSURL, c.Broker.APIURL))
	sb.WriteString(fmt.Sprintf("  Calendar:    code=%s\n", c.Calendar.Code))
	sb.WriteString(fmt.Sprintf("  Bus:         subscriber_queue=%d\n", c.Bus.SubscriberQueue))
	sb.WriteString(fmt.Sprintf("  Greeks:      r=%.4f cache=%d\n", c.Greeks.RiskFreeRate, c.Greeks.CacheSize))
	sb.WriteString(fmt.Sprintf("  Reconciler:  interval=%dms max_tokens=%d\n", c.Reconciler.MinIntervalMS, c.Reconciler.PerAccountMaxTokens))
	sb.WriteString(fmt.Sprintf("  Order:       retry=%dms/%dms x%d circuit=%d/%ds\n",
		c.Order.Retry.BaseMS, c.Order.Retry.CapMS, c.Order.Retry.MaxAttempts,
		c.Order.Circuit.ConsecutiveFailures, c.Order.Circuit.OpenDurationS))
	sb.WriteString(fmt.Sprintf("  Token:       refresh=%02d:00 %s preemptive=%dm\n", c.Token.RefreshHour, c.Token.RefreshTZ, c.Token.PreemptiveMinutes))
	for _, a := range c.Accounts {
		sb.WriteString(fmt.Sprintf("  Account:     id=%s broker=%s mode=%s priority=%d user=%s\n",
			a.ID, a.Broker, a.Mode, a.Priority, mask(a.UserID)))
	}
	sb.WriteString("--------------------------------------\n")
	return sb.String()
}

func mask(value string) string {
	if len(value) <= 3 {
		return strings.Repeat("*", 7)
	}
	return value[:3] + strings.Repeat("*", 7)
}

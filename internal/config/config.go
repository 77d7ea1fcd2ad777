package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// NostrSecretEnv names the environment variable holding the notification
// signing key (hex or nsec).
const NostrSecretEnv = "CHAINPOS_NOSTR_SECRET"

// ErrMissingSecret indicates Nostr notifications are enabled without a key.
var ErrMissingSecret = errors.New("missing nostr secret")

// Config holds all application configuration.
type Config struct {
	Verbose  bool
	Log      LogConfig
	Database DatabaseConfig
	Chain    ChainConfig
	Polling  PollingConfig
	HTTP     HTTPConfig
	Nostr    NostrConfig
	Demo     DemoConfig
}

// LogConfig holds logger settings.
type LogConfig struct {
	Format string // "console", "json" or "" to pick by terminal
	Level  string // zerolog level name; --verbose forces debug
}

// DatabaseConfig holds database settings.
type DatabaseConfig struct {
	Path string
}

// ChainConfig points at the payment contract. An empty RPCURL runs the
// service without chain detection.
type ChainConfig struct {
	RPCURL          string
	ContractAddress string
	RPCTimeout      time.Duration
}

// PollingConfig bounds per-order status polling.
type PollingConfig struct {
	Interval    time.Duration
	MaxDuration time.Duration
	MaxRPS      float64 // negative disables the cap
}

// HTTPConfig holds API server settings.
type HTTPConfig struct {
	Addr       string
	PaymentURL string // base of the customer-facing payment page
}

// NostrConfig holds merchant notification settings.
type NostrConfig struct {
	Enabled   bool
	Relays    []string
	SecretKey string // only populated by LoadWithSecrets
}

// DemoConfig holds demo-mode settings.
type DemoConfig struct {
	AutoCompleteAfter time.Duration // 0 disables
}

// Load reads configuration from Viper and returns a Config struct.
func Load() (*Config, error) {
	cfg := &Config{
		Verbose: viper.GetBool("verbose"),
		Log: LogConfig{
			Format: viper.GetString("log.format"),
			Level:  viper.GetString("log.level"),
		},
		Database: DatabaseConfig{
			Path: viper.GetString("database.path"),
		},
		Chain: ChainConfig{
			RPCURL:          viper.GetString("chain.rpc_url"),
			ContractAddress: viper.GetString("chain.contract_address"),
			RPCTimeout:      viper.GetDuration("chain.rpc_timeout"),
		},
		Polling: PollingConfig{
			Interval:    viper.GetDuration("polling.interval"),
			MaxDuration: viper.GetDuration("polling.max_duration"),
			MaxRPS:      viper.GetFloat64("polling.max_rps"),
		},
		HTTP: HTTPConfig{
			Addr:       viper.GetString("http.addr"),
			PaymentURL: viper.GetString("http.payment_url"),
		},
		Nostr: NostrConfig{
			Enabled: viper.GetBool("nostr.enabled"),
			Relays:  viper.GetStringSlice("nostr.relays"),
		},
		Demo: DemoConfig{
			AutoCompleteAfter: viper.GetDuration("demo.auto_complete_after"),
		},
	}

	// Apply defaults
	if cfg.Database.Path == "" {
		cfg.Database.Path = "chainpos.db"
	}
	if cfg.Chain.RPCTimeout == 0 {
		cfg.Chain.RPCTimeout = 10 * time.Second
	}
	if cfg.Polling.Interval == 0 {
		cfg.Polling.Interval = 5 * time.Second
	}
	if cfg.Polling.MaxDuration == 0 {
		cfg.Polling.MaxDuration = 30 * time.Minute
	}
	if cfg.Polling.MaxRPS == 0 {
		cfg.Polling.MaxRPS = 10
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":3000"
	}
	if cfg.HTTP.PaymentURL == "" {
		cfg.HTTP.PaymentURL = "http://localhost:5175"
	}
	if len(cfg.Nostr.Relays) == 0 {
		cfg.Nostr.Relays = []string{"wss://relay.damus.io"}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithSecrets is Load plus the Nostr signing key, which is read from the
// environment only and never from the config file.
func LoadWithSecrets() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	if !cfg.Nostr.Enabled {
		return cfg, nil
	}

	cfg.Nostr.SecretKey = os.Getenv(NostrSecretEnv)
	if cfg.Nostr.SecretKey == "" {
		return nil, fmt.Errorf("%w: set %s or disable nostr.enabled", ErrMissingSecret, NostrSecretEnv)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Chain.RPCURL != "" && c.Chain.ContractAddress == "" {
		return errors.New("chain.contract_address is required when chain.rpc_url is set")
	}
	if c.Polling.Interval < 0 || c.Polling.MaxDuration < 0 {
		return errors.New("polling durations must not be negative")
	}
	if c.Demo.AutoCompleteAfter < 0 {
		return errors.New("demo.auto_complete_after must not be negative")
	}
	if c.Log.Level != "" {
		if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
			return fmt.Errorf("log.level: %w", err)
		}
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}
	return nil
}

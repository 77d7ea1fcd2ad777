package config

import (
	"errors"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "chainpos.db" {
		t.Errorf("Database.Path = %q, want chainpos.db", cfg.Database.Path)
	}
	if cfg.Chain.RPCTimeout != 10*time.Second {
		t.Errorf("Chain.RPCTimeout = %v, want 10s", cfg.Chain.RPCTimeout)
	}
	if cfg.Polling.Interval != 5*time.Second {
		t.Errorf("Polling.Interval = %v, want 5s", cfg.Polling.Interval)
	}
	if cfg.Polling.MaxDuration != 30*time.Minute {
		t.Errorf("Polling.MaxDuration = %v, want 30m", cfg.Polling.MaxDuration)
	}
	if cfg.Polling.MaxRPS != 10 {
		t.Errorf("Polling.MaxRPS = %v, want 10", cfg.Polling.MaxRPS)
	}
	if cfg.HTTP.Addr != ":3000" {
		t.Errorf("HTTP.Addr = %q, want :3000", cfg.HTTP.Addr)
	}
	if cfg.HTTP.PaymentURL != "http://localhost:5175" {
		t.Errorf("HTTP.PaymentURL = %q", cfg.HTTP.PaymentURL)
	}
	if cfg.Nostr.Enabled {
		t.Error("Nostr.Enabled should default to false")
	}
	if cfg.Demo.AutoCompleteAfter != 0 {
		t.Errorf("Demo.AutoCompleteAfter = %v, want 0", cfg.Demo.AutoCompleteAfter)
	}
}

func TestLoadOverrides(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	viper.Set("chain.rpc_url", "ws://localhost:8545")
	viper.Set("chain.contract_address", "0x5FbDB2315678afecb367f032d93F642f64180aa3")
	viper.Set("polling.interval", "2s")
	viper.Set("polling.max_rps", "2.5")
	viper.Set("demo.auto_complete_after", "10s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Chain.RPCURL != "ws://localhost:8545" {
		t.Errorf("Chain.RPCURL = %q", cfg.Chain.RPCURL)
	}
	if cfg.Polling.Interval != 2*time.Second {
		t.Errorf("Polling.Interval = %v, want 2s", cfg.Polling.Interval)
	}
	if cfg.Polling.MaxRPS != 2.5 {
		t.Errorf("Polling.MaxRPS = %v, want 2.5", cfg.Polling.MaxRPS)
	}
	if cfg.Demo.AutoCompleteAfter != 10*time.Second {
		t.Errorf("Demo.AutoCompleteAfter = %v, want 10s", cfg.Demo.AutoCompleteAfter)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		set  map[string]any
	}{
		{"rpc without contract", map[string]any{"chain.rpc_url": "ws://localhost:8545"}},
		{"negative interval", map[string]any{"polling.interval": "-1s"}},
		{"negative demo delay", map[string]any{"demo.auto_complete_after": "-5s"}},
		{"unknown log format", map[string]any{"log.format": "xml"}},
		{"unknown log level", map[string]any{"log.level": "chatty"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			viper.Reset()
			t.Cleanup(viper.Reset)
			for k, v := range tt.set {
				viper.Set(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("Load() error = nil, want validation error")
			}
		})
	}
}

func TestLoadWithSecrets(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		secret  string
		wantErr error
	}{
		{"nostr disabled needs no secret", false, "", nil},
		{"nostr enabled with secret", true, "deadbeef", nil},
		{"nostr enabled without secret", true, "", ErrMissingSecret},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			viper.Reset()
			t.Cleanup(viper.Reset)
			viper.Set("nostr.enabled", tt.enabled)
			t.Setenv(NostrSecretEnv, tt.secret)

			cfg, err := LoadWithSecrets()
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("LoadWithSecrets() error = %v, want %v", err, tt.wantErr)
			}
			if err == nil && tt.enabled && cfg.Nostr.SecretKey != tt.secret {
				t.Errorf("SecretKey = %q, want %q", cfg.Nostr.SecretKey, tt.secret)
			}
		})
	}
}

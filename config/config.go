package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config captures the runtime configuration for the warlnest service.
type Config struct {
	ListenAddress   string   `toml:"ListenAddress"`
	Environment     string   `toml:"Environment"`
	DatabaseDSN     string   `toml:"DatabaseDSN"`
	DatabasePath    string   `toml:"DatabasePath"`
	GatewayDBPath   string   `toml:"GatewayDBPath"`
	MetadataBaseURL string   `toml:"MetadataBaseURL"`
	AllowedOrigins  []string `toml:"AllowedOrigins"`

	Ledger LedgerConfig `toml:"Ledger"`
	Auth   AuthConfig   `toml:"Auth"`
	Limits LimitsConfig `toml:"Limits"`
	Log    LogConfig    `toml:"Log"`
	OTLP   OTLPConfig   `toml:"OTLP"`
}

// LedgerConfig points the service at the ledger's JSON-RPC endpoint and its
// deployed contract addresses.
type LedgerConfig struct {
	RPCURL          string            `toml:"RPCURL"`
	AuthToken       string            `toml:"AuthToken"`
	PollInterval    duration          `toml:"PollInterval"`
	FinalityTimeout duration          `toml:"FinalityTimeout"`
	Contracts       map[string]string `toml:"Contracts"`
}

type AuthConfig struct {
	Enabled   bool   `toml:"Enabled"`
	JWTSecret string `toml:"JWTSecret"`
	Issuer    string `toml:"Issuer"`
	Audience  string `toml:"Audience"`
}

type LimitsConfig struct {
	PropertiesPerMinute float64 `toml:"PropertiesPerMinute"`
	LedgerPerMinute     float64 `toml:"LedgerPerMinute"`
	Burst               int     `toml:"Burst"`
}

type LogConfig struct {
	Requests   bool   `toml:"Requests"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
}

type OTLPConfig struct {
	Enabled  bool   `toml:"Enabled"`
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
}

// duration is a TOML-friendly wrapper around time.Duration.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Load reads the configuration from path, creating a default file if none
// exists. Environment variables prefixed WARLNEST_ override file values so
// secrets stay out of checked-in configs.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := persist(path, cfg); err != nil {
			return nil, err
		}
	} else {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		ListenAddress:   ":8080",
		Environment:     "dev",
		DatabasePath:    "warlnest.db",
		GatewayDBPath:   "warlnest-gateway.db",
		MetadataBaseURL: "https://api.warlnest.com/metadata",
		AllowedOrigins:  []string{"*"},
		Ledger: LedgerConfig{
			RPCURL:          "http://localhost:9545",
			PollInterval:    duration{2 * time.Second},
			FinalityTimeout: duration{90 * time.Second},
			Contracts:       map[string]string{},
		},
		Limits: LimitsConfig{
			PropertiesPerMinute: 300,
			LedgerPerMinute:     60,
			Burst:               10,
		},
		Log: LogConfig{
			Requests:   true,
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
		OTLP: OTLPConfig{
			Endpoint: "localhost:4318",
			Insecure: true,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WARLNEST_LISTEN"); v != "" {
		cfg.ListenAddress = v
	}
	if v := os.Getenv("WARLNEST_ENV"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("WARLNEST_DATABASE_DSN"); v != "" {
		cfg.DatabaseDSN = v
	}
	if v := os.Getenv("WARLNEST_LEDGER_RPC_URL"); v != "" {
		cfg.Ledger.RPCURL = v
	}
	if v := os.Getenv("WARLNEST_LEDGER_AUTH_TOKEN"); v != "" {
		cfg.Ledger.AuthToken = v
	}
	if v := os.Getenv("WARLNEST_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("WARLNEST_OTLP_ENDPOINT"); v != "" {
		cfg.OTLP.Endpoint = v
		cfg.OTLP.Enabled = true
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("ListenAddress is required")
	}
	if strings.TrimSpace(c.Ledger.RPCURL) == "" {
		return fmt.Errorf("Ledger.RPCURL is required")
	}
	if c.Auth.Enabled && strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("Auth.JWTSecret is required when auth is enabled")
	}
	if c.Ledger.PollInterval.Duration <= 0 {
		c.Ledger.PollInterval = duration{2 * time.Second}
	}
	if c.Ledger.FinalityTimeout.Duration <= 0 {
		c.Ledger.FinalityTimeout = duration{90 * time.Second}
	}
	return nil
}

// PollInterval returns the receipt poll cadence.
func (c *Config) PollInterval() time.Duration { return c.Ledger.PollInterval.Duration }

// FinalityTimeout returns the confirmation wait ceiling.
func (c *Config) FinalityTimeout() time.Duration { return c.Ledger.FinalityTimeout.Duration }

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

type Config struct {
	Storage StorageConfig `json:"storage"`
	Event   EventConfig   `json:"event"`
	Vault   VaultConfig   `json:"vault"`
	Engine  EngineConfig  `json:"engine"`
	Metrics MetricsConfig `json:"metrics"`
	Tracing TracingConfig `json:"tracing"`
	Log     LogConfig     `json:"log"`
	// Catalogs lists JSON provider-catalog files merged into the registry
	// at boot, on top of the compiled-in connectors.
	Catalogs []string `json:"catalogs,omitempty"`
}

type StorageConfig struct {
	Driver string `json:"driver"` // memory, sqlite, postgres
	DSN    string `json:"dsn"`
}

type EventConfig struct {
	Driver string `json:"driver"` // memory, nats
	URL    string `json:"url,omitempty"`
}

type VaultConfig struct {
	// EncryptionKey is a 64-char hex string (32 bytes) for AES-256-GCM of
	// tokens at rest. Falls back to the WIREBIRD_VAULT_KEY env var.
	EncryptionKey string `json:"encryption_key,omitempty"`
	// SecretsPrefix namespaces env lookups of provider client credentials.
	SecretsPrefix string   `json:"secrets_prefix,omitempty"`
	ExpirySkew    Duration `json:"expiry_skew,omitempty"`
}

type EngineConfig struct {
	PollInterval Duration `json:"poll_interval,omitempty"`
	Cooldown     Duration `json:"cooldown,omitempty"`
	MaxAttempts  int      `json:"max_attempts,omitempty"`
	RetryBase    Duration `json:"retry_base,omitempty"`
	RetryMax     Duration `json:"retry_max,omitempty"`
	Workers      int      `json:"workers,omitempty"`
}

type MetricsConfig struct {
	Addr string `json:"addr,omitempty"` // e.g. ":9090"; empty disables the listener
}

type TracingConfig struct {
	Exporter    string `json:"exporter,omitempty"` // "stdout" or empty
	ServiceName string `json:"service_name,omitempty"`
}

type LogConfig struct {
	Level string `json:"level,omitempty"`
}

// Duration unmarshals from either a JSON number of nanoseconds or a
// time.ParseDuration string like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		*d = Duration(time.Duration(x))
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d Duration) Or(fallback time.Duration) time.Duration {
	if d == 0 {
		return fallback
	}
	return time.Duration(d)
}

// LoadConfig reads a JSON config file and applies defaults. A missing file
// yields the default config rather than an error.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	f, err := os.Open(path)
	if err == nil {
		defer f.Close()
		if err := json.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills unset fields with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Driver == "sqlite" && c.Storage.DSN == "" {
		c.Storage.DSN = DefaultSQLiteDSN
	}
	if c.Event.Driver == "" {
		c.Event.Driver = "memory"
	}
	if c.Vault.EncryptionKey == "" {
		c.Vault.EncryptionKey = os.Getenv("WIREBIRD_VAULT_KEY")
	}
	if c.Vault.ExpirySkew == 0 {
		c.Vault.ExpirySkew = Duration(DefaultExpirySkew)
	}
	if c.Engine.PollInterval == 0 {
		c.Engine.PollInterval = Duration(DefaultPollInterval)
	}
	if c.Engine.Cooldown == 0 {
		c.Engine.Cooldown = Duration(DefaultCooldown)
	}
	if c.Engine.MaxAttempts == 0 {
		c.Engine.MaxAttempts = DefaultMaxAttempts
	}
	if c.Engine.RetryBase == 0 {
		c.Engine.RetryBase = Duration(DefaultRetryBase)
	}
	if c.Engine.RetryMax == 0 {
		c.Engine.RetryMax = Duration(DefaultRetryMax)
	}
	if c.Engine.Workers == 0 {
		c.Engine.Workers = DefaultWorkers
	}
}

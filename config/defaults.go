package config

import "time"

// Default paths and tuning knobs. Retry and cooldown values bound load on
// external providers; all of them are overridable per config file.
const (
	// DefaultConfigDir is the base directory for wirebird artifacts.
	DefaultConfigDir = ".wirebird"
	// DefaultConfigPath is the default config file location.
	DefaultConfigPath = DefaultConfigDir + "/config.json"
	// DefaultSQLiteDSN is the default data source name for SQLite storage.
	DefaultSQLiteDSN = DefaultConfigDir + "/wirebird.db"

	DefaultPollInterval = 30 * time.Second
	DefaultCooldown     = 10 * time.Second
	DefaultMaxAttempts  = 3
	DefaultRetryBase    = 500 * time.Millisecond
	DefaultRetryMax     = 15 * time.Second
	DefaultWorkers      = 16
	DefaultExpirySkew   = 30 * time.Second
)

// Package am holds the hub's configuration ("I am"): where the job database
// lives, where the relay listens, which keys the gate trusts and how often the
// worker health sweep runs.
package am

import (
	"runtime"
	"time"
)

// Config represents the complete jobhub configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Hub      HubConfig      `mapstructure:"hub"`
	Keystore KeystoreConfig `mapstructure:"keystore"`
	Sweep    SweepConfig    `mapstructure:"sweep"`
}

// DatabaseConfig configures the SQLite job/worker database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// HubConfig configures the relay front end and the worker pool
type HubConfig struct {
	Endpoint           string  `mapstructure:"endpoint"`              // host:port the relay listens on
	Workers            int     `mapstructure:"workers"`               // pool units (0 = parallelism - 1, min 1)
	QueueSize          int     `mapstructure:"queue_size"`            // internal queue buffer between relay and pool
	MaxMessageBytes    int64   `mapstructure:"max_message_bytes"`     // largest accepted request frame
	RateLimitPerSecond float64 `mapstructure:"rate_limit_per_second"` // per-connection request rate (0 = unlimited)
	RateBurst          int     `mapstructure:"rate_burst"`            // per-connection burst
}

// KeystoreConfig configures the certificate store and authentication gate
type KeystoreConfig struct {
	Allow      string `mapstructure:"allow"`       // peer address filter, "*" accepts any address
	KeyFile    string `mapstructure:"key_file"`    // hub secret key file
	TrustedDir string `mapstructure:"trusted_dir"` // directory of trusted client public keys
	Watch      bool   `mapstructure:"watch"`       // re-scan trusted_dir when it changes
}

// SweepConfig configures the worker health sweep.
// Thresholds are measured against a worker's last_ping.
type SweepConfig struct {
	IntervalSeconds     int `mapstructure:"interval_seconds"` // 0 = sweep disabled
	IdleAfterSeconds    int `mapstructure:"idle_after_seconds"`
	MissingAfterSeconds int `mapstructure:"missing_after_seconds"`
	DeadAfterSeconds    int `mapstructure:"dead_after_seconds"`
}

// Defaults
const (
	DefaultEndpoint        = "0.0.0.0:5570"
	DefaultDatabasePath    = "jobhub.db"
	DefaultQueueSize       = 256
	DefaultMaxMessageBytes = 1 << 20
	AllowAny               = "*"
)

// PoolSize resolves the number of pool units: the configured value, or
// available parallelism minus one with a floor of one.
func (h HubConfig) PoolSize() int {
	if h.Workers > 0 {
		return h.Workers
	}
	n := runtime.GOMAXPROCS(0) - 1
	if n < 1 {
		n = 1
	}
	return n
}

// Interval returns the sweep period, zero when the sweep is disabled
func (s SweepConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

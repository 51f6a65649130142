package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tbxark/qgate/pkg/qgate/admission"
	"github.com/tbxark/qgate/pkg/qgate/common"
)

// Config holds server configuration.
type Config struct {
	ListenAddr      string           `mapstructure:"listen_addr" validate:"required"`
	MetricsAddr     string           `mapstructure:"metrics_addr"`
	MaxConnsPerHost int              `mapstructure:"max_conns_per_host" validate:"min=0"`
	AcceptRate      float64          `mapstructure:"accept_rate" validate:"min=0"`
	AcceptBurst     int              `mapstructure:"accept_burst" validate:"min=0"`
	RateExpiry      time.Duration    `mapstructure:"rate_expiry" validate:"required,min=1s"`
	WriteTimeout    time.Duration    `mapstructure:"write_timeout" validate:"required,min=1ms"`
	ShutdownTimeout time.Duration    `mapstructure:"shutdown_timeout" validate:"required,min=1ms"`
	Admission       admission.Config `mapstructure:"admission"`
	Log             common.LogConfig `mapstructure:"log"`
}

// DefaultConfig returns the built-in server defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":5000",
		MaxConnsPerHost: 0,
		AcceptRate:      0,
		AcceptBurst:     10,
		RateExpiry:      10 * time.Minute,
		WriteTimeout:    5 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		Admission:       admission.DefaultConfig(),
		Log: common.LogConfig{
			Level:  "info",
			Format: "json",
			File: common.FileLogConfig{
				MaxSizeMB:  100,
				MaxBackups: 7,
				MaxAgeDays: 30,
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := common.ValidateStruct(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"listen":             "listen_addr",
	"metrics-addr":       "metrics_addr",
	"max-conns-per-host": "max_conns_per_host",
	"accept-rate":        "accept_rate",
	"accept-burst":       "accept_burst",
	"write-timeout":      "write_timeout",
	"shutdown-timeout":   "shutdown_timeout",
	"queue-capacity":     "admission.queue_capacity",
	"overflow-capacity":  "admission.overflow_capacity",
	"workers":            "admission.workers",
	"enqueue-timeout":    "admission.enqueue_timeout",
	"idle-timeout":       "admission.idle_timeout",
	"drain-interval":     "admission.drain_interval",
	"busy-write-timeout": "admission.busy_write_timeout",
	"log-level":          "log.level",
	"log-format":         "log.format",
	"log-file":           "log.file.filename",
}

// RegisterFlags defines the server flags on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	d := DefaultConfig()

	fs.String("listen", d.ListenAddr, "Address to listen for client connections")
	fs.String("metrics-addr", d.MetricsAddr, "Address to serve /metrics and /stats on (empty disables)")
	fs.Int("max-conns-per-host", d.MaxConnsPerHost, "Maximum concurrent connections per remote host (0 = unlimited)")
	fs.Float64("accept-rate", d.AcceptRate, "New connections per second allowed per remote host (0 = unlimited)")
	fs.Int("accept-burst", d.AcceptBurst, "Burst size for the per-host accept rate")
	fs.Duration("write-timeout", d.WriteTimeout, "Write deadline for replies")
	fs.Duration("shutdown-timeout", d.ShutdownTimeout, "Maximum time to wait for in-flight connections on shutdown")
	fs.Int("queue-capacity", d.Admission.QueueCapacity, "Admission queue capacity")
	fs.Int("overflow-capacity", d.Admission.OverflowCapacity, "Overflow buffer capacity (0 disables the overflow tier)")
	fs.Int("workers", d.Admission.Workers, "Number of worker goroutines")
	fs.Duration("enqueue-timeout", d.Admission.EnqueueTimeout, "How long the gate waits for space in each tier")
	fs.Duration("idle-timeout", d.Admission.IdleTimeout, "Close in-service connections silent for this long")
	fs.Duration("drain-interval", d.Admission.DrainInterval, "Overflow drain interval")
	fs.Duration("busy-write-timeout", d.Admission.BusyWriteTimeout, "Write deadline for the busy notice")
	fs.String("log-level", d.Log.Level, "Log level (debug, info, warn, error)")
	fs.String("log-format", d.Log.Format, "Log format (json, console)")
	fs.String("log-file", d.Log.File.Filename, "Also write logs to this rotating file")
}

// LoadConfig layers the defaults, an optional config file, QGATE_*
// environment variables and explicitly set flags, in increasing precedence.
func LoadConfig(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("QGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("max_conns_per_host", d.MaxConnsPerHost)
	v.SetDefault("accept_rate", d.AcceptRate)
	v.SetDefault("accept_burst", d.AcceptBurst)
	v.SetDefault("rate_expiry", d.RateExpiry)
	v.SetDefault("write_timeout", d.WriteTimeout)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout)

	v.SetDefault("admission.queue_capacity", d.Admission.QueueCapacity)
	v.SetDefault("admission.overflow_capacity", d.Admission.OverflowCapacity)
	v.SetDefault("admission.workers", d.Admission.Workers)
	v.SetDefault("admission.enqueue_timeout", d.Admission.EnqueueTimeout)
	v.SetDefault("admission.idle_timeout", d.Admission.IdleTimeout)
	v.SetDefault("admission.drain_interval", d.Admission.DrainInterval)
	v.SetDefault("admission.busy_write_timeout", d.Admission.BusyWriteTimeout)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file.filename", d.Log.File.Filename)
	v.SetDefault("log.file.max_size", d.Log.File.MaxSizeMB)
	v.SetDefault("log.file.max_backups", d.Log.File.MaxBackups)
	v.SetDefault("log.file.max_age", d.Log.File.MaxAgeDays)
	v.SetDefault("log.file.compress", d.Log.File.Compress)
}

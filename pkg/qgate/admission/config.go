package admission

import (
	"fmt"
	"time"

	"github.com/tbxark/qgate/pkg/qgate/common"
)

// Config holds the admission-control tunables. All values are supplied by
// the embedding server; the controller keeps no other configuration state.
type Config struct {
	QueueCapacity    int           `mapstructure:"queue_capacity" validate:"min=1"`
	OverflowCapacity int           `mapstructure:"overflow_capacity" validate:"min=0"`
	Workers          int           `mapstructure:"workers" validate:"min=1"`
	EnqueueTimeout   time.Duration `mapstructure:"enqueue_timeout" validate:"min=0"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout" validate:"required,min=1ms"`
	DrainInterval    time.Duration `mapstructure:"drain_interval" validate:"required,min=1ms"`
	BusyWriteTimeout time.Duration `mapstructure:"busy_write_timeout" validate:"min=0"`
}

// DefaultConfig returns the defaults used by qgate-server.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:    5,
		OverflowCapacity: 10,
		Workers:          5,
		EnqueueTimeout:   100 * time.Millisecond,
		IdleTimeout:      30 * time.Second,
		DrainInterval:    2 * time.Second,
		BusyWriteTimeout: 5 * time.Second,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := common.ValidateStruct(c); err != nil {
		return fmt.Errorf("admission configuration validation failed: %w", err)
	}
	return nil
}

package client

import (
	"fmt"
	"time"

	"github.com/tbxark/qgate/pkg/qgate/common"
	"github.com/tbxark/qgate/pkg/qgate/proto"
)

// DefaultMessage is the payload every session sends.
const DefaultMessage = "Hello, server!"

// Config holds client configuration.
type Config struct {
	ServerAddr  string        `validate:"required,hostname_port"`
	Connections int           `validate:"min=1"`
	Concurrency int           `validate:"min=1"`
	Message     string        `validate:"required"`
	Hold        time.Duration `validate:"min=0"`
	DialTimeout time.Duration `validate:"required,min=1ms"`
	ReadTimeout time.Duration `validate:"required,min=1ms"`
	// BusyProbe is how long a session waits for an immediate busy notice
	// before sending its message.
	BusyProbe    time.Duration `validate:"min=0"`
	MaxRetries   int           `validate:"min=0"`
	RetryInitial time.Duration `validate:"required,min=1ms"`
	RetryMax     time.Duration `validate:"required,gtefield=RetryInitial"`
}

// DefaultConfig returns a configuration for a single session against
// localhost.
func DefaultConfig() Config {
	return Config{
		ServerAddr:   "127.0.0.1:5000",
		Connections:  1,
		Concurrency:  1,
		Message:      DefaultMessage,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  30 * time.Second,
		BusyProbe:    50 * time.Millisecond,
		MaxRetries:   3,
		RetryInitial: 200 * time.Millisecond,
		RetryMax:     5 * time.Second,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := common.ValidateStruct(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if len(c.Message) > proto.MaxPayloadLen {
		return fmt.Errorf("message must be at most %d bytes", proto.MaxPayloadLen)
	}
	return nil
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/tbxark/qgate/pkg/qgate/client"
	"github.com/tbxark/qgate/pkg/qgate/common"
	"github.com/tbxark/qgate/pkg/qgate/version"
)

func main() {
	cfg, logCfg, err := parseFlags()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Failed to parse configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := common.NewLogger(logCfg)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Configuration validation failed", zap.Error(err))
	}

	logger.Info("qgate client starting",
		zap.String("server", cfg.ServerAddr),
		zap.Int("connections", cfg.Connections),
		zap.Int("concurrency", cfg.Concurrency),
		zap.Int("max_retries", cfg.MaxRetries))

	c := &client.Client{
		Config: cfg,
		Logger: logger,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	summary, err := c.Run(ctx)

	out, _ := json.Marshal(summary)
	fmt.Println(string(out))

	if err != nil {
		logger.Error("Client interrupted", zap.Error(err))
		os.Exit(1)
	}
	if summary.Failed > 0 || summary.Busy > 0 {
		os.Exit(1)
	}
}

func parseFlags() (*client.Config, common.LogConfig, error) {
	d := client.DefaultConfig()
	cfg := d
	var (
		logCfg      common.LogConfig
		showVersion bool
	)

	pflag.StringVar(&cfg.ServerAddr, "server", d.ServerAddr, "Server address")
	pflag.IntVarP(&cfg.Connections, "connections", "n", d.Connections, "Number of sessions to run")
	pflag.IntVar(&cfg.Concurrency, "concurrency", d.Concurrency, "Maximum sessions in flight")
	pflag.StringVar(&cfg.Message, "message", d.Message, "Message to send in each session")
	pflag.DurationVar(&cfg.Hold, "hold", d.Hold, "How long each session stays connected after the echo")
	pflag.DurationVar(&cfg.DialTimeout, "dial-timeout", d.DialTimeout, "Timeout for dialing the server")
	pflag.DurationVar(&cfg.ReadTimeout, "read-timeout", d.ReadTimeout, "Timeout for the server reply, including time spent queued")
	pflag.DurationVar(&cfg.BusyProbe, "busy-probe", d.BusyProbe, "How long to wait for an immediate busy notice before sending")
	pflag.IntVar(&cfg.MaxRetries, "max-retries", d.MaxRetries, "Retries per session while the server is busy")
	pflag.DurationVar(&cfg.RetryInitial, "retry-initial", d.RetryInitial, "Initial retry backoff")
	pflag.DurationVar(&cfg.RetryMax, "retry-max", d.RetryMax, "Maximum retry backoff")
	pflag.StringVar(&logCfg.Level, "log-level", "info", "Log level (debug, info, warn, error)")
	pflag.StringVar(&logCfg.Format, "log-format", "console", "Log format (json, console)")
	pflag.BoolVarP(&showVersion, "version", "v", false, "Show version information")

	pflag.Parse()

	if showVersion {
		fmt.Println(version.GetFullVersion())
		os.Exit(0)
	}

	if cfg.Connections < cfg.Concurrency {
		cfg.Concurrency = cfg.Connections
	}

	return &cfg, logCfg, nil
}

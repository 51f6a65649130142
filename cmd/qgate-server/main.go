package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/tbxark/qgate/pkg/qgate/common"
	"github.com/tbxark/qgate/pkg/qgate/server"
	"github.com/tbxark/qgate/pkg/qgate/version"
)

func main() {
	cfg, err := parseFlags()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Failed to parse configuration: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Configuration validation failed: %v\n", err)
		os.Exit(1)
	}

	logger, err := common.NewLogger(cfg.Log)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("qgate server starting",
		zap.String("version", version.GetVersion()),
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.Int("max_conns_per_host", cfg.MaxConnsPerHost),
		zap.Float64("accept_rate", cfg.AcceptRate),
		zap.Int("queue_capacity", cfg.Admission.QueueCapacity),
		zap.Int("overflow_capacity", cfg.Admission.OverflowCapacity),
		zap.Int("workers", cfg.Admission.Workers))

	srv, err := server.NewServer(*cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(ctx)
	}()

	select {
	case sig := <-sigChan:
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
		if err := <-errChan; err != nil && !onlyCanceled(err) {
			logger.Error("Shutdown incomplete", zap.Error(err))
			os.Exit(1)
		}
	case err := <-errChan:
		logger.Error("Server error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("qgate server stopped")
}

// onlyCanceled reports whether err carries nothing but the cancellation that
// triggered the shutdown.
func onlyCanceled(err error) bool {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			if !errors.Is(e, context.Canceled) {
				return false
			}
		}
		return true
	}
	return errors.Is(err, context.Canceled)
}

func parseFlags() (*server.Config, error) {
	var (
		configPath  string
		showVersion bool
	)

	server.RegisterFlags(pflag.CommandLine)
	pflag.StringVarP(&configPath, "config", "c", "", "Path to a YAML, TOML or JSON config file")
	pflag.BoolVarP(&showVersion, "version", "v", false, "Show version information")

	pflag.Parse()

	if showVersion {
		fmt.Println(version.GetFullVersion())
		os.Exit(0)
	}

	return server.LoadConfig(configPath, pflag.CommandLine)
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marmos91/dittoweb/internal/logger"
	"github.com/marmos91/dittoweb/pkg/config"
	"github.com/marmos91/dittoweb/pkg/server"
)

// Set at build time with -ldflags "-X main.version=..."
var version = "dev"

const usage = `DittoWeb - epoll HTTP/1.1 server

Usage:
  dittoweb <command> [flags]

Commands:
  init      Write a commented default configuration file
  start     Start the server
  version   Print the version

Run 'dittoweb <command> -h' for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "init":
		err = runInit(os.Args[2:])
	case "start":
		err = runStart(os.Args[2:])
	case "version":
		fmt.Printf("dittoweb %s\n", version)
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to write the config file (default: "+config.GetDefaultConfigPath()+")")
	force := fs.Bool("force", false, "Overwrite an existing config file")
	_ = fs.Parse(args)

	path := *configPath
	if path == "" {
		var err error
		if path, err = config.InitConfig(*force); err != nil {
			return err
		}
	} else if err := config.InitConfigToPath(path, *force); err != nil {
		return err
	}

	fmt.Printf("Configuration written to %s\n", path)
	return nil
}

func runStart(args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to the config file (default: "+config.GetDefaultConfigPath()+")")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logger.Configure(logger.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Output:    cfg.Logging.Output,
		Async:     cfg.Logging.Async,
		QueueSize: cfg.Logging.QueueSize,
	}); err != nil {
		return fmt.Errorf("failed to configure logger: %w", err)
	}
	defer func() { _ = logger.Close() }()

	fmt.Printf("DittoWeb %s\n", version)
	logger.Info("Log level set to: %s", cfg.Logging.Level)

	if err := config.CheckDocumentRoot(cfg); err != nil {
		return err
	}

	// Cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsResult := config.InitializeMetrics(cfg)
	metricsDone := make(chan error, 1)
	if metricsResult.Server != nil {
		go func() {
			metricsDone <- metricsResult.Server.Start(ctx)
		}()
	} else {
		close(metricsDone)
	}

	pool, store, err := config.CreateCredentialPool(ctx, &cfg.Credentials)
	if err != nil {
		return fmt.Errorf("failed to create credential store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Credential store close error: %v", err)
		}
	}()
	logger.Info("Credential store: %s (pool size %d)", cfg.Credentials.Type, pool.Size())

	srv := server.New(pool)
	srv.SetStopTimeout(cfg.Server.ShutdownTimeout)

	adapters, err := config.CreateAdapters(cfg, metricsResult.HTTPMetrics)
	if err != nil {
		_ = pool.Close()
		return fmt.Errorf("failed to create adapters: %w", err)
	}
	for _, a := range adapters {
		if err := srv.AddAdapter(a); err != nil {
			_ = pool.Close()
			return fmt.Errorf("failed to add %s adapter: %w", a.Protocol(), err)
		}
		logger.Info("%s adapter configured on port %d", a.Protocol(), a.Port())
	}

	logger.Info("Server is running. Press Ctrl+C to stop.")

	// Serve closes the pool on return
	serveErr := srv.Serve(ctx)
	stop()

	if errors.Is(serveErr, context.Canceled) {
		logger.Info("Shutdown signal received, server stopped gracefully")
		serveErr = nil
	}

	select {
	case err := <-metricsDone:
		if err != nil {
			logger.Error("Metrics server error: %v", err)
		}
	case <-time.After(10 * time.Second):
		logger.Warn("Metrics server did not stop in time")
	}

	return serveErr
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/prismgate/gateway/config"
	"github.com/prismgate/gateway/internal/gateway"
	"github.com/prismgate/gateway/internal/logging"
)

// Exit codes: 0 normal shutdown, 1 config error, 2 store unreachable,
// 3 schema mismatch.
const (
	exitOK               = 0
	exitConfig           = 1
	exitStoreUnreachable = 2
	exitSchemaMismatch   = 3
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Path to configuration file (optional; env vars apply on top)")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("prism gateway %s\n", version)
		return exitOK
	}

	cfg, err := config.NewLoader().Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}
	if *validateOnly {
		fmt.Println("configuration is valid")
		return exitOK
	}

	logger, closer, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Output:     cfg.Logging.Output,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return exitConfig
	}
	logging.SetGlobal(logger)
	if closer != nil {
		defer closer.Close()
	}

	server, err := gateway.NewServer(context.Background(), cfg)
	if err != nil {
		logging.Error("startup failed", zap.Error(err))
		switch {
		case errors.Is(err, gateway.ErrSchemaMismatch):
			return exitSchemaMismatch
		case errors.Is(err, gateway.ErrStoreUnreachable):
			return exitStoreUnreachable
		default:
			return exitConfig
		}
	}

	logging.Info("starting gateway",
		zap.String("version", version),
		zap.Int("port", cfg.ListenPort),
	)

	if err := server.Run(); err != nil {
		logging.Error("server error", zap.Error(err))
		return exitConfig
	}
	return exitOK
}

// Package cmd provides the mnemos CLI entry point.
//
// Commands:
//   - migrate: apply database schema migrations
//   - version: print build information
//
// The query and ingestion surfaces are a library (internal/kb) consumed
// by a separate routing layer; this binary only carries the operational
// commands.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mnemos/mnemos/internal/config"
	"github.com/mnemos/mnemos/internal/database"
	"github.com/mnemos/mnemos/internal/log"
)

// Version information (injected at build time via ldflags).
var (
	AppVersion = "0.0.1"
	GitCommit  = "unknown"
)

// Execute is the main entry point for the mnemos CLI.
func Execute() error {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(log.New(log.Config{Level: level}))

	if len(os.Args) < 2 {
		runHelp()
		return nil
	}

	switch os.Args[1] {
	case "migrate":
		return runMigrate()
	case "version", "--version", "-v":
		runVersion()
		return nil
	case "help", "--help", "-h":
		runHelp()
		return nil
	default:
		return fmt.Errorf("unknown command: %s", os.Args[1])
	}
}

func runMigrate() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := database.Migrate(cfg.ConnString()); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}
	slog.Info("migrations applied")
	return nil
}

func runVersion() {
	fmt.Printf("mnemos %s (%s)\n", AppVersion, GitCommit)
}

func runHelp() {
	fmt.Println("mnemos - retrieval-augmented knowledge base core")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  mnemos migrate     Apply database schema migrations")
	fmt.Println("  mnemos version     Show version information")
	fmt.Println("  mnemos help        Show this help")
}

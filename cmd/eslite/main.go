// Package main implements the eslite server binary.
// It hosts the engine behind the HTTP and gRPC APIs until a signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/polykit/eslite/internal/app"
	"github.com/polykit/eslite/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		httpAddr    string
		grpcAddr    string
		archiveType string
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for the database and local archive")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP API address")
	flag.StringVar(&grpcAddr, "grpc-addr", "", "gRPC server address")
	flag.StringVar(&archiveType, "archive", "", "Snapshot archive: none, local, s3")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "ESLite - Local Store Consistency Engine\n\n")
		fmt.Fprintf(os.Stderr, "Usage: eslite [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  eslite --data-dir /data/eslite\n")
		fmt.Fprintf(os.Stderr, "  eslite --data-dir /data/eslite --archive local\n")
		fmt.Fprintf(os.Stderr, "  eslite --config /etc/eslite/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  ESLITE_DATA_DIR         Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  ESLITE_DATABASE_PATH    SQLite database file\n")
		fmt.Fprintf(os.Stderr, "  ESLITE_HTTP_ADDR        HTTP API address\n")
		fmt.Fprintf(os.Stderr, "  ESLITE_GRPC_ADDR        gRPC server address\n")
		fmt.Fprintf(os.Stderr, "  ESLITE_ARCHIVE_TYPE     Snapshot archive (none, local, s3)\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("eslite version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile, dataDir, httpAddr, grpcAddr, archiveType)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}
	printBanner(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	if err := application.WaitForShutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}

// loadConfig layers defaults or the config file, then the environment, then
// command line flags.
func loadConfig(configFile, dataDir, httpAddr, grpcAddr, archiveType string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	if grpcAddr != "" {
		cfg.GRPC.Addr = grpcAddr
	}
	if archiveType != "" {
		cfg.Archive.Type = archiveType
	}

	return cfg, nil
}

func printBanner(cfg *config.Config) {
	log.Printf("╔═══════════════════════════════════════════════════════════╗")
	log.Printf("║                        ESLITE                             ║")
	log.Printf("║          Local Store Consistency Engine                   ║")
	log.Printf("╚═══════════════════════════════════════════════════════════╝")
	log.Printf("")
	log.Printf("Configuration:")
	log.Printf("  Data Dir: %s", cfg.DataDir)
	log.Printf("  Database: %s", cfg.Database.Path)
	log.Printf("  Archive:  %s", cfg.Archive.Type)
	log.Printf("  HTTP:     %s", cfg.HTTP.Addr)
	if cfg.GRPC.Enabled {
		log.Printf("  gRPC:     %s", cfg.GRPC.Addr)
	}
	if cfg.TTL.Enabled {
		log.Printf("  TTL Tick: %v", cfg.TTL.DefaultInterval)
	}
	log.Printf("")
}

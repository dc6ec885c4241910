// Package main implements the eslite-migrate tool.
// It applies a JSON migrations file to one namespace of a local database.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/polykit/eslite/internal/engine"
	"github.com/polykit/eslite/internal/migration"
)

// Config holds the tool configuration.
type Config struct {
	DBPath    string
	Namespace string
	File      string
	History   bool
	Timeout   time.Duration
}

func main() {
	cfg := parseFlags()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	e, err := engine.Open(ctx, cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer e.Close()

	if cfg.File != "" {
		data, err := os.ReadFile(cfg.File)
		if err != nil {
			log.Fatalf("Failed to read migrations: %v", err)
		}
		migrations, err := migration.DecodeMigrations(data)
		if err != nil {
			log.Fatalf("Failed to parse migrations: %v", err)
		}

		before := e.CurrentVersion(cfg.Namespace)
		applied, err := e.Migrate(ctx, cfg.Namespace, migrations)
		if err != nil {
			e.Close()
			log.Fatalf("Migration failed: %v", err)
		}
		fmt.Printf("namespace %s: applied %d migration(s), version %d -> %d\n",
			cfg.Namespace, applied, before, e.CurrentVersion(cfg.Namespace))
	}

	if cfg.History || cfg.File == "" {
		records, err := e.History(ctx, cfg.Namespace)
		if err != nil {
			e.Close()
			log.Fatalf("Failed to read history: %v", err)
		}
		if len(records) == 0 {
			fmt.Printf("namespace %s: no migrations applied\n", cfg.Namespace)
		}
		for _, rec := range records {
			fmt.Printf("%6d  %s  %s\n", rec.Version, rec.AppliedAt.Format(time.RFC3339), rec.Description)
		}
	}
}

func parseFlags() Config {
	cfg := Config{}

	flag.StringVar(&cfg.DBPath, "db", "./data/eslite/eslite.db", "Path to the SQLite database")
	flag.StringVar(&cfg.Namespace, "namespace", "", "Migration namespace")
	flag.StringVar(&cfg.File, "file", "", "JSON file with an array of migrations; omit to print history")
	flag.BoolVar(&cfg.History, "history", false, "Print the applied migrations after migrating")
	flag.DurationVar(&cfg.Timeout, "timeout", time.Minute, "Overall timeout")

	flag.Parse()

	if cfg.Namespace == "" {
		fmt.Fprintf(os.Stderr, "eslite-migrate: -namespace is required\n\n")
		flag.Usage()
		os.Exit(2)
	}
	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
			log.Fatalf("Failed to create directory %s: %v", filepath.Dir(cfg.DBPath), err)
		}
	}

	return cfg
}

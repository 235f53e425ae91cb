package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"transitdepot.dev/depot/config"
	"transitdepot.dev/depot/logging"
	"transitdepot.dev/depot/storage"
)

var rootCmd = &cobra.Command{
	Use:          "depot",
	Short:        "Transit Depot GTFS backend",
	Long:         "Manages multi-tenant GTFS data: import, export, validation, restructuring and realtime feeds",
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(agencyCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(splitCmd)
	rootCmd.AddCommand(cloneCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(realtimeCmd)
	rootCmd.AddCommand(taskCmd)
}

// setup loads configuration and opens the store. Every command goes
// through here.
func setup() (*config.Config, *storage.Store, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, zerolog.Logger{}, err
	}

	log := logging.New(logging.Options{
		Level:    cfg.Logging.Level,
		Console:  cfg.Logging.Console,
		FilePath: cfg.Logging.FilePath,
	})

	var store *storage.Store
	switch cfg.Database.Driver {
	case storage.DriverPostgres:
		store, err = storage.NewPostgresStore(cfg.Database.DSN())
	default:
		store, err = storage.NewSQLiteStore(cfg.Database.DSN())
	}
	if err != nil {
		return nil, nil, zerolog.Logger{}, fmt.Errorf("opening store: %w", err)
	}

	return cfg, store, log, nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// Package main provides the database migration CLI for sentinel.
//
// The SQL steps are embedded in the binary; up/down/status/version/drop operate on the
// database named by DATABASE_URL.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

// Set at build time with -ldflags.
var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
	name      = "sentinel-migrate"
)

func main() {
	var (
		help        = flag.Bool("help", false, "Show help information")
		showVersion = flag.Bool("version", false, "Show version information")
		yes         = flag.Bool("yes", false, "Skip the confirmation prompt for drop")
	)

	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s (commit %s, built %s)\n", name, Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	if *help || flag.NArg() < 1 {
		printUsage()
		os.Exit(0)
	}

	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	runner, err := NewMigrationRunner(cfg)
	if err != nil {
		log.Fatalf("Failed to create migration runner: %v", err)
	}

	err = executeCommand(flag.Arg(0), runner, confirmer(*yes, os.Stdin))

	if closeErr := runner.Close(); closeErr != nil {
		log.Printf("Failed to close migration runner: %v", closeErr)
	}

	if err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
}

// executeCommand dispatches command to runner. confirm gates destructive commands.
func executeCommand(command string, runner MigrationRunner, confirm func() bool) error {
	switch command {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down()
	case "status":
		return runner.Status()
	case "version":
		return runner.Version()
	case "drop":
		if !confirm() {
			log.Println("Drop cancelled")

			return nil
		}

		return runner.Drop()
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func confirmer(skip bool, in io.Reader) func() bool {
	return func() bool {
		if skip {
			return true
		}

		fmt.Print("WARNING: this drops every table. Continue? (y/N): ")

		answer, _ := bufio.NewReader(in).ReadString('\n')
		answer = strings.TrimSpace(answer)

		return answer == "y" || answer == "Y"
	}
}

func printUsage() {
	fmt.Printf(`%s v%s

USAGE:
    %s [--yes] COMMAND

COMMANDS:
    up       Apply all pending migrations
    down     Roll back the last migration
    status   Show applied and pending versions
    version  Show the applied version
    drop     Drop all tables (asks for confirmation unless --yes)

ENVIRONMENT:
    DATABASE_URL                        PostgreSQL connection string (required)
    SENTINEL_MIGRATION_TABLE            Tracking table (default: %s)
    SENTINEL_MIGRATION_CONNECT_TIMEOUT  Connect timeout (default: %s)
`, name, Version, name, defaultMigrationTable, defaultConnectTimeout)
}

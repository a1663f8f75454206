// Package main is the CLI entry point for the parley conversational
// backend.
//
// Basic usage:
//
//	parley serve --config parley.yaml
//	parley index --docs ./docs --out rag_index.json
//	parley status
//
// The configuration path may also be supplied via the PARLEY_CONFIG
// environment variable; a .env file in the working directory is loaded
// before anything else.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Missing .env is the normal case outside development.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "parley",
		Short:         "Conversational AI backend with tools, RAG, and reminders",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildServeCmd(), buildIndexCmd(), buildStatusCmd(), buildVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("parley %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

// resolveConfigPath applies the flag > environment > default precedence.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("PARLEY_CONFIG"); env != "" {
		return env
	}
	return "parley.yaml"
}

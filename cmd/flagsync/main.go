// Package main is the flagsync command line host.
//
// It embeds the flagsync client in a long-running process: the client is
// configured from FLAGSYNC_* environment variables (optionally loaded from a
// .env file), its ready, change and error notifications are logged, and
// liveness, readiness and metrics endpoints are served until the process
// receives SIGINT or SIGTERM.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "flagsync",
		Short:        "flagsync client host",
		Long:         "flagsync keeps a local view of feature flags for one user current and reports usage events.",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})

	return rootCmd
}

func newWatchCommand() *cobra.Command {
	var opts watchOptions

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the client and log flag changes until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnvFile(opts.envFile); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runWatch(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.envFile, "env-file", defaultEnvFile, "dotenv file loaded before reading FLAGSYNC_* variables")
	cmd.Flags().StringVar(&opts.transport, "transport", transportSSE, "push channel transport: sse|websocket|none")
	cmd.Flags().StringSliceVar(&opts.watchFlags, "flag", nil, "flag keys to subscribe to individually (default: all changes)")

	return cmd
}

// defaultEnvFile is optional; a missing file is not an error.
const defaultEnvFile = ".env"

// loadEnvFile loads path into the process environment without overriding
// variables that are already set. Only the default file may be missing.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if err == nil || (path == defaultEnvFile && errors.Is(err, fs.ErrNotExist)) {
		return nil
	}
	return fmt.Errorf("failed to load %s: %w", path, err)
}

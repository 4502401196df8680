package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pagerelay/pagerelay/internal/config"
	"github.com/pagerelay/pagerelay/internal/keyring"
	"github.com/pagerelay/pagerelay/internal/logging"
	"github.com/pagerelay/pagerelay/internal/server"
)

// ServerConfig is the loaded configuration shared across commands.
var ServerConfig *config.Config

// Version is set at build time via ldflags.
var Version = "dev"

// SetupRootCmd builds the CLI with the given configuration.
func SetupRootCmd(c *config.Config) *cobra.Command {
	ServerConfig = c

	rootCmd := &cobra.Command{
		Use:   "pagerelay",
		Short: "Local companion service relaying page content to AI platforms",
		Long: `pagerelay runs a local service the browser extension connects to.
It extracts page content, resolves a prompt and destination model, streams
the response back to the extension's UI surfaces, and keeps per-tab session
state across restarts.`,
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(credentialsCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay service",
		Run: func(cmd *cobra.Command, args []string) {
			if !verbose {
				logging.Disable()
			}
			runServe()
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable log output")
	return cmd
}

func runServe() {
	if err := os.MkdirAll(config.DataDir(), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot create data directory: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("pagerelay listening on http://%s\n", ServerConfig.ListenAddr())
	if err := server.Run(ctx, *ServerConfig); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pagerelay %s\n", Version)
		},
	}
}

func credentialsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage platform API keys in the OS keychain",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <platform> <api-key>",
		Short: "Store an API key for a platform",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := keyring.SetAPIKey(args[0], args[1]); err != nil {
				return fmt.Errorf("store key: %w", err)
			}
			fmt.Printf("Stored API key for %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <platform>",
		Short: "Remove a platform's API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := keyring.DeleteAPIKey(args[0]); err != nil {
				return fmt.Errorf("delete key: %w", err)
			}
			fmt.Printf("Removed API key for %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check <platform>",
		Short: "Check whether usable credentials exist for a platform",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if keyring.HasCredentials(args[0]) {
				fmt.Printf("%s: credentials found\n", args[0])
				return
			}
			fmt.Printf("%s: no credentials\n", args[0])
			os.Exit(1)
		},
	})

	return cmd
}

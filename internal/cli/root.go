package cli

import (
	"github.com/spf13/cobra"
)

// version is overridden at build time via
// -ldflags "-X github.com/shawn111/goose/internal/cli.version=...".
var version = "dev"

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "goosed",
	Short: "goosed - Agent Host daemon",
	Long: `goosed is the backend daemon that owns conversational agent sessions.
It persists every session to an append-only log, streams turn progress over
WebSocket, dispatches tool calls to configured endpoints, and talks to LLM
providers on behalf of its clients.`,
	Version: version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/goose/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

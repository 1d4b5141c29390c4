package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/shawn111/goose/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show host status",
	Long:  `Show the current status of a running agent host by querying its /info endpoint.`,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&hostAddr, "addr", "", "host address (default from config)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	info, err := newHostClient(cfg).Info()
	if err != nil {
		fmt.Println("Status: stopped")
		return nil
	}

	fmt.Println("Status: running")
	fmt.Printf("Version: %s\n", info.Version)
	fmt.Printf("Provider: %s (%s)\n", info.DefaultProvider, info.DefaultModel)
	fmt.Printf("Sessions dir: %s\n", info.SessionsDir)
	fmt.Printf("Config: %s\n", info.ConfigFile)

	// The PID file's modification time dates the last start
	pidFile := filepath.Join(cfg.DataDir, "goosed.pid")
	if fileInfo, err := os.Stat(pidFile); err == nil {
		fmt.Printf("Uptime: %s\n", formatDuration(time.Since(fileInfo.ModTime())))
	}

	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

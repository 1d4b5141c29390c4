package cli

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/shawn111/goose/internal/config"
	"github.com/shawn111/goose/pkg/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage sessions on a running host",
	Long:  `List and remove sessions on a running agent host over its HTTP surface.`,
	RunE:  runSessionsList,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE:  runSessionsList,
}

var sessionsRemoveCmd = &cobra.Command{
	Use:   "remove <session-id>",
	Short: "Remove a session and its log",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsRemove,
}

func init() {
	sessionsCmd.PersistentFlags().StringVar(&hostAddr, "addr", "", "host address (default from config)")
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsRemoveCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	sessions, err := newHostClient(cfg).Sessions()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	renderSessions(os.Stdout, sessions)
	return nil
}

func runSessionsRemove(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := newHostClient(cfg).RemoveSession(args[0]); err != nil {
		return fmt.Errorf("failed to remove session: %w", err)
	}

	fmt.Printf("Session %s removed\n", args[0])
	return nil
}

func renderSessions(w io.Writer, sessions []session.Summary) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTURNS\tPROVIDER\tMODEL\tUPDATED")
	for _, s := range sessions {
		updated := s.UpdatedAt.Local().Format("2006-01-02 15:04")
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n", s.ID, s.Name, s.TurnCount, s.Provider, s.Model, updated)
	}
	tw.Flush()
}

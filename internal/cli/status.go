package cli

import (
	"fmt"
	"os"
	"sort"

	"github.com/denizbac/fleetcore/internal/config"
	"github.com/denizbac/fleetcore/internal/daemon"
	"github.com/denizbac/fleetcore/pkg/client"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show fleetcore daemon status and queue counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			st, err := daemon.Status(cmd.Context(), home)
			if err != nil {
				return err
			}
			if !st.Running {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "fleetcore not running")
				return nil
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "fleetcore running (pid %d, addr %s)\n", st.PID, st.Addr)

			c := client.New("http://"+st.Addr, os.Getenv("FLEETCORE_API_KEY"))
			summary, err := c.Status(cmd.Context())
			if err != nil {
				// Daemon is up but the API did not answer; still a useful status.
				_, _ = fmt.Fprintf(out, "api unreachable: %v\n", err)
				return nil
			}
			statuses := make([]string, 0, len(summary.TasksByStatus))
			for s := range summary.TasksByStatus {
				statuses = append(statuses, s)
			}
			sort.Strings(statuses)
			for _, s := range statuses {
				_, _ = fmt.Fprintf(out, "  tasks %s: %d\n", s, summary.TasksByStatus[s])
			}
			_, _ = fmt.Fprintf(out, "  pending approvals: %d\n", summary.PendingApprovals)
			_, _ = fmt.Fprintf(out, "  agents online: %d\n", summary.AgentsOnline)
			_, _ = fmt.Fprintf(out, "  active learnings: %d\n", summary.ActiveLearnings)
			return nil
		},
	}
	return cmd
}

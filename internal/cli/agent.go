package cli

import (
	"fmt"
	"time"

	"github.com/denizbac/fleetcore/internal/config"
	"github.com/denizbac/fleetcore/internal/store"
	"github.com/spf13/cobra"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Inspect agents",
	}
	cmd.AddCommand(newAgentListCmd())
	return cmd
}

func newAgentListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List known agent instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			st, err := store.Open(home)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			agents, err := st.ListAgents(cmd.Context())
			if err != nil {
				return err
			}
			if len(agents) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No agents.")
				return nil
			}
			for _, a := range agents {
				line := fmt.Sprintf("- %s (%s) %s heartbeat=%s", a.AgentName, a.AgentType, a.Status, a.LastHeartbeat.Format(time.RFC3339))
				if a.CurrentTaskID != nil {
					line += fmt.Sprintf(" task=%d", *a.CurrentTaskID)
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	return cmd
}

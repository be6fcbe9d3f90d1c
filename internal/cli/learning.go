package cli

import (
	"errors"
	"fmt"

	"github.com/denizbac/fleetcore/internal/config"
	"github.com/denizbac/fleetcore/internal/store"
	"github.com/spf13/cobra"
)

func newLearningCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "learning",
		Short: "Inspect and curate learnings",
	}
	cmd.AddCommand(newLearningListCmd())
	cmd.AddCommand(newLearningDeactivateCmd())
	return cmd
}

func newLearningListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List learnings (active by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			st, err := store.Open(home)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			ls, err := st.ListLearnings(cmd.Context(), !all)
			if err != nil {
				return err
			}
			if len(ls) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No learnings.")
				return nil
			}
			for _, l := range ls {
				line := fmt.Sprintf("- %d repo=%s %s/%s confidence=%.2f samples=%d used=%d",
					l.LearningID, l.RepoID, l.AgentType, l.Category, l.Confidence, l.SampleCount, l.UsageCount)
				if !l.Active {
					line += " (inactive)"
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include deactivated learnings")
	return cmd
}

func newLearningDeactivateCmd() *cobra.Command {
	var learningID int64
	cmd := &cobra.Command{
		Use:   "deactivate",
		Short: "Retire a learning from auto-approval decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if learningID <= 0 {
				return errors.New("--id must be a positive learning ID")
			}
			home := config.MustHomeFrom(cmd.Context())
			st, err := store.Open(home)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			if err := st.DeactivateLearning(cmd.Context(), learningID); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deactivated learning %d\n", learningID)
			return nil
		},
	}
	cmd.Flags().Int64Var(&learningID, "id", 0, "Learning ID")
	return cmd
}

package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/denizbac/fleetcore/internal/approval"
	"github.com/denizbac/fleetcore/internal/config"
	"github.com/denizbac/fleetcore/internal/store"
	"github.com/denizbac/fleetcore/pkg/models"
	"github.com/spf13/cobra"
)

func newApprovalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approval",
		Short: "Review approval gates",
	}
	cmd.AddCommand(newApprovalListCmd())
	cmd.AddCommand(newApprovalResolveCmd())
	return cmd
}

func newApprovalListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approvals, optionally filtered by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			st, err := store.Open(home)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			approvals, err := st.ListApprovals(cmd.Context(), status, limit)
			if err != nil {
				return err
			}
			if len(approvals) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No approvals.")
				return nil
			}
			for _, ap := range approvals {
				line := fmt.Sprintf("- %d [%s] %s repo=%s", ap.ApprovalID, ap.Status, ap.ApprovalType, ap.RepoID)
				if ap.TaskID != nil {
					line += fmt.Sprintf(" task=%d", *ap.TaskID)
				}
				if ap.AutoApproved && ap.AutoApproveReason != nil {
					line += " auto(" + *ap.AutoApproveReason + ")"
				} else if ap.Reviewer != nil {
					line += " reviewer=" + *ap.Reviewer
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, approved, rejected)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Max approvals to list (0 = default)")
	return cmd
}

func newApprovalResolveCmd() *cobra.Command {
	var (
		approvalID int64
		decision   string
		reviewer   string
		comment    string
	)
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Approve or reject a pending approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			if approvalID <= 0 {
				return errors.New("--id must be a positive approval ID")
			}
			if decision != models.ApprovalApproved && decision != models.ApprovalRejected {
				return errors.New("--decision must be approved or rejected")
			}
			if reviewer == "" {
				return errors.New("--reviewer is required")
			}
			home := config.MustHomeFrom(cmd.Context())
			st, err := store.Open(home)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			settings, err := config.LoadSettings(home)
			if err != nil {
				return err
			}
			gate := approval.New(st, settings.ApprovalThreshold, nil)
			if err := gate.Resolve(cmd.Context(), approvalID, decision, reviewer, comment); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Approval %d %s by %s at %s\n", approvalID, decision, reviewer, time.Now().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().Int64Var(&approvalID, "id", 0, "Approval ID")
	cmd.Flags().StringVar(&decision, "decision", "", "Decision: approved or rejected")
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "Reviewer name")
	cmd.Flags().StringVar(&comment, "comment", "", "Optional review comment")
	return cmd
}

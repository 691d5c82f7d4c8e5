package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/approval"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/store"
)

var jobsStatus string
var jobsLimit int

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List jobs in the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		s, err := store.Open(cfg.DatabasePath())
		if err != nil {
			return err
		}
		defer s.Close()

		jobs, err := s.ListJobsByStatus(jobsStatus, jobsLimit)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("No jobs.")
			return nil
		}
		fmt.Printf("%-26s %-10s %-8s %-24s %s\n", "ID", "STATUS", "ATTEMPT", "CONVERSATION", "UPDATED")
		for _, j := range jobs {
			fmt.Printf("%-26s %-10s %-8d %-24s %s\n",
				j.ID, j.Status, j.AttemptCount, j.ConversationID,
				j.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "List pending tool approvals",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		s, err := store.Open(cfg.DatabasePath())
		if err != nil {
			return err
		}
		defer s.Close()

		pending, err := s.ListPendingApprovals()
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Println("No pending approvals.")
			return nil
		}
		fmt.Printf("%-26s %-24s %-16s %s\n", "ID", "CONVERSATION", "TOOL", "REQUESTED")
		for _, a := range pending {
			fmt.Printf("%-26s %-24s %-16s %s\n",
				a.ID, a.ConversationID, a.ToolName,
				a.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var approvalsApprove bool
var approvalsReject bool

var approvalsResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Approve or reject a pending tool approval",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if approvalsApprove == approvalsReject {
			return fmt.Errorf("pass exactly one of --approve or --reject")
		}
		return resolveApproval(args[0], approvalsApprove)
	},
}

func resolveApproval(id string, approve bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	s, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer s.Close()

	am := approval.NewManager(s, cfg.Approvals.TTL)
	ok, err := am.Resolve(id, approve)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("approval %s is not pending", id)
	}
	verdict := "rejected"
	if approve {
		verdict = "approved"
	}
	fmt.Printf("Approval %s %s.\n", id, verdict)
	return nil
}

func init() {
	jobsCmd.Flags().StringVar(&jobsStatus, "status", "", "filter by status (pending, processing, completed, failed)")
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 50, "maximum rows to print")
	approvalsResolveCmd.Flags().BoolVar(&approvalsApprove, "approve", false, "approve the tool call")
	approvalsResolveCmd.Flags().BoolVar(&approvalsReject, "reject", false, "reject the tool call")
	approvalsCmd.AddCommand(approvalsResolveCmd)
}

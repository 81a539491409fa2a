package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Review and resolve pending approvals",
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending approvals",
	RunE: func(cmd *cobra.Command, args []string) error {
		pending, err := apiClient().PendingApprovals()
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Println("Nothing waiting for approval")
			return nil
		}

		for _, approval := range pending {
			fmt.Printf("%s\n", approval.ID)
			fmt.Printf("  Agent:   %s\n", approval.RequesterAgent)
			fmt.Printf("  Action:  %s\n", approval.Intent.Action)
			if len(approval.Intent.SideEffects) > 0 {
				fmt.Printf("  Effects: %s\n", strings.Join(approval.Intent.SideEffects, ", "))
			}
			fmt.Printf("  Cost:    $%.2f (%s)\n", approval.CostEstimate, approval.Reversibility)
			fmt.Printf("  Expires: %s\n", approval.ExpiresAt.Format("2006-01-02 15:04"))
			fmt.Println()
		}
		return nil
	},
}

var approvalsHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List resolved and expired approvals",
	RunE: func(cmd *cobra.Command, args []string) error {
		history, err := apiClient().ApprovalHistory()
		if err != nil {
			return err
		}
		if len(history) == 0 {
			fmt.Println("No approval history")
			return nil
		}

		fmt.Printf("%-36s %-12s %-24s %-10s %s\n", "ID", "AGENT", "ACTION", "STATUS", "RESOLVED BY")
		for _, approval := range history {
			fmt.Printf("%-36s %-12s %-24s %-10s %s\n",
				approval.ID, approval.RequesterAgent, approval.Intent.Action,
				approval.Status, approval.ResolvedBy)
		}
		return nil
	},
}

var approvalResolvedBy string

var approvalsApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		approval, err := apiClient().ResolveApproval(args[0], true, approvalResolvedBy)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Approved %s (%s)\n", approval.ID, approval.Intent.Action)
		return nil
	},
}

var approvalsDenyCmd = &cobra.Command{
	Use:   "deny <id>",
	Short: "Deny a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		approval, err := apiClient().ResolveApproval(args[0], false, approvalResolvedBy)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Denied %s (%s)\n", approval.ID, approval.Intent.Action)
		return nil
	},
}

func init() {
	approvalsCmd.PersistentFlags().StringVar(&approvalResolvedBy, "by", "operator",
		"name recorded as the resolver")

	approvalsCmd.AddCommand(approvalsListCmd)
	approvalsCmd.AddCommand(approvalsHistoryCmd)
	approvalsCmd.AddCommand(approvalsApproveCmd)
	approvalsCmd.AddCommand(approvalsDenyCmd)
}

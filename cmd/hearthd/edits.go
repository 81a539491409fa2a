package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var editsCmd = &cobra.Command{
	Use:   "edits",
	Short: "Request guarded content edits",
}

var editsRequestCmd = &cobra.Command{
	Use:   "request <target> <content-file>",
	Short: "Ask the janitor to apply new content to a file",
	Long: `Submit a safe edit. The janitor stages the content, runs it through
the approval gate and applies it; edits that need confirmation stay
staged until the approval is resolved. Watch the returned correlation
id with 'hearthd audit trace' to follow the outcome.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}

		accepted, err := apiClient().RequestEdit(args[0], string(content))
		if err != nil {
			return err
		}
		fmt.Printf("✓ Edit submitted for %s\n", args[0])
		fmt.Printf("  Correlation: %s\n", accepted.CorrelationID)
		return nil
	},
}

func init() {
	editsCmd.AddCommand(editsRequestCmd)
}

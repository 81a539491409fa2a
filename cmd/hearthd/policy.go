package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/hearthd/hearthd/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Show or install the approval policy",
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the active policy snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		snapshot, err := apiClient().GetPolicy()
		if err != nil {
			return err
		}
		data, err := yaml.Marshal(snapshot)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

var policyInstallCmd = &cobra.Command{
	Use:   "install <file>",
	Short: "Install a policy snapshot from a YAML file",
	Long: `Install a new policy snapshot. The file must carry a version strictly
greater than the active one; agents pick up the new version on their
next intent evaluation.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var snapshot types.PolicySnapshot
		if err := yaml.Unmarshal(data, &snapshot); err != nil {
			return fmt.Errorf("failed to parse policy file: %w", err)
		}
		if err := apiClient().PutPolicy(&snapshot); err != nil {
			return err
		}
		fmt.Printf("✓ Policy v%d installed\n", snapshot.Version)
		fmt.Printf("  Caps: auto $%.2f, confirm $%.2f\n",
			snapshot.Thresholds.CostAutoCap, snapshot.Thresholds.CostConfirmCap)
		if len(snapshot.Allowlists.ContactChannels) > 0 {
			fmt.Printf("  Contacts: %s\n", strings.Join(snapshot.Allowlists.ContactChannels, ", "))
		}
		return nil
	},
}

func init() {
	policyCmd.AddCommand(policyShowCmd)
	policyCmd.AddCommand(policyInstallCmd)
}

package main

import (
	"fmt"
	"sort"

	"github.com/hearthd/hearthd/pkg/types"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show supervisor and agent status",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := apiClient().Status()
		if err != nil {
			return err
		}

		if !report.Running {
			fmt.Println("Supervisor: stopped")
			return nil
		}
		fmt.Println("Supervisor: running")
		fmt.Printf("Started:    %s\n", report.StartedAt.Format("2006-01-02 15:04:05"))
		fmt.Println()

		names := make([]string, 0, len(report.Agents))
		for name := range report.Agents {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Println("Agents:")
		for _, name := range names {
			fmt.Printf("  %-12s %s\n", name, report.Agents[name])
		}
		return nil
	},
}

var startupCmd = &cobra.Command{
	Use:   "startup",
	Short: "Start all agents and services",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := apiClient().Startup()
		if err != nil {
			return err
		}
		if result.AlreadyRunning {
			fmt.Println("Already running")
			return nil
		}
		fmt.Println("✓ System started")
		return nil
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Stop all agents and services",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := apiClient().Shutdown()
		if err != nil {
			return err
		}
		if result.AlreadyStopped {
			fmt.Println("Already stopped")
			return nil
		}
		fmt.Println("✓ System stopped")
		return nil
	},
}

var delegatePriority string

var delegateCmd = &cobra.Command{
	Use:   "delegate <agent> <title>",
	Short: "Hand a task to an agent",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		task, err := apiClient().Delegate(
			types.AgentKind(args[0]), args[1], types.TaskPriority(delegatePriority))
		if err != nil {
			return err
		}
		fmt.Printf("✓ Task %s delegated to %s\n", task.ID, task.OwnerAgent)
		fmt.Printf("  Trace: hearthd audit trace %s\n", task.CorrelationID)
		return nil
	},
}

func init() {
	delegateCmd.Flags().StringVar(&delegatePriority, "priority", "medium",
		"task priority (low|medium|high|urgent)")
}

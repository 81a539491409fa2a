package main

import (
	"fmt"

	"github.com/hearthd/hearthd/pkg/types"
	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage scheduled jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		jobs, err := apiClient().ListJobs()
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("No jobs defined")
			return nil
		}

		fmt.Printf("%-36s %-24s %-12s %-8s %-8s %s\n",
			"ID", "NAME", "AGENT", "FREQ", "ENABLED", "NEXT RUN")
		for _, job := range jobs {
			next := "-"
			if !job.NextRun.IsZero() {
				next = job.NextRun.Format("2006-01-02 15:04")
			}
			fmt.Printf("%-36s %-24s %-12s %-8s %-8t %s\n",
				job.ID, job.Name, job.Agent, job.Frequency, job.Enabled, next)
		}
		return nil
	},
}

var (
	jobAgent      string
	jobTaskSpec   string
	jobFrequency  string
	jobHour       int
	jobMinute     int
	jobDayOfWeek  int
	jobDayOfMonth int
	jobCritical   bool
)

var jobsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a scheduled job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := apiClient().CreateJob(&types.Job{
			Name:       args[0],
			Agent:      types.AgentKind(jobAgent),
			TaskSpec:   jobTaskSpec,
			Frequency:  types.Frequency(jobFrequency),
			Hour:       jobHour,
			Minute:     jobMinute,
			DayOfWeek:  jobDayOfWeek,
			DayOfMonth: jobDayOfMonth,
			Critical:   jobCritical,
			Enabled:    true,
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Job %s created, next run %s\n",
			job.ID, job.NextRun.Format("2006-01-02 15:04"))
		return nil
	},
}

var jobsRunCmd = &cobra.Command{
	Use:   "run <id>",
	Short: "Trigger a job immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().RunJob(args[0]); err != nil {
			return err
		}
		fmt.Println("✓ Job queued")
		return nil
	},
}

var jobsEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().SetJobEnabled(args[0], true); err != nil {
			return err
		}
		fmt.Println("✓ Job enabled")
		return nil
	},
}

var jobsDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().SetJobEnabled(args[0], false); err != nil {
			return err
		}
		fmt.Println("✓ Job disabled")
		return nil
	},
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().DeleteJob(args[0]); err != nil {
			return err
		}
		fmt.Println("✓ Job deleted")
		return nil
	},
}

func init() {
	jobsCreateCmd.Flags().StringVar(&jobAgent, "agent", "", "owning agent (required)")
	jobsCreateCmd.Flags().StringVar(&jobTaskSpec, "task", "", "task description given to the agent")
	jobsCreateCmd.Flags().StringVar(&jobFrequency, "frequency", "daily", "once|hourly|daily|weekly|monthly")
	jobsCreateCmd.Flags().IntVar(&jobHour, "hour", 0, "hour of day (0-23)")
	jobsCreateCmd.Flags().IntVar(&jobMinute, "minute", 0, "minute of hour (0-59)")
	jobsCreateCmd.Flags().IntVar(&jobDayOfWeek, "day-of-week", 0, "0=Sunday (weekly jobs)")
	jobsCreateCmd.Flags().IntVar(&jobDayOfMonth, "day-of-month", 1, "1-28 (monthly jobs)")
	jobsCreateCmd.Flags().BoolVar(&jobCritical, "critical", false, "run missed occurrences on startup")
	_ = jobsCreateCmd.MarkFlagRequired("agent")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsCreateCmd)
	jobsCmd.AddCommand(jobsRunCmd)
	jobsCmd.AddCommand(jobsEnableCmd)
	jobsCmd.AddCommand(jobsDisableCmd)
	jobsCmd.AddCommand(jobsDeleteCmd)
}

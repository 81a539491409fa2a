package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the event stream, traces and cost totals",
}

var auditTailCount int

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent events",
	RunE: func(cmd *cobra.Command, args []string) error {
		// The stream is fetched from the head; keep only the last N.
		events, err := apiClient().EventsSince(0, 1000)
		if err != nil {
			return err
		}
		for len(events) == 1000 {
			more, err := apiClient().EventsSince(events[len(events)-1].Seq, 1000)
			if err != nil {
				return err
			}
			if len(more) == 0 {
				break
			}
			events = append(events, more...)
		}
		if len(events) > auditTailCount {
			events = events[len(events)-auditTailCount:]
		}

		for _, event := range events {
			line := fmt.Sprintf("%6d  %s  %-9s %-12s %s",
				event.Seq, event.Timestamp.Format("15:04:05"),
				event.Severity, event.Source, event.Type)
			if event.CorrelationID != "" {
				line += "  cid=" + event.CorrelationID
			}
			fmt.Println(line)
		}
		return nil
	},
}

var auditTraceCmd = &cobra.Command{
	Use:   "trace <correlation-id>",
	Short: "Show everything recorded for one correlation id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		trace, err := apiClient().AuditTrace(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Trace %s\n\n", trace.CorrelationID)
		fmt.Printf("Events (%d):\n", len(trace.Events))
		for _, event := range trace.Events {
			fmt.Printf("  %6d  %s  %-12s %s\n",
				event.Seq, event.Timestamp.Format("15:04:05"),
				event.Source, event.Type)
		}
		fmt.Printf("\nActions (%d):\n", len(trace.Audit))
		for _, record := range trace.Audit {
			cost := fmt.Sprintf("$%.4f est", record.CostEstimate)
			if record.CostActual != nil {
				cost = fmt.Sprintf("$%.4f", *record.CostActual)
			}
			fmt.Printf("  %s  %-12s %-28s %s\n",
				record.Timestamp.Format("15:04:05"), record.ActorAgent,
				record.Action, cost)
		}
		return nil
	},
}

var auditTodayCmd = &cobra.Command{
	Use:   "today",
	Short: "Show today's cost totals",
	RunE: func(cmd *cobra.Command, args []string) error {
		totals, err := apiClient().CostToday()
		if err != nil {
			return err
		}

		fmt.Printf("Actions:   %d\n", totals.Records)
		fmt.Printf("Estimated: $%.4f\n", totals.CostEstimated)
		fmt.Printf("Actual:    $%.4f\n", totals.CostActual)
		if len(totals.PerAgent) > 0 {
			fmt.Println("\nPer agent:")
			for agent, cost := range totals.PerAgent {
				fmt.Printf("  %-12s $%.4f\n", agent, cost)
			}
		}
		return nil
	},
}

func init() {
	auditTailCmd.Flags().IntVar(&auditTailCount, "n", 25, "number of events to show")

	auditCmd.AddCommand(auditTailCmd)
	auditCmd.AddCommand(auditTraceCmd)
	auditCmd.AddCommand(auditTodayCmd)
}

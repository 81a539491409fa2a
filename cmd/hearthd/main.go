package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/hearthd/hearthd/pkg/client"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes for scripting. Anything the operator can fix by changing
// the request is 2; a policy refusal is 3; a store problem is 4.
const (
	exitOK         = 0
	exitGeneric    = 1
	exitValidation = 2
	exitDenied     = 3
	exitStorage    = 4
)

var serverAddr string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps control-plane error codes onto the CLI exit contract.
func exitCode(err error) int {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case "validation_error":
			return exitValidation
		case "policy_denied":
			return exitDenied
		case "storage_unavailable":
			return exitStorage
		}
	}
	return exitGeneric
}

func apiClient() *client.Client {
	return client.New("http://" + serverAddr)
}

var rootCmd = &cobra.Command{
	Use:   "hearthd",
	Short: "Hearthd - household agent supervisor",
	Long: `Hearthd runs a small crew of specialist agents for one household:
scheduled chores, mail triage, budget watching, guarded config edits
and nightly backups, all behind a single approval gate.

The serve command runs the daemon; every other command talks to it
over the local control-plane API.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Hearthd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "127.0.0.1:8420",
		"control-plane address (host:port)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(startupCmd)
	rootCmd.AddCommand(shutdownCmd)
	rootCmd.AddCommand(delegateCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(approvalsCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(editsCmd)
}

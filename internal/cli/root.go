// Package cli implements approvalsctl, the operator CLI for the approvals
// service.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format string // "json" | "text"
	Target string // gRPC address, defaults to GRPC_TARGET
	Token  string // bearer token for gRPC calls

	// open builds the local runtime. Tests replace it.
	open opener
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for approvalsctl.
func NewRootCommand() *cobra.Command {
	return newRootCommand(openRuntime)
}

func newRootCommand(open opener) *cobra.Command {
	opts := &RootOptions{open: open}

	cmd := &cobra.Command{
		Use:   "approvalsctl",
		Short: "Operate the approvals service",
		Long:  "Manage approval workflows, inspect the job ledger and drive approvals from the command line.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Target, "target", "", "gRPC address of the service (default $GRPC_TARGET)")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", "", "bearer token for gRPC calls (default $APPROVALS_TOKEN)")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewSeedCommand(opts))
	cmd.AddCommand(NewJobsCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))
	cmd.AddCommand(NewSubmitCommand(opts))
	cmd.AddCommand(NewDecideCommand(opts, "approve"))
	cmd.AddCommand(NewDecideCommand(opts, "reject"))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}

package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			if rt.db == nil {
				return fmt.Errorf("migrate requires STORE_DRIVER=postgres")
			}
			if err := repository.Migrate(cmd.Context(), rt.db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

// NewSeedCommand creates the seed command.
func NewSeedCommand(opts *RootOptions) *cobra.Command {
	var file, createdBy string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load members, workflows and rules from a YAML file",
		Long: `Load members, workflows and rules from a YAML file.

Example:
  approvalsctl seed -f seed/org-1.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()

			seed, err := service.ParseSeed(f)
			if err != nil {
				return err
			}

			rt, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			res, err := rt.admin().ApplySeed(cmd.Context(), seed, createdBy)
			if err != nil {
				return err
			}
			workflows := make(map[string]any, len(res.Workflows))
			for k, v := range res.Workflows {
				workflows[k] = v
			}
			return newPrinter(cmd, opts).object(map[string]any{
				"organization_id": seed.OrganizationID,
				"members":         res.Members,
				"workflows":       workflows,
				"rules":           res.Rules,
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "seed file (required)")
	cmd.Flags().StringVar(&createdBy, "created-by", "approvalsctl", "creator recorded on workflows")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// NewJobsCommand creates the jobs command group.
func NewJobsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manage the job ledger",
	}

	var filter repository.JobFilter
	list := &cobra.Command{
		Use:   "list",
		Short: "List ledger entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			jobs, err := rt.jobs().ListJobs(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return newPrinter(cmd, opts).jobs(jobs)
		},
	}
	list.Flags().StringVar(&filter.Queue, "queue", "", "filter by queue")
	list.Flags().StringVar(&filter.Status, "status", "", "filter by status")
	list.Flags().StringVar(&filter.OrganizationID, "org", "", "filter by organization")
	list.Flags().IntVar(&filter.Limit, "limit", 50, "maximum entries")

	get := &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show one ledger entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			job, err := rt.jobs().GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return newPrinter(cmd, opts).object(jobFields(job))
		},
	}

	cancel := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending job or stop a running one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			job, err := rt.jobs().CancelJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return newPrinter(cmd, opts).object(jobFields(job))
		},
	}

	retry := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Resubmit a failed job as a new ledger entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			res, err := rt.jobs().RetryFailed(cmd.Context(), args[0])
			if res == nil {
				return err
			}
			if perr := newPrinter(cmd, opts).object(map[string]any{
				"ledger_job_id": res.LedgerJobID,
				"broker_job_id": res.BrokerJobID,
				"enqueued":      res.Enqueued,
			}); perr != nil {
				return perr
			}
			return err
		},
	}

	cmd.AddCommand(list, get, cancel, retry)
	return cmd
}

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(opts *RootOptions) *cobra.Command {
	var cleanup bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Re-enqueue ledger entries missing from the broker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			rec := rt.reconciler()
			report, err := rec.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			out := map[string]any{
				"requeued":  report.Requeued,
				"recovered": report.Recovered,
				"failed":    report.Failed,
			}
			if cleanup {
				n, err := rec.Cleanup(cmd.Context())
				if err != nil {
					return err
				}
				out["purged"] = n
			}
			return newPrinter(cmd, opts).object(out)
		},
	}

	cmd.Flags().BoolVar(&cleanup, "cleanup", false, "also purge finished entries past retention")
	return cmd
}

package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/tendant/simple-post/pkg/simplepost/admin"
)

func newReconcileCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Repair drift between posts, thumbnails and counters",
	}
	cmd.AddCommand(
		newReconcileCountersCmd(c),
		newReconcileSweepCmd(c),
		newReconcileScanCmd(c),
	)
	return cmd
}

func newReconcileCountersCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "counters [<user-id>...]",
		Short: "Recount posts and fix drifted user counters",
		Args: func(cmd *cobra.Command, args []string) error {
			for _, arg := range args {
				if _, err := uuid.Parse(arg); err != nil {
					return fmt.Errorf("invalid user id %q", arg)
				}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]uuid.UUID, 0, len(args))
			for _, arg := range args {
				ids = append(ids, uuid.MustParse(arg))
			}

			report, err := c.admin().ReconcileCounters(cmd.Context(), ids...)
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return c.writeJSON(report)
			}
			if err := c.writePlain("Checked %d user(s), %d drifted.\n", report.Checked, len(report.Drifted)); err != nil {
				return err
			}
			for _, d := range report.Drifted {
				status := "fixed"
				if !d.Fixed {
					status = "NOT fixed"
				}
				if err := c.writePlain("  %s: %d -> %d (%s)\n", d.UserID, d.Stored, d.Actual, status); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newReconcileSweepCmd(c *cli) *cobra.Command {
	var batchSize int

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Repair journaled inconsistencies, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := c.admin().SweepInconsistencies(cmd.Context(), batchSize)
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return c.writeJSON(report)
			}
			if err := c.writePlain("Processed %d, resolved %d, failed %d.\n", report.Processed, report.Resolved, report.Failed); err != nil {
				return err
			}
			for _, a := range report.Actions {
				line := fmt.Sprintf("  %s %s: %s", a.InconsistencyID, a.Kind, a.Action)
				if a.Error != "" {
					line += " (" + a.Error + ")"
				}
				if err := c.writePlain("%s\n", line); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch", 500, "maximum number of journal entries to process")
	return cmd
}

func newReconcileScanCmd(c *cli) *cobra.Command {
	var (
		prefix string
		apply  bool
		grace  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Find thumbnails that no post references",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := c.admin(admin.WithOrphanGracePeriod(grace)).ScanOrphans(cmd.Context(), prefix, apply)
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return c.writeJSON(report)
			}
			if err := c.writePlain("Scanned %d blob(s), %d orphan(s), %d deleted, %d within grace period.\n",
				report.Scanned, len(report.Orphans), report.Deleted, report.Young); err != nil {
				return err
			}
			for _, key := range report.Orphans {
				if err := c.writePlain("  %s\n", key); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "thumbnails/", "only scan keys with this prefix")
	cmd.Flags().BoolVar(&apply, "apply", false, "delete orphans instead of only listing them")
	cmd.Flags().DurationVar(&grace, "grace", admin.DefaultOrphanGracePeriod, "leave orphans younger than this alone")
	return cmd
}

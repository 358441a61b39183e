package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newApplyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply",
		Short: "Converge every host to the manifest",
		Long:  "Runs the full step sequence (packages, database, secrets, deploy, supervisor, proxy, certificates, health) against every selected host. Safe to re-run: a converged host reports every step unchanged.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := newRunContext(true)
			if err != nil {
				return err
			}

			report, err := rc.executor.Run(cmd.Context(), rc.manifest, rc.options)
			if err != nil {
				return err
			}
			if err := renderReport(cmd.OutOrStdout(), report, outputFormat); err != nil {
				return err
			}
			if report.Failed() {
				return fmt.Errorf("convergence failed")
			}
			return nil
		},
	}
}

func newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Report planned changes without applying them",
		Long:  "Equivalent to apply --dry-run: every step reports the changes it would make and nothing on any host is mutated.",
		RunE: func(cmd *cobra.Command, args []string) error {
			dryRun = true
			rc, err := newRunContext(true)
			if err != nil {
				return err
			}

			report, err := rc.executor.Run(cmd.Context(), rc.manifest, rc.options)
			if err != nil {
				return err
			}
			return renderReport(cmd.OutOrStdout(), report, outputFormat)
		},
	}
}

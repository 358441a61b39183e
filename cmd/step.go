package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var stepShortHelp = map[string]string{
	"packages":     "Ensure the declared OS packages are installed",
	"database":     "Ensure the database and role exist with declared privileges",
	"secrets":      "Write the environment/secrets file",
	"deploy":       "Fetch or update the application checkout and run its hooks",
	"supervisor":   "Install the systemd unit and restart the service",
	"proxy":        "Install the reverse proxy site and reload",
	"certificates": "Request or renew TLS certificates",
	"health":       "Probe the application's health endpoint",
}

func stepCommandNames() []string {
	return []string{"packages", "database", "secrets", "deploy", "supervisor", "proxy", "certificates", "health"}
}

// newStepCmd builds the subcommand that runs exactly one convergence step
func newStepCmd(name string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: stepShortHelp[name],
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := newRunContext(true)
			if err != nil {
				return err
			}
			rc.options.Only = name

			report, err := rc.executor.Run(cmd.Context(), rc.manifest, rc.options)
			if err != nil {
				return err
			}
			if err := renderReport(cmd.OutOrStdout(), report, outputFormat); err != nil {
				return err
			}
			if report.Failed() {
				return fmt.Errorf("%s step failed", name)
			}
			return nil
		},
	}
}

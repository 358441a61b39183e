package cmd

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"converge/pkg/facts"
	"converge/pkg/manifest"
	"converge/pkg/ssh"
)

func newFactsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "facts",
		Short: "Show the observed state of each host",
		Long:  "Gathers hostname, OS release and installed packages for every selected host without mutating anything.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := newRunContext(false)
			if err != nil {
				return err
			}

			names := make([]string, 0, len(rc.manifest.Hosts))
			for name := range rc.manifest.Hosts {
				names = append(names, name)
			}
			sort.Strings(names)

			for _, name := range names {
				host := rc.manifest.Hosts[name]
				if len(onlyHosts) > 0 && !containsString(onlyHosts, name) {
					continue
				}

				runner, err := runnerForHost(host)
				if err != nil {
					return fmt.Errorf("host %s: %w", name, err)
				}

				snapshot, err := facts.NewGatherer(runner).Gather(cmd.Context())
				runner.Close()
				if err != nil {
					return fmt.Errorf("host %s: %w", name, err)
				}

				if outputFormat == "json" {
					encoder := json.NewEncoder(cmd.OutOrStdout())
					encoder.SetIndent("", "  ")
					if err := encoder.Encode(snapshot); err != nil {
						return err
					}
					continue
				}

				fmt.Fprintf(cmd.OutOrStdout(), "%s:\n", name)
				fmt.Fprintf(cmd.OutOrStdout(), "  hostname: %s\n", snapshot.Hostname)
				fmt.Fprintf(cmd.OutOrStdout(), "  os: %s\n", snapshot.OSRelease)
				fmt.Fprintf(cmd.OutOrStdout(), "  packages: %d installed\n", len(snapshot.Packages))
			}
			return nil
		},
	}
}

func runnerForHost(host manifest.Host) (ssh.Runner, error) {
	if host.Local() {
		return ssh.NewLocalRunner(""), nil
	}
	return ssh.NewClient(&ssh.ConnectionConfig{
		Address: host.Address,
		Port:    host.Port,
		User:    host.User,
		KeyPath: host.SSHKey,
	})
}

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"converge/internal/logging"
	"converge/pkg/manifest"
	"converge/pkg/orchestrator"
	"converge/pkg/secrets"
	"converge/pkg/steps"
)

var (
	manifestPath string
	secretsFile  string
	stateDir     string
	outputFormat string
	onlyHosts    []string
	dryRun       bool
	verbose      bool
	timeout      time.Duration
)

// NewRootCmd returns the root command for converge
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "converge",
		Short:         "converge — declarative host convergence",
		Long:          "converge reads a desired-state manifest and idempotently converges Ubuntu hosts to it: packages, database, secrets, app, supervisor, proxy and certificates.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&manifestPath, "manifest", "m", "converge.yaml", "path to the desired-state manifest")
	rootCmd.PersistentFlags().StringVar(&secretsFile, "secrets-file", "", "dotenv file resolving secret variables (default: env vars, then prompt)")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "directory for converge bookkeeping (default is $HOME/.converge)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "output format: json|text")
	rootCmd.PersistentFlags().StringSliceVar(&onlyHosts, "host", nil, "restrict the run to these manifest hosts")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "report planned changes without applying them")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "per-step timeout")

	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(newApplyCmd())
	rootCmd.AddCommand(newPlanCmd())
	for _, name := range stepCommandNames() {
		rootCmd.AddCommand(newStepCmd(name))
	}
	rootCmd.AddCommand(newFactsCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func initConfig() {
	home, err := os.UserHomeDir()
	if err == nil {
		viper.AddConfigPath(filepath.Join(home, ".converge"))
		viper.SetConfigName("config")
	}
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("CONVERGE")
	viper.AutomaticEnv()

	// Ignore missing config
	_ = viper.ReadInConfig()

	if stateDir == "" {
		if configured := viper.GetString("state_dir"); configured != "" {
			stateDir = configured
		} else if home != "" {
			stateDir = filepath.Join(home, ".converge")
		}
	}
	if secretsFile == "" {
		secretsFile = viper.GetString("secrets_file")
	}
}

// runContext bundles what every convergence command needs
type runContext struct {
	manifest *manifest.Manifest
	logger   *logrus.Logger
	executor *orchestrator.Executor
	options  orchestrator.Options
}

func newRunContext(resolveSecrets bool) (*runContext, error) {
	m, err := manifest.Load(manifestPath)
	if err != nil {
		return nil, err
	}

	logger := logging.NewLogger(verbose)

	opts := orchestrator.Options{
		DryRun:   dryRun,
		Hosts:    onlyHosts,
		StateDir: stateDir,
		Timeout:  timeout,
	}

	if resolveSecrets {
		var sourceOpts []secrets.SourceOption
		if secretsFile != "" {
			sourceOpts = append(sourceOpts, secrets.WithDotenvFile(secretsFile))
		}
		if dryRun {
			// Planning never prompts; unresolved values only widen the
			// reported drift and nothing is written anywhere
			sourceOpts = append(sourceOpts, secrets.WithPrompt(func(name string) (string, error) {
				return "", nil
			}))
		}
		source := secrets.NewSource(sourceOpts...)
		resolved, err := source.ResolveAll(steps.SecretNames(m))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve secrets: %w", err)
		}
		opts.Secrets = resolved
	}

	return &runContext{
		manifest: m,
		logger:   logger,
		executor: orchestrator.NewExecutor(logger),
		options:  opts,
	}, nil
}

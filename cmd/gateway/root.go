package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"meshgate.org/internal/config"
	"meshgate.org/internal/obs"
)

// cli carries state shared by subcommands.
type cli struct {
	v          *viper.Viper
	configFile string
	cfg        config.Config
	logger     *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{v: config.NewViper()}

	root := &cobra.Command{
		Use:   "meshgate",
		Short: fmt.Sprintf("Organization-aware API gateway (version: %s, commit: %s)", version, commit),
		Long: `meshgate authenticates requests, routes organization traffic to the
backend that owns it and provisions new organizations across backends.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.v, c.configFile)
			if err != nil {
				return err
			}
			logger, err := obs.NewLogger(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = logger
			obs.SetLogger(logger)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&c.configFile, "config", "", "YAML config file (env MESHGATE_* overrides it)")
	root.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	_ = c.v.BindPFlag("log_level", root.PersistentFlags().Lookup("log-level"))
	root.PersistentFlags().String("log-format", "json", "Log format (json, console)")
	_ = c.v.BindPFlag("log_format", root.PersistentFlags().Lookup("log-format"))

	root.AddCommand(newServeCmd(c), newDenyUserCmd(c), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "meshgate %s (commit %s)\n", version, commit)
			return err
		},
	}
}

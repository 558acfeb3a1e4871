package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"fleetd/internal/config"
	"fleetd/internal/logging"
)

// rootOptions are the flags shared by every role.
type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func buildRootCmd() *cobra.Command { return buildRootCmdWith(&config.Config{}) }

// buildRootCmdWith builds the command tree around cfg, which receives the
// config file values. Each role applies its own flags and the defaults.
func buildRootCmdWith(cfg *config.Config) *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "fleetd",
		Short:         "Distributed model-serving control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", envStr("FLEETD_CONFIG", ""), "Config file (.yaml, .json or .toml); defaults to FLEETD_CONFIG")
	pf.StringVar(&opts.logLevel, "log-level", "", "Log level: trace|debug|info|warn|error")
	pf.StringVar(&opts.logFormat, "log-format", "", "Log format: console|json")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if opts.configPath != "" {
			loaded, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			*cfg = loaded
		}
		flags := cmd.Flags()
		ifChanged(flags, "log-level", func() { cfg.Log.Level = opts.logLevel })
		ifChanged(flags, "log-format", func() { cfg.Log.Format = opts.logFormat })
		return nil
	}

	root.AddCommand(supervisorCmd(cfg), workerCmd(cfg), localCmd(cfg))
	return root
}

// ifChanged runs apply when the named flag was given on the command line, so
// flags override file values only when set.
func ifChanged(fs *pflag.FlagSet, name string, apply func()) {
	if fs.Changed(name) {
		apply()
	}
}

func newLogger(c config.LogConfig) zerolog.Logger {
	return logging.New(c.Level, c.Format, os.Stderr)
}

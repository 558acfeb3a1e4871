package main

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"fleetd/internal/config"
	"fleetd/internal/coordinator"
)

func localCmd(cfg *config.Config) *cobra.Command {
	sflags := &supervisorFlags{}
	wflags := &workerFlags{}
	cmd := &cobra.Command{
		Use:     "local",
		Short:   "Run a supervisor with one in-process worker",
		Example: "  fleetd local --models-dir ~/models --devices 0",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sflags.apply(cmd, &cfg.Supervisor)
			if err := wflags.apply(cmd, &cfg.Worker); err != nil {
				return err
			}
			c := cfg.WithDefaults()
			log := newLogger(c.Log)
			ctx, stop := signalContext()
			defer stop()
			return runLocal(ctx, c, log)
		},
	}
	sflags.register(cmd)
	wflags.register(cmd, false)
	return cmd
}

func runLocal(ctx context.Context, c config.Config, log zerolog.Logger) error {
	coord := coordinator.New(coordinator.Config{
		QueryTimeout: c.Supervisor.QueryTimeout(),
		Logger:       log,
	})
	w := c.Worker
	// the in-process node is not reachable over the network
	w.Address = hostname()
	a, err := newAgent(w, coord, coord, log.With().Str("role", "worker").Logger())
	if err != nil {
		return err
	}
	coord.AddNode(coordinator.NewLocalNode(a))
	a.Start(ctx)
	defer a.Stop(context.Background())
	log.Info().Str("listen", c.Supervisor.Listen).Str("node", w.Address).Msg("event=local_start")
	return serve(ctx, log.With().Str("role", "supervisor").Logger(), c.Supervisor.Listen, apiHandler(ctx, c.Supervisor, coord, log))
}

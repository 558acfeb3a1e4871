package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"fleetd/internal/config"
	"fleetd/internal/coordinator"
	"fleetd/internal/httpapi"
	"fleetd/internal/nodeapi"
)

type supervisorFlags struct {
	listen       string
	inferTimeout time.Duration
	rps          float64
	burst        int
	corsOrigins  []string
}

func (f *supervisorFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.listen, "listen", config.DefaultSupervisorListen, "HTTP listen address of the cluster API")
	fs.DurationVar(&f.inferTimeout, "infer-timeout", 0, "Bound on one generate or chat call (0 = none)")
	fs.Float64Var(&f.rps, "rate-limit-rps", 0, "Inference calls per second per model (0 = unlimited)")
	fs.IntVar(&f.burst, "rate-limit-burst", 0, "Burst size for the per-model rate limit")
	fs.StringSliceVar(&f.corsOrigins, "cors-origins", nil, "Enable CORS for these origins")
}

func (f *supervisorFlags) apply(cmd *cobra.Command, s *config.SupervisorConfig) {
	fs := cmd.Flags()
	ifChanged(fs, "listen", func() { s.Listen = f.listen })
	ifChanged(fs, "infer-timeout", func() { s.InferTimeoutMS = int(f.inferTimeout / time.Millisecond) })
	ifChanged(fs, "rate-limit-rps", func() { s.RateLimit.RPS = f.rps })
	ifChanged(fs, "rate-limit-burst", func() { s.RateLimit.Burst = f.burst })
	ifChanged(fs, "cors-origins", func() {
		s.CORS.Enabled = true
		s.CORS.Origins = f.corsOrigins
	})
}

func supervisorCmd(cfg *config.Config) *cobra.Command {
	flags := &supervisorFlags{}
	cmd := &cobra.Command{
		Use:     "supervisor",
		Short:   "Run the coordinator and the cluster REST API",
		Example: "  fleetd supervisor --listen :9997 --rate-limit-rps 5",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.apply(cmd, &cfg.Supervisor)
			c := cfg.WithDefaults()
			log := newLogger(c.Log)
			ctx, stop := signalContext()
			defer stop()
			return runSupervisor(ctx, c.Supervisor, log)
		},
	}
	flags.register(cmd)
	return cmd
}

func runSupervisor(ctx context.Context, s config.SupervisorConfig, log zerolog.Logger) error {
	coord := coordinator.New(coordinator.Config{
		Dial: nodeapi.Dialer(nodeapi.ClientConfig{
			Retries: s.NodeRetries,
			Timeout: s.NodeTimeout(),
			Logger:  log,
		}),
		QueryTimeout: s.QueryTimeout(),
		Logger:       log,
	})
	log.Info().Str("listen", s.Listen).Msg("event=supervisor_start")
	return serve(ctx, log.With().Str("role", "supervisor").Logger(), s.Listen, apiHandler(ctx, s, coord, log))
}

// apiHandler applies the REST layer settings and builds its router.
func apiHandler(ctx context.Context, s config.SupervisorConfig, svc httpapi.Service, log zerolog.Logger) http.Handler {
	httpapi.SetLogger(log.With().Str("component", "httpapi").Logger())
	httpapi.SetBaseContext(ctx)
	httpapi.SetMaxBodyBytes(s.MaxBodyBytes)
	httpapi.SetInferTimeout(s.InferTimeout())
	httpapi.SetRateLimit(s.RateLimit.RPS, s.RateLimit.Burst)
	httpapi.SetCORSOptions(s.CORS.Enabled, s.CORS.Origins, s.CORS.Methods, s.CORS.Headers)
	return httpapi.NewMux(svc)
}

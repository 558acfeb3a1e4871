package main

import (
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"fleetd/internal/agent"
	"fleetd/internal/backend"
	"fleetd/internal/config"
	"fleetd/internal/httpapi"
	"fleetd/internal/nodeapi"
	"fleetd/internal/registry"
	"fleetd/pkg/types"
)

type workerFlags struct {
	listen       string
	address      string
	supervisor   string
	devices      string
	maxPerDevice int
	modelsFile   string
	modelsDir    string
	regsDir      string
}

func (f *workerFlags) register(cmd *cobra.Command, withRemote bool) {
	fs := cmd.Flags()
	if withRemote {
		fs.StringVar(&f.listen, "listen", config.DefaultWorkerListen, "HTTP listen address of the node RPC")
		fs.StringVar(&f.address, "address", "", "Address the supervisor dials (defaults to --listen)")
		fs.StringVar(&f.supervisor, "supervisor", "", "Supervisor base URL, e.g. http://10.0.0.1:9997")
	}
	fs.StringVar(&f.devices, "devices", "", "Comma separated device indexes, e.g. 0,1")
	fs.IntVar(&f.maxPerDevice, "max-models-per-device", 0, "Models allowed per device (0 = unlimited)")
	fs.StringVar(&f.modelsFile, "models-file", "", "YAML or JSON file of model families")
	fs.StringVar(&f.modelsDir, "models-dir", "", "Directory to scan for *.gguf model files")
	fs.StringVar(&f.regsDir, "registrations-dir", "", "Directory holding persisted model registrations")
}

func (f *workerFlags) apply(cmd *cobra.Command, w *config.WorkerConfig) error {
	fs := cmd.Flags()
	ifChanged(fs, "listen", func() { w.Listen = f.listen })
	ifChanged(fs, "address", func() { w.Address = f.address })
	ifChanged(fs, "supervisor", func() { w.Supervisor = f.supervisor })
	ifChanged(fs, "max-models-per-device", func() { w.MaxModelsPerDevice = f.maxPerDevice })
	ifChanged(fs, "models-file", func() { w.ModelsFile = f.modelsFile })
	ifChanged(fs, "models-dir", func() { w.ModelsDir = f.modelsDir })
	ifChanged(fs, "registrations-dir", func() { w.RegistrationsDir = f.regsDir })
	if fs.Changed("devices") {
		devs, err := parseDevices(f.devices)
		if err != nil {
			return err
		}
		w.Devices = devs
	}
	return nil
}

func workerCmd(cfg *config.Config) *cobra.Command {
	flags := &workerFlags{}
	cmd := &cobra.Command{
		Use:     "worker",
		Short:   "Run a node agent and register it with a supervisor",
		Example: "  fleetd worker --supervisor http://10.0.0.1:9997 --listen :9998 --devices 0,1",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.apply(cmd, &cfg.Worker); err != nil {
				return err
			}
			c := cfg.WithDefaults()
			log := newLogger(c.Log)
			ctx, stop := signalContext()
			defer stop()
			return runWorker(ctx, c.Worker, log)
		},
	}
	flags.register(cmd, true)
	return cmd
}

func runWorker(ctx context.Context, w config.WorkerConfig, log zerolog.Logger) error {
	log = log.With().Str("role", "worker").Logger()
	sup := httpapi.NewClient(w.Supervisor, w.Retries, w.Timeout(), log)
	a, err := newAgent(w, sup, sup, log)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", w.Listen)
	if err != nil {
		return err
	}
	a.Start(ctx)
	defer a.Stop(context.Background())
	// registration makes the supervisor list our models; serve first
	go func() {
		// a failed registration is repaired by the first status report
		if err := sup.RegisterNode(ctx, w.Address); err != nil {
			log.Warn().Err(err).Str("supervisor", w.Supervisor).Msg("event=register_failed")
			return
		}
		log.Info().Str("supervisor", w.Supervisor).Str("address", w.Address).Msg("event=registered")
	}()
	return serveOn(ctx, log, ln, nodeapi.NewMux(a, log))
}

// newAgent builds the model catalog and the agent serving it.
func newAgent(w config.WorkerConfig, status agent.StatusReporter, cache agent.CacheReporter, log zerolog.Logger) (*agent.Agent, error) {
	cat, err := newCatalog(w, log)
	if err != nil {
		return nil, err
	}
	return agent.New(cat, agent.Config{
		Address:            w.Address,
		Devices:            w.Devices,
		MaxModelsPerDevice: w.MaxModelsPerDevice,
		RequireDevice:      w.RequireDevice,
		ReportInterval:     w.ReportInterval(),
		SchedulerTick:      w.SchedulerTick(),
		RelayCapacity:      w.RelayCapacity,
		Status:             status,
		Cache:              cache,
		Logger:             log,
	}), nil
}

func newCatalog(w config.WorkerConfig, log zerolog.Logger) (*registry.Catalog, error) {
	cat := registry.New(registry.Options{PersistDir: w.RegistrationsDir, Logger: log})
	add := func(src string, fams []types.ModelFamily) error {
		for _, f := range fams {
			if err := cat.Add(f); err != nil {
				return fmt.Errorf("%s: %w", src, err)
			}
		}
		return nil
	}
	if err := add("builtin", registry.Builtin()); err != nil {
		return nil, err
	}
	if w.ModelsFile != "" {
		fams, err := registry.LoadFile(w.ModelsFile)
		if err != nil {
			return nil, err
		}
		if err := add(w.ModelsFile, fams); err != nil {
			return nil, err
		}
	}
	if w.ModelsDir != "" {
		if w.ModelsDirBackend == backend.KindLlama && !backend.LlamaBuilt {
			log.Warn().Str("dir", w.ModelsDir).Str("hint", "rebuild with -tags llama").Msg("event=llama_not_built")
		}
		fams, err := registry.LoadDir(w.ModelsDir, w.ModelsDirBackend)
		if err != nil {
			return nil, fmt.Errorf("load models dir: %w", err)
		}
		if err := add(w.ModelsDir, fams); err != nil {
			return nil, err
		}
	}
	if err := cat.LoadPersisted(); err != nil {
		return nil, err
	}
	log.Info().Int("families", len(cat.Families())).Strs("backends", backend.Kinds()).
		Bool("llama", backend.LlamaBuilt).Msg("event=catalog_loaded")
	return cat, nil
}

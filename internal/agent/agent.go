// Package agent is the per-node model host. It accounts device occupancy,
// owns the lifecycle of every model instance on the node and reports node
// status and cache state to the coordinator.
//
// Launch and terminate are serialized per agent; lookups run concurrently
// with them and see either the state before or after a mutation.
package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fleetd/internal/backend"
	"fleetd/internal/errdefs"
	"fleetd/internal/funnel"
	"fleetd/internal/handle"
	"fleetd/internal/registry"
	"fleetd/pkg/types"
)

// DefaultReportInterval is the node status push period.
const DefaultReportInterval = time.Second

// StatusReporter receives node status pushes.
type StatusReporter interface {
	ReportNodeStatus(ctx context.Context, address string, st types.NodeStatus) error
}

// CacheReporter receives cache version reports.
type CacheReporter interface {
	RecordVersions(ctx context.Context, name string, versions []types.VersionReport, node string) error
	UpdateCacheStatus(ctx context.Context, node, name, version, path string) error
}

// Config configures an Agent.
type Config struct {
	// Address identifies this node to the coordinator.
	Address string
	// Devices lists the device slots. Empty means CPU-only: models launch
	// without a device and no occupancy is tracked.
	Devices []int
	// MaxModelsPerDevice caps occupants per device; 0 is unlimited.
	MaxModelsPerDevice int
	// RequireDevice refuses CPU launches when Devices is empty.
	RequireDevice bool

	ReportInterval time.Duration
	SchedulerTick  time.Duration
	RelayCapacity  int

	Status StatusReporter
	Cache  CacheReporter
	Events EventPublisher
	// Collect gathers local resource metrics; defaults to gopsutil.
	Collect func(ctx context.Context) (types.NodeStatus, error)
	Logger  zerolog.Logger
}

type instance struct {
	desc    types.ModelDescription
	be      backend.Backend
	funnel  *funnel.Funnel
	device  *int
	subpool string
}

// Agent hosts model instances on one node.
type Agent struct {
	cfg     Config
	catalog *registry.Catalog
	log     zerolog.Logger

	// opMu serializes launch and terminate.
	opMu sync.Mutex
	seq  int

	mu      sync.RWMutex
	models  map[string]*instance
	devices map[int]map[string]string // device -> handle -> subpool

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns an agent serving models from catalog.
func New(catalog *registry.Catalog, cfg Config) *Agent {
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = DefaultReportInterval
	}
	if cfg.Events == nil {
		cfg.Events = noopPublisher{}
	}
	if cfg.Collect == nil {
		cfg.Collect = CollectHost
	}
	devices := make(map[int]map[string]string, len(cfg.Devices))
	for _, d := range cfg.Devices {
		devices[d] = map[string]string{}
	}
	return &Agent{
		cfg:     cfg,
		catalog: catalog,
		log:     cfg.Logger.With().Str("node", cfg.Address).Logger(),
		models:  map[string]*instance{},
		devices: devices,
	}
}

// Address is the node address.
func (a *Agent) Address() string { return a.cfg.Address }

// LaunchModel resolves spec, binds a backend to the least loaded device,
// loads it and starts its scheduler under handle h.
func (a *Agent) LaunchModel(ctx context.Context, h string, spec types.LaunchSpec) (*funnel.Funnel, error) {
	if !handle.IsReplica(h) {
		if err := handle.Validate(h); err != nil {
			return nil, err
		}
	}
	a.opMu.Lock()
	defer a.opMu.Unlock()

	a.mu.RLock()
	_, loaded := a.models[h]
	a.mu.RUnlock()
	if loaded {
		return nil, errdefs.AlreadyLoaded("model %s is already loaded on %s", h, a.cfg.Address)
	}

	log := a.log.With().Str("handle", h).Str("model", spec.Name).Logger()
	a.cfg.Events.Publish(Event{Name: EventLaunchStart, Handle: h, Fields: map[string]any{"model": spec.Name}})
	f, inst, err := a.launch(ctx, h, spec, log)
	if err != nil {
		launchesTotal.WithLabelValues(a.cfg.Address, "failed").Inc()
		a.cfg.Events.Publish(Event{Name: EventLaunchFailed, Handle: h, Fields: map[string]any{"error": err.Error()}})
		log.Warn().Err(err).Msg("event=launch_failed")
		return nil, err
	}

	a.mu.Lock()
	a.models[h] = inst
	if inst.device != nil {
		a.devices[*inst.device][h] = inst.subpool
	}
	n := len(a.models)
	a.mu.Unlock()
	f.Start()

	loadedModels.WithLabelValues(a.cfg.Address).Set(float64(n))
	launchesTotal.WithLabelValues(a.cfg.Address, "ok").Inc()
	ev := Event{Name: EventLaunchReady, Handle: h, Fields: map[string]any{"subpool": inst.subpool, "version": inst.desc.Version}}
	if inst.device != nil {
		ev.Fields["device"] = *inst.device
	}
	a.cfg.Events.Publish(ev)
	log.Info().Str("subpool", inst.subpool).Interface("device", inst.device).Msg("event=launch_ready")
	a.reportCached(ctx, inst.desc)
	return f, nil
}

func (a *Agent) launch(ctx context.Context, h string, spec types.LaunchSpec, log zerolog.Logger) (*funnel.Funnel, *instance, error) {
	desc, fam, mspec, err := a.catalog.Resolve(spec)
	if err != nil {
		return nil, nil, err
	}
	device, subpool, err := a.chooseSubpool()
	if err != nil {
		return nil, nil, err
	}
	desc.Handle = h
	desc.Node = a.cfg.Address
	desc.Device = device

	ctor, err := backend.Lookup(desc.Backend)
	if err != nil {
		return nil, nil, errdefs.BackendLoad(err, "model %s", spec.Name)
	}
	be, err := ctor(backend.Params{
		Description: desc,
		Spec:        mspec,
		PromptStyle: fam.PromptStyle,
		Abilities:   fam.Abilities,
		Device:      device,
		Args:        spec.Args,
		Logger:      log,
	})
	if err != nil {
		return nil, nil, loadError(err, desc)
	}
	if err := be.Load(ctx); err != nil {
		// a partial load may still hold resources
		_ = be.Unload()
		return nil, nil, loadError(err, desc)
	}
	f, err := funnel.New(h, be, funnel.Config{
		Tick:          a.cfg.SchedulerTick,
		RelayCapacity: a.cfg.RelayCapacity,
		Logger:        log,
	})
	if err != nil {
		_ = be.Unload()
		return nil, nil, err
	}
	return f, &instance{desc: desc, be: be, funnel: f, device: device, subpool: subpool}, nil
}

// loadError reports a failure to construct or load a backend. The cause
// keeps its own kind only through Unwrap.
func loadError(err error, d types.ModelDescription) error {
	return errdefs.BackendLoad(err, "load %s (%s)", d.Name, d.Backend)
}

// chooseSubpool picks the device with the fewest occupants, scanning every
// device; ties go to configuration order.
func (a *Agent) chooseSubpool() (*int, string, error) {
	a.seq++
	subpool := fmt.Sprintf("%s/pool-%d", a.cfg.Address, a.seq)
	if len(a.cfg.Devices) == 0 {
		if a.cfg.RequireDevice {
			return nil, "", errdefs.NoDeviceAvailable("node %s has no devices", a.cfg.Address)
		}
		return nil, subpool, nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	best, bestCount := -1, 0
	for i, d := range a.cfg.Devices {
		n := len(a.devices[d])
		if i == 0 || n < bestCount {
			best, bestCount = d, n
		}
	}
	if a.cfg.MaxModelsPerDevice > 0 && bestCount >= a.cfg.MaxModelsPerDevice {
		return nil, "", errdefs.NoDeviceAvailable("all %d devices on %s hold %d models", len(a.cfg.Devices), a.cfg.Address, bestCount)
	}
	a.log.Debug().Int("device", best).Int("occupants", bestCount).Msg("event=device_selected")
	return &best, subpool, nil
}

// TerminateModel stops the model's scheduler, unloads its backend and
// releases its device slot.
func (a *Agent) TerminateModel(ctx context.Context, h string) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	a.mu.RLock()
	inst, ok := a.models[h]
	a.mu.RUnlock()
	if !ok {
		return errdefs.NotFound("model %s not found on %s", h, a.cfg.Address)
	}
	inst.funnel.Stop()
	if err := inst.be.Unload(); err != nil {
		a.log.Warn().Err(err).Str("handle", h).Msg("event=unload_failed")
	}

	a.mu.Lock()
	delete(a.models, h)
	if inst.device != nil {
		delete(a.devices[*inst.device], h)
	}
	n := len(a.models)
	a.mu.Unlock()

	loadedModels.WithLabelValues(a.cfg.Address).Set(float64(n))
	a.cfg.Events.Publish(Event{Name: EventTerminateDone, Handle: h})
	a.log.Info().Str("handle", h).Msg("event=terminate_done")
	return nil
}

// Funnel returns the inference entry point of a loaded model.
func (a *Agent) Funnel(h string) (*funnel.Funnel, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	inst, ok := a.models[h]
	if !ok {
		return nil, errdefs.NotFound("model %s not found on %s", h, a.cfg.Address)
	}
	return inst.funnel, nil
}

// ListModels describes every loaded model by handle.
func (a *Agent) ListModels() map[string]types.ModelDescription {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]types.ModelDescription, len(a.models))
	for h, inst := range a.models {
		out[h] = inst.desc
	}
	return out
}

// DescribeModel describes one loaded model.
func (a *Agent) DescribeModel(h string) (types.ModelDescription, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	inst, ok := a.models[h]
	if !ok {
		return types.ModelDescription{}, errdefs.NotFound("model %s not found on %s", h, a.cfg.Address)
	}
	return inst.desc, nil
}

// ModelCount is the number of loaded models, used for placement.
func (a *Agent) ModelCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.models)
}

// DeviceOccupancy lists each device with its occupants, by device id.
func (a *Agent) DeviceOccupancy() []types.DeviceStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]types.DeviceStatus, 0, len(a.devices))
	for d, occ := range a.devices {
		ds := types.DeviceStatus{Device: d, Occupants: make([]types.Occupant, 0, len(occ))}
		for h, sp := range occ {
			ds.Occupants = append(ds.Occupants, types.Occupant{Handle: h, Subpool: sp})
		}
		sort.Slice(ds.Occupants, func(i, j int) bool { return ds.Occupants[i].Handle < ds.Occupants[j].Handle })
		out = append(out, ds)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device < out[j].Device })
	return out
}

// Families lists the catalog's model families.
func (a *Agent) Families() []types.ModelFamily { return a.catalog.Families() }

// RegisterModel adds a user-defined family to the catalog and reports its
// versions.
func (a *Agent) RegisterModel(ctx context.Context, f types.ModelFamily, persist bool) error {
	if err := a.catalog.Register(f, persist); err != nil {
		return err
	}
	a.recordVersions(ctx, f.Name)
	return nil
}

// UnregisterModel removes a user-defined family from the catalog.
func (a *Agent) UnregisterModel(name string) error {
	return a.catalog.Unregister(name)
}

// Start reports the catalog's versions and begins periodic status reports.
func (a *Agent) Start(ctx context.Context) {
	for _, f := range a.catalog.Families() {
		a.recordVersions(ctx, f.Name)
	}
	a.loopMu.Lock()
	defer a.loopMu.Unlock()
	if a.cancel != nil {
		return
	}
	lctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})
	go func() {
		defer close(a.done)
		a.reportLoop(lctx)
	}()
}

// Stop ends status reporting and terminates every loaded model.
func (a *Agent) Stop(ctx context.Context) {
	a.loopMu.Lock()
	if a.cancel != nil {
		a.cancel()
		<-a.done
		a.cancel = nil
	}
	a.loopMu.Unlock()
	for h := range a.ListModels() {
		if err := a.TerminateModel(ctx, h); err != nil && !errdefs.IsNotFound(err) {
			a.log.Warn().Err(err).Str("handle", h).Msg("event=terminate_failed")
		}
	}
}

func (a *Agent) recordVersions(ctx context.Context, name string) {
	if a.cfg.Cache == nil {
		return
	}
	vs, err := a.catalog.Versions(name)
	if err != nil {
		return
	}
	if err := a.cfg.Cache.RecordVersions(ctx, name, vs, a.cfg.Address); err != nil {
		a.log.Warn().Err(err).Str("model", name).Msg("event=record_versions_failed")
	}
}

func (a *Agent) reportCached(ctx context.Context, d types.ModelDescription) {
	if a.cfg.Cache == nil {
		return
	}
	if err := a.cfg.Cache.UpdateCacheStatus(ctx, a.cfg.Address, d.Name, d.Version, d.Path); err != nil {
		a.log.Warn().Err(err).Str("model", d.Name).Msg("event=cache_status_failed")
	}
}

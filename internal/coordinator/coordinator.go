// Package coordinator is the cluster-wide authority: it keeps node
// membership, places launched models on the least loaded node, remembers
// which node owns each model handle and forwards calls to the owner.
package coordinator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"fleetd/internal/cachetracker"
	"fleetd/internal/errdefs"
	"fleetd/internal/handle"
	"fleetd/pkg/types"
)

// DefaultQueryTimeout bounds one round of node load queries.
const DefaultQueryTimeout = 5 * time.Second

// Dialer returns a Node for a registered address.
type Dialer func(address string) (Node, error)

// Config configures a Coordinator.
type Config struct {
	Dial         Dialer
	QueryTimeout time.Duration
	// Tracker receives cache reports; a fresh one is created when nil.
	Tracker *cachetracker.Tracker
	Logger  zerolog.Logger
}

type placement struct {
	replicas []string
	owners   map[string]string // replica id -> node address
	next     int
}

// Coordinator owns node membership and the handle -> node table.
type Coordinator struct {
	cfg     Config
	log     zerolog.Logger
	tracker *cachetracker.Tracker

	// opMu serializes launch and terminate.
	opMu sync.Mutex

	mu       sync.RWMutex
	order    []string
	nodes    map[string]Node
	models   map[string]*placement
	statuses map[string]types.NodeStatus
}

func New(cfg Config) *Coordinator {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	tr := cfg.Tracker
	if tr == nil {
		tr = cachetracker.New(cfg.Logger)
	}
	return &Coordinator{
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "coordinator").Logger(),
		tracker:  tr,
		nodes:    map[string]Node{},
		models:   map[string]*placement{},
		statuses: map[string]types.NodeStatus{},
	}
}

// Tracker is the cache version tracker fed by node reports.
func (c *Coordinator) Tracker() *cachetracker.Tracker { return c.tracker }

// RegisterNode adds address to the membership set, dialing it with the
// configured Dialer. Registering a known address is a no-op.
func (c *Coordinator) RegisterNode(address string) error {
	if address == "" {
		return errdefs.InvalidArgument("node address is required")
	}
	c.mu.RLock()
	_, ok := c.nodes[address]
	c.mu.RUnlock()
	if ok {
		return nil
	}
	if c.cfg.Dial == nil {
		return errdefs.InvalidArgument("no dialer configured for node %s", address)
	}
	n, err := c.cfg.Dial(address)
	if err != nil {
		return err
	}
	c.AddNode(n)
	return nil
}

// AddNode registers an already connected node. It is idempotent by address.
// Models the node already holds, for instance after a coordinator restart,
// are adopted into the placement table.
func (c *Coordinator) AddNode(n Node) {
	addr := n.Address()
	c.mu.RLock()
	_, known := c.nodes[addr]
	c.mu.RUnlock()
	if known {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.QueryTimeout)
	held, err := n.ListModels(ctx)
	cancel()
	if err != nil {
		c.log.Warn().Err(err).Str("node", addr).Msg("event=node_list_failed")
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	if _, ok := c.nodes[addr]; ok {
		c.mu.Unlock()
		return
	}
	c.nodes[addr] = n
	c.order = append(c.order, addr)
	adopted := c.adoptLocked(addr, held)
	nodes, models := len(c.order), len(c.models)
	c.mu.Unlock()

	registeredNodes.Set(float64(nodes))
	placedModels.Set(float64(models))
	c.log.Info().Str("node", addr).Int("adopted", adopted).Msg("event=node_registered")
}

// adoptLocked merges the handles held by the node at addr into the
// placement table, grouping replica ids under their base handle. A replica
// already owned by another node keeps its owner. Requires c.mu.
func (c *Coordinator) adoptLocked(addr string, held map[string]types.ModelDescription) int {
	ids := make([]string, 0, len(held))
	for id := range held {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	adopted := 0
	for _, id := range ids {
		h := handle.Base(id)
		p, ok := c.models[h]
		if !ok {
			p = &placement{owners: map[string]string{}}
			c.models[h] = p
		}
		if owner, ok := p.owners[id]; ok {
			if owner != addr {
				c.log.Error().Str("replica", id).Str("owner", owner).Str("node", addr).
					Msg("event=placement_conflict")
			}
			continue
		}
		p.replicas = append(p.replicas, id)
		p.owners[id] = addr
		sort.Slice(p.replicas, func(i, j int) bool {
			return replicaIndex(p.replicas[i]) < replicaIndex(p.replicas[j])
		})
		adopted++
		c.log.Info().Str("handle", h).Str("replica", id).Str("node", addr).Msg("event=model_adopted")
	}
	return adopted
}

// replicaIndex orders a bare handle before its numbered replicas.
func replicaIndex(id string) int {
	if _, i, err := handle.Parse(id); err == nil {
		return i
	}
	return -1
}

// Nodes lists node addresses in registration order.
func (c *Coordinator) Nodes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

func (c *Coordinator) node(address string) (Node, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[address]
	if !ok {
		return nil, errdefs.NotFound("node %s not registered", address)
	}
	return n, nil
}

// Launch places req on the least loaded node, once per replica, and returns
// the model handle. A launch that fails part way terminates the replicas
// already placed.
func (c *Coordinator) Launch(ctx context.Context, req types.LaunchRequest) (string, error) {
	h := req.ModelUID
	if h == "" {
		h = handle.New()
	}
	if err := handle.Validate(h); err != nil {
		return "", err
	}
	n := req.Replicas
	if n < 0 {
		return "", errdefs.InvalidArgument("replica must be >= 1")
	}
	if n == 0 {
		n = 1
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.RLock()
	_, exists := c.models[h]
	c.mu.RUnlock()
	if exists {
		return "", errdefs.AlreadyExists("model %s already exists", h)
	}

	log := c.log.With().Str("handle", h).Str("model", req.ModelName).Logger()
	p := &placement{owners: map[string]string{}}
	for i := 0; i < n; i++ {
		id := h
		if n > 1 {
			id = handle.Replica(h, i)
		}
		node, err := c.pick(ctx)
		if err == nil {
			_, err = node.LaunchModel(ctx, id, req.Spec())
		}
		if err != nil {
			launchFailures.Inc()
			log.Warn().Err(err).Str("replica", id).Msg("event=launch_failed")
			c.rollback(ctx, p)
			return "", err
		}
		p.replicas = append(p.replicas, id)
		p.owners[id] = node.Address()
		log.Info().Str("replica", id).Str("node", node.Address()).Msg("event=model_placed")
	}

	c.mu.Lock()
	c.models[h] = p
	count := len(c.models)
	c.mu.Unlock()
	placedModels.Set(float64(count))
	return h, nil
}

func (c *Coordinator) rollback(ctx context.Context, p *placement) {
	for _, id := range p.replicas {
		n, err := c.node(p.owners[id])
		if err == nil {
			err = n.TerminateModel(ctx, id)
		}
		if err != nil {
			c.log.Warn().Err(err).Str("replica", id).Msg("event=rollback_failed")
		}
	}
}

// pick queries every node's load concurrently and returns the one with the
// fewest models; ties go to registration order. Nodes that fail to answer
// are skipped.
func (c *Coordinator) pick(ctx context.Context) (Node, error) {
	c.mu.RLock()
	cands := make([]Node, len(c.order))
	for i, a := range c.order {
		cands[i] = c.nodes[a]
	}
	c.mu.RUnlock()
	if len(cands) == 0 {
		return nil, errdefs.NoCapacity("no nodes registered")
	}

	qctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()
	counts := make([]int, len(cands))
	g, gctx := errgroup.WithContext(qctx)
	for i, n := range cands {
		i, n := i, n
		g.Go(func() error {
			cnt, err := n.ModelCount(gctx)
			if err != nil {
				c.log.Warn().Err(err).Str("node", n.Address()).Msg("event=node_query_failed")
				cnt = -1
			}
			counts[i] = cnt
			return nil
		})
	}
	_ = g.Wait()

	best := -1
	for i, cnt := range counts {
		if cnt < 0 {
			continue
		}
		if best < 0 || cnt < counts[best] {
			best = i
		}
	}
	if best < 0 {
		return nil, errdefs.NoCapacity("none of %d nodes answered", len(cands))
	}
	return cands[best], nil
}

// Terminate stops every replica of h and forgets its placement. A replica
// its node no longer knows is treated as already gone.
func (c *Coordinator) Terminate(ctx context.Context, h string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.RLock()
	p, ok := c.models[h]
	c.mu.RUnlock()
	if !ok {
		return errdefs.NotFound("model %s not found", h)
	}

	var errs []error
	var left []string
	for _, id := range p.replicas {
		n, err := c.node(p.owners[id])
		if err == nil {
			err = n.TerminateModel(ctx, id)
		}
		if err != nil && !errdefs.IsNotFound(err) {
			errs = append(errs, err)
			left = append(left, id)
		}
	}

	c.mu.Lock()
	if len(left) == 0 {
		delete(c.models, h)
	} else {
		p.replicas = left
		p.next = 0
	}
	count := len(c.models)
	c.mu.Unlock()
	placedModels.Set(float64(count))
	if len(errs) > 0 {
		c.log.Warn().Str("handle", h).Int("remaining", len(left)).Msg("event=terminate_incomplete")
		return errors.Join(errs...)
	}
	c.log.Info().Str("handle", h).Msg("event=model_terminated")
	return nil
}

// GetOwner returns the address of the node holding h. For a handle with
// several replicas it is the owner of the first; a replica id resolves to
// its own owner.
func (c *Coordinator) GetOwner(h string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.models[h]; ok {
		return p.owners[p.replicas[0]], nil
	}
	if base, _, err := handle.Parse(h); err == nil {
		if p, ok := c.models[base]; ok {
			if addr, ok := p.owners[h]; ok {
				return addr, nil
			}
		}
	}
	return "", errdefs.NotFound("model %s not found", h)
}

// Replicas lists the replica ids of h with their owners.
func (c *Coordinator) Replicas(h string) ([]string, map[string]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.models[h]
	if !ok {
		return nil, nil, errdefs.NotFound("model %s not found", h)
	}
	owners := make(map[string]string, len(p.owners))
	for k, v := range p.owners {
		owners[k] = v
	}
	return append([]string(nil), p.replicas...), owners, nil
}

// List returns every launched handle, sorted.
func (c *Coordinator) List() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.models))
	for h := range c.models {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// Describe asks the owner of h's first replica for its description.
func (c *Coordinator) Describe(ctx context.Context, h string) (types.ModelResponse, error) {
	replicas, owners, err := c.Replicas(h)
	if err != nil {
		return types.ModelResponse{}, err
	}
	n, err := c.node(owners[replicas[0]])
	if err != nil {
		return types.ModelResponse{}, err
	}
	d, err := n.DescribeModel(ctx, replicas[0])
	if err != nil {
		return types.ModelResponse{}, err
	}
	return types.ModelResponse{ModelUID: h, Owner: n.Address(), Replicas: replicas, Description: d}, nil
}

// route returns the next replica of h in round-robin order and its node.
func (c *Coordinator) route(h string) (string, Node, error) {
	c.mu.Lock()
	p, ok := c.models[h]
	if !ok {
		c.mu.Unlock()
		return "", nil, errdefs.NotFound("model %s not found", h)
	}
	id := p.replicas[p.next%len(p.replicas)]
	p.next++
	addr := p.owners[id]
	c.mu.Unlock()
	n, err := c.node(addr)
	return id, n, err
}

// Generate forwards a generate call to a replica of h.
func (c *Coordinator) Generate(ctx context.Context, h string, req types.GenerateRequest) (Output, error) {
	id, n, err := c.route(h)
	if err != nil {
		return nil, err
	}
	return n.Generate(ctx, id, req)
}

// Chat forwards a chat call to a replica of h.
func (c *Coordinator) Chat(ctx context.Context, h string, req types.ChatRequest) (Output, error) {
	id, n, err := c.route(h)
	if err != nil {
		return nil, err
	}
	return n.Chat(ctx, id, req)
}

// Families lists the model families of the first registered node that
// answers.
func (c *Coordinator) Families(ctx context.Context) ([]types.ModelFamily, error) {
	var last error = errdefs.NoCapacity("no nodes registered")
	for _, addr := range c.Nodes() {
		n, err := c.node(addr)
		if err != nil {
			continue
		}
		fs, err := n.Families(ctx)
		if err == nil {
			return fs, nil
		}
		last = err
	}
	return nil, last
}

// RegisterModel adds a user-defined family on every node.
func (c *Coordinator) RegisterModel(ctx context.Context, f types.ModelFamily, persist bool) error {
	return c.eachNode(ctx, func(ctx context.Context, n Node) error {
		return n.RegisterModel(ctx, f, persist)
	})
}

// UnregisterModel removes a user-defined family from every node and drops
// its cache records.
func (c *Coordinator) UnregisterModel(ctx context.Context, name string) error {
	err := c.eachNode(ctx, func(ctx context.Context, n Node) error {
		return n.UnregisterModel(ctx, name)
	})
	if err == nil {
		c.tracker.Unregister(name)
	}
	return err
}

func (c *Coordinator) eachNode(ctx context.Context, fn func(context.Context, Node) error) error {
	addrs := c.Nodes()
	if len(addrs) == 0 {
		return errdefs.NoCapacity("no nodes registered")
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, addr := range addrs {
		n, err := c.node(addr)
		if err != nil {
			return err
		}
		g.Go(func() error { return fn(gctx, n) })
	}
	return g.Wait()
}

// ReportNodeStatus stores the latest status pushed by a registered node.
func (c *Coordinator) ReportNodeStatus(_ context.Context, address string, st types.NodeStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.nodes[address]; !ok {
		return errdefs.NotFound("node %s not registered", address)
	}
	st.Address = address
	c.statuses[address] = st
	return nil
}

// NodeStatuses returns the latest status of every node that reported.
func (c *Coordinator) NodeStatuses() map[string]types.NodeStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]types.NodeStatus, len(c.statuses))
	for k, v := range c.statuses {
		out[k] = v
	}
	return out
}

// RecordVersions feeds a node's version report to the tracker.
func (c *Coordinator) RecordVersions(_ context.Context, name string, versions []types.VersionReport, node string) error {
	return c.tracker.RecordVersions(name, versions, node)
}

// UpdateCacheStatus feeds a node's cache report to the tracker.
func (c *Coordinator) UpdateCacheStatus(_ context.Context, node, name, version, path string) error {
	return c.tracker.UpdateCacheStatus(node, name, version, path)
}

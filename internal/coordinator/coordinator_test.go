package coordinator

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetd/internal/agent"
	"fleetd/internal/errdefs"
	"fleetd/internal/handle"
	"fleetd/internal/registry"
	"fleetd/pkg/types"
)

// fakeNode tracks launched handles; its load is a base count plus launches.
type fakeNode struct {
	addr string
	base int

	mu         sync.Mutex
	models     map[string]types.LaunchSpec
	failLaunch error
	failCount  error
	generated  []string
}

func newFake(addr string, base int) *fakeNode {
	return &fakeNode{addr: addr, base: base, models: map[string]types.LaunchSpec{}}
}

func (f *fakeNode) Address() string { return f.addr }

func (f *fakeNode) LaunchModel(_ context.Context, h string, spec types.LaunchSpec) (types.ModelDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failLaunch != nil {
		return types.ModelDescription{}, f.failLaunch
	}
	if _, ok := f.models[h]; ok {
		return types.ModelDescription{}, errdefs.AlreadyLoaded("%s loaded", h)
	}
	f.models[h] = spec
	return types.ModelDescription{Handle: h, Name: spec.Name, Node: f.addr}, nil
}

func (f *fakeNode) TerminateModel(_ context.Context, h string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.models[h]; !ok {
		return errdefs.NotFound("%s", h)
	}
	delete(f.models, h)
	return nil
}

func (f *fakeNode) ModelCount(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCount != nil {
		return 0, f.failCount
	}
	return f.base + len(f.models), nil
}

func (f *fakeNode) DescribeModel(_ context.Context, h string) (types.ModelDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	spec, ok := f.models[h]
	if !ok {
		return types.ModelDescription{}, errdefs.NotFound("%s", h)
	}
	return types.ModelDescription{Handle: h, Name: spec.Name, Node: f.addr}, nil
}

func (f *fakeNode) ListModels(context.Context) (map[string]types.ModelDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]types.ModelDescription, len(f.models))
	for h, spec := range f.models {
		out[h] = types.ModelDescription{Handle: h, Name: spec.Name, Node: f.addr}
	}
	return out, nil
}

func (f *fakeNode) Generate(_ context.Context, h string, req types.GenerateRequest) (Output, error) {
	f.mu.Lock()
	f.generated = append(f.generated, h)
	f.mu.Unlock()
	return SingleChunk(types.Chunk{Model: h, Text: f.addr + ":" + req.Prompt}), nil
}

func (f *fakeNode) Chat(ctx context.Context, h string, req types.ChatRequest) (Output, error) {
	return f.Generate(ctx, h, types.GenerateRequest{Prompt: req.Prompt})
}

func (f *fakeNode) Families(context.Context) ([]types.ModelFamily, error) {
	return registry.Builtin(), nil
}

func (f *fakeNode) RegisterModel(context.Context, types.ModelFamily, bool) error { return nil }
func (f *fakeNode) UnregisterModel(context.Context, string) error                { return nil }

func (f *fakeNode) count() int {
	n, _ := f.ModelCount(context.Background())
	return n
}

func newCoord(t *testing.T, nodes ...*fakeNode) *Coordinator {
	t.Helper()
	byAddr := map[string]*fakeNode{}
	for _, n := range nodes {
		byAddr[n.addr] = n
	}
	c := New(Config{
		Logger: zerolog.Nop(),
		Dial: func(addr string) (Node, error) {
			n, ok := byAddr[addr]
			if !ok {
				return nil, errors.New("dial " + addr + ": connection refused")
			}
			return n, nil
		},
	})
	for _, n := range nodes {
		require.NoError(t, c.RegisterNode(n.addr))
	}
	return c
}

func launch(t *testing.T, c *Coordinator, uid string) string {
	t.Helper()
	h, err := c.Launch(context.Background(), types.LaunchRequest{ModelUID: uid, ModelName: "echo"})
	require.NoError(t, err)
	return h
}

func TestLeastLoadedPlacement(t *testing.T) {
	a, b, cn := newFake("a", 3), newFake("b", 1), newFake("c", 2)
	c := newCoord(t, a, b, cn)

	owner := func(h string) string {
		o, err := c.GetOwner(h)
		require.NoError(t, err)
		return o
	}
	assert.Equal(t, "b", owner(launch(t, c, "m1")))
	// b and c now tie at 2; registration order decides.
	assert.Equal(t, "b", owner(launch(t, c, "m2")))
	assert.Equal(t, "c", owner(launch(t, c, "m3")))
	assert.Equal(t, []int{3, 3, 3}, []int{a.count(), b.count(), cn.count()})
}

func TestPlacementSkipsUnresponsiveNodes(t *testing.T) {
	a, b := newFake("a", 0), newFake("b", 5)
	a.failCount = errors.New("timeout")
	c := newCoord(t, a, b)
	o, err := c.GetOwner(launch(t, c, "m"))
	require.NoError(t, err)
	assert.Equal(t, "b", o)

	b.failCount = errors.New("timeout")
	_, err = c.Launch(context.Background(), types.LaunchRequest{ModelName: "echo"})
	assert.True(t, errdefs.IsNoCapacity(err), "err=%v", err)
}

func TestLaunchWithoutNodes(t *testing.T) {
	c := newCoord(t)
	_, err := c.Launch(context.Background(), types.LaunchRequest{ModelName: "echo"})
	assert.True(t, errdefs.IsNoCapacity(err))
}

func TestLaunchErrors(t *testing.T) {
	a := newFake("a", 0)
	c := newCoord(t, a)
	launch(t, c, "m")

	_, err := c.Launch(context.Background(), types.LaunchRequest{ModelUID: "m", ModelName: "echo"})
	assert.True(t, errdefs.IsAlreadyExists(err))

	_, err = c.Launch(context.Background(), types.LaunchRequest{ModelUID: "m@1", ModelName: "echo"})
	assert.True(t, errdefs.IsInvalidArgument(err))

	a.failLaunch = errdefs.BackendLoad(errors.New("no weights"), "load echo")
	_, err = c.Launch(context.Background(), types.LaunchRequest{ModelName: "echo"})
	assert.True(t, errdefs.IsBackendLoad(err))
	assert.Equal(t, []string{"m"}, c.List())
}

func TestGeneratedHandles(t *testing.T) {
	c := newCoord(t, newFake("a", 0))
	h1 := launch(t, c, "")
	h2 := launch(t, c, "")
	assert.NotEqual(t, h1, h2)
	assert.NoError(t, handle.Validate(h1))
}

func TestListMatchesLiveHandles(t *testing.T) {
	c := newCoord(t, newFake("a", 0), newFake("b", 0))
	rng := rand.New(rand.NewSource(7))
	live := map[string]bool{}
	for i := 0; i < 40; i++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			var hs []string
			for h := range live {
				hs = append(hs, h)
			}
			sort.Strings(hs)
			h := hs[rng.Intn(len(hs))]
			require.NoError(t, c.Terminate(context.Background(), h))
			delete(live, h)
		} else {
			live[launch(t, c, "")] = true
		}
		want := make([]string, 0, len(live))
		for h := range live {
			want = append(want, h)
		}
		sort.Strings(want)
		if diff := cmp.Diff(want, c.List()); diff != "" {
			t.Fatalf("step %d list mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestTerminate(t *testing.T) {
	a := newFake("a", 0)
	c := newCoord(t, a)
	h := launch(t, c, "m")
	require.NoError(t, c.Terminate(context.Background(), h))
	assert.Equal(t, 0, a.count())
	assert.True(t, errdefs.IsNotFound(c.Terminate(context.Background(), h)))
	_, err := c.GetOwner(h)
	assert.True(t, errdefs.IsNotFound(err))
	_, err = c.Generate(context.Background(), h, types.GenerateRequest{Prompt: "x"})
	assert.True(t, errdefs.IsNotFound(err))
}

func TestReplicasSpreadAndRoundRobin(t *testing.T) {
	a, b := newFake("a", 0), newFake("b", 0)
	c := newCoord(t, a, b)
	h, err := c.Launch(context.Background(), types.LaunchRequest{ModelUID: "m", ModelName: "echo", Replicas: 2})
	require.NoError(t, err)

	replicas, owners, err := c.Replicas(h)
	require.NoError(t, err)
	assert.Equal(t, []string{"m@0", "m@1"}, replicas)
	assert.Equal(t, map[string]string{"m@0": "a", "m@1": "b"}, owners)
	assert.Equal(t, []string{"m"}, c.List())

	o, err := c.GetOwner("m@1")
	require.NoError(t, err)
	assert.Equal(t, "b", o)

	var texts []string
	for i := 0; i < 4; i++ {
		out, err := c.Generate(context.Background(), h, types.GenerateRequest{Prompt: "p"})
		require.NoError(t, err)
		ch, err := out.Next(context.Background())
		require.NoError(t, err)
		texts = append(texts, ch.Text)
		_, err = out.Next(context.Background())
		assert.Equal(t, io.EOF, err)
	}
	assert.Equal(t, []string{"a:p", "b:p", "a:p", "b:p"}, texts)

	d, err := c.Describe(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, "a", d.Owner)
	assert.Equal(t, "m@0", d.Description.Handle)

	require.NoError(t, c.Terminate(context.Background(), h))
	assert.Equal(t, 0, a.count()+b.count())
}

func TestReplicaLaunchFailureRollsBack(t *testing.T) {
	a, b := newFake("a", 0), newFake("b", 0)
	b.failLaunch = errdefs.NoDeviceAvailable("full")
	c := newCoord(t, a, b)
	_, err := c.Launch(context.Background(), types.LaunchRequest{ModelUID: "m", ModelName: "echo", Replicas: 2})
	assert.True(t, errdefs.IsNoDeviceAvailable(err))
	assert.Equal(t, 0, a.count())
	assert.Empty(t, c.List())
}

func TestRegisterNodeIdempotent(t *testing.T) {
	a := newFake("a", 0)
	c := newCoord(t, a)
	require.NoError(t, c.RegisterNode("a"))
	assert.Equal(t, []string{"a"}, c.Nodes())
	assert.Error(t, c.RegisterNode("nowhere"))
	assert.True(t, errdefs.IsInvalidArgument(c.RegisterNode("")))
}

func TestRegistrationAdoptsHeldModels(t *testing.T) {
	a, b := newFake("a", 0), newFake("b", 0)
	c1 := newCoord(t, a, b)
	launch(t, c1, "solo")
	_, err := c1.Launch(context.Background(), types.LaunchRequest{ModelUID: "m", ModelName: "echo", Replicas: 2})
	require.NoError(t, err)

	// a restarted coordinator learns placements from the nodes themselves
	c2 := newCoord(t, b, a)
	assert.Equal(t, []string{"m", "solo"}, c2.List())
	replicas, owners, err := c2.Replicas("m")
	require.NoError(t, err)
	assert.Equal(t, []string{"m@0", "m@1"}, replicas)
	_, owners1, _ := c1.Replicas("m")
	assert.Equal(t, owners1, owners)
	o1, _ := c1.GetOwner("solo")
	o2, err := c2.GetOwner("solo")
	require.NoError(t, err)
	assert.Equal(t, o1, o2)

	_, err = c2.Launch(context.Background(), types.LaunchRequest{ModelUID: "solo", ModelName: "echo"})
	assert.True(t, errdefs.IsAlreadyExists(err), "err=%v", err)

	require.NoError(t, c2.Terminate(context.Background(), "m"))
	require.NoError(t, c2.Terminate(context.Background(), "solo"))
	assert.Empty(t, c2.List())
	assert.Equal(t, 0, a.count()+b.count())
}

func TestAdoptionKeepsFirstOwnerOnConflict(t *testing.T) {
	a, b := newFake("a", 0), newFake("b", 0)
	a.models["x"] = types.LaunchSpec{Name: "echo"}
	b.models["x"] = types.LaunchSpec{Name: "echo"}
	c := newCoord(t, a, b)
	replicas, owners, err := c.Replicas("x")
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, replicas)
	assert.Equal(t, map[string]string{"x": "a"}, owners)
}

func TestNodeStatusReports(t *testing.T) {
	c := newCoord(t, newFake("a", 0))
	st := types.NodeStatus{CPUCount: 4, ModelCount: 1}
	require.NoError(t, c.ReportNodeStatus(context.Background(), "a", st))
	assert.True(t, errdefs.IsNotFound(c.ReportNodeStatus(context.Background(), "b", st)))
	got := c.NodeStatuses()
	require.Contains(t, got, "a")
	assert.Equal(t, "a", got["a"].Address)
	assert.Equal(t, 4, got["a"].CPUCount)
}

func TestCacheReportsReachTracker(t *testing.T) {
	c := newCoord(t, newFake("a", 0))
	ctx := context.Background()
	require.NoError(t, c.RecordVersions(ctx, "m", []types.VersionReport{{Version: "v1"}}, "a"))
	require.NoError(t, c.UpdateCacheStatus(ctx, "a", "m", "v1", "/m"))
	vs := c.Tracker().Versions("m")
	require.Len(t, vs, 1)
	assert.True(t, vs[0].CacheStatus)
	assert.Equal(t, map[string]string{"a": "/m"}, vs[0].Locations)

	require.NoError(t, c.UnregisterModel(ctx, "m"))
	assert.Equal(t, 0, c.Tracker().VersionCount("m"))
}

func TestLocalNodeEndToEnd(t *testing.T) {
	cat := registry.New(registry.Options{Logger: zerolog.Nop()})
	for _, f := range registry.Builtin() {
		require.NoError(t, cat.Add(f))
	}
	c := New(Config{Logger: zerolog.Nop()})
	a := agent.New(cat, agent.Config{
		Address:       "local",
		SchedulerTick: 5 * time.Millisecond,
		Cache:         c,
		Logger:        zerolog.Nop(),
	})
	t.Cleanup(func() { a.Stop(context.Background()) })
	c.AddNode(NewLocalNode(a))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.Start(ctx)

	h := launch(t, c, "echo-1")
	fams, err := c.Families(ctx)
	require.NoError(t, err)
	assert.Equal(t, "echo", fams[0].Name)

	out, err := c.Generate(ctx, h, types.GenerateRequest{Prompt: "hello there world"})
	require.NoError(t, err)
	ch, err := out.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello there world", ch.Text)

	out, err = c.Chat(ctx, h, types.ChatRequest{Prompt: "one two", GenerateOptions: types.GenerateOptions{Stream: true}})
	require.NoError(t, err)
	var text string
	for {
		ch, err := out.Next(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		text += ch.Text
	}
	assert.Equal(t, "one two", text)

	cached := c.Tracker().ListCached()
	require.Contains(t, cached, "echo")
	assert.Equal(t, "echo--1B--text--none", cached["echo"][0].Version)
	assert.Contains(t, cached["echo"][0].Locations, "local")

	require.NoError(t, c.Terminate(ctx, h))
	assert.Equal(t, 0, a.ModelCount())
}

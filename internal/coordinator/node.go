package coordinator

import (
	"context"
	"io"
	"sync"

	"fleetd/internal/agent"
	"fleetd/internal/funnel"
	"fleetd/pkg/types"
)

// Node is the set of node agent operations the coordinator drives. It is
// implemented in-process by LocalNode and over HTTP by nodeapi.Client.
type Node interface {
	Address() string
	LaunchModel(ctx context.Context, h string, spec types.LaunchSpec) (types.ModelDescription, error)
	TerminateModel(ctx context.Context, h string) error
	ModelCount(ctx context.Context) (int, error)
	DescribeModel(ctx context.Context, h string) (types.ModelDescription, error)
	ListModels(ctx context.Context) (map[string]types.ModelDescription, error)
	Generate(ctx context.Context, h string, req types.GenerateRequest) (Output, error)
	Chat(ctx context.Context, h string, req types.ChatRequest) (Output, error)
	Families(ctx context.Context) ([]types.ModelFamily, error)
	RegisterModel(ctx context.Context, f types.ModelFamily, persist bool) error
	UnregisterModel(ctx context.Context, name string) error
}

// Output is the caller side of a forwarded call. Next returns io.EOF after
// the last chunk; a non-streaming call yields exactly one chunk. Close
// abandons the call and is safe to repeat.
type Output interface {
	Next(ctx context.Context) (types.Chunk, error)
	Close()
}

// SingleChunk is an Output holding one already computed chunk.
func SingleChunk(c types.Chunk) Output { return &single{c: c} }

type single struct {
	mu   sync.Mutex
	c    types.Chunk
	done bool
}

func (s *single) Next(context.Context) (types.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return types.Chunk{}, io.EOF
	}
	s.done = true
	return s.c, nil
}

func (s *single) Close() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
}

var (
	_ agent.StatusReporter = (*Coordinator)(nil)
	_ agent.CacheReporter  = (*Coordinator)(nil)
	_ Node                 = (*LocalNode)(nil)
)

// LocalNode drives an in-process agent.
type LocalNode struct {
	a *agent.Agent
}

func NewLocalNode(a *agent.Agent) *LocalNode { return &LocalNode{a: a} }

func (n *LocalNode) Address() string { return n.a.Address() }

func (n *LocalNode) LaunchModel(ctx context.Context, h string, spec types.LaunchSpec) (types.ModelDescription, error) {
	if _, err := n.a.LaunchModel(ctx, h, spec); err != nil {
		return types.ModelDescription{}, err
	}
	return n.a.DescribeModel(h)
}

func (n *LocalNode) TerminateModel(ctx context.Context, h string) error {
	return n.a.TerminateModel(ctx, h)
}

func (n *LocalNode) ModelCount(context.Context) (int, error) { return n.a.ModelCount(), nil }

func (n *LocalNode) DescribeModel(_ context.Context, h string) (types.ModelDescription, error) {
	return n.a.DescribeModel(h)
}

func (n *LocalNode) ListModels(context.Context) (map[string]types.ModelDescription, error) {
	return n.a.ListModels(), nil
}

func (n *LocalNode) Generate(_ context.Context, h string, req types.GenerateRequest) (Output, error) {
	f, err := n.a.Funnel(h)
	if err != nil {
		return nil, err
	}
	res, err := f.Generate(req.Prompt, req.GenerateOptions)
	if err != nil {
		return nil, err
	}
	return ResultOutput(res), nil
}

func (n *LocalNode) Chat(_ context.Context, h string, req types.ChatRequest) (Output, error) {
	f, err := n.a.Funnel(h)
	if err != nil {
		return nil, err
	}
	res, err := f.Chat(req.Prompt, req.SystemPrompt, req.ChatHistory, req.GenerateOptions)
	if err != nil {
		return nil, err
	}
	return ResultOutput(res), nil
}

func (n *LocalNode) Families(context.Context) ([]types.ModelFamily, error) {
	return n.a.Families(), nil
}

func (n *LocalNode) RegisterModel(ctx context.Context, f types.ModelFamily, persist bool) error {
	return n.a.RegisterModel(ctx, f, persist)
}

func (n *LocalNode) UnregisterModel(_ context.Context, name string) error {
	return n.a.UnregisterModel(name)
}

// ResultOutput adapts a funnel result to Output.
func ResultOutput(res *funnel.Result) Output {
	if res.Streaming() {
		return res.Stream
	}
	return &promiseOutput{res: res}
}

type promiseOutput struct {
	res  *funnel.Result
	mu   sync.Mutex
	done bool
}

func (p *promiseOutput) Next(ctx context.Context) (types.Chunk, error) {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done {
		return types.Chunk{}, io.EOF
	}
	c, err := p.res.Promise.Wait(ctx)
	if err != nil {
		return types.Chunk{}, err
	}
	p.mu.Lock()
	p.done = true
	p.mu.Unlock()
	return c, nil
}

func (p *promiseOutput) Close() { p.res.Close() }

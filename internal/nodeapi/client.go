package nodeapi

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"fleetd/internal/coordinator"
	"fleetd/internal/httpapi"
	"fleetd/pkg/types"
)

// ClientConfig configures node clients.
type ClientConfig struct {
	Retries int
	// Timeout bounds control calls; inference and relay pulls are bounded
	// only by the caller's context.
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Client reaches one node agent over HTTP.
type Client struct {
	addr  string
	base  string
	ctl   *retryablehttp.Client
	infer *retryablehttp.Client
}

var _ coordinator.Node = (*Client)(nil)

// NewClient returns a client for the node at address, which is either a
// host:port or a full base URL.
func NewClient(address string, cfg ClientConfig) *Client {
	base := strings.TrimRight(address, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	log := cfg.Logger.With().Str("node", address).Logger()
	return &Client{
		addr: address,
		base: base + "/v1/node",
		ctl:  httpapi.NewRetryClient(cfg.Retries, cfg.Timeout, log),
		// inference calls are not idempotent: a retried pull could skip a chunk
		infer: httpapi.NewRetryClient(0, 0, log),
	}
}

// Dialer returns a coordinator.Dialer producing clients with cfg.
func Dialer(cfg ClientConfig) coordinator.Dialer {
	return func(address string) (coordinator.Node, error) {
		return NewClient(address, cfg), nil
	}
}

func (c *Client) Address() string { return c.addr }

func (c *Client) path(parts ...string) string {
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return c.base + "/" + strings.Join(parts, "/")
}

func (c *Client) LaunchModel(ctx context.Context, h string, spec types.LaunchSpec) (types.ModelDescription, error) {
	var d types.ModelDescription
	err := httpapi.Do(ctx, c.ctl, http.MethodPost, c.path("models"), LaunchNodeRequest{ModelUID: h, Spec: spec}, &d)
	return d, err
}

func (c *Client) TerminateModel(ctx context.Context, h string) error {
	return httpapi.Do(ctx, c.ctl, http.MethodDelete, c.path("models", h), nil, nil)
}

func (c *Client) ModelCount(ctx context.Context) (int, error) {
	var out CountResponse
	err := httpapi.Do(ctx, c.ctl, http.MethodGet, c.path("count"), nil, &out)
	return out.Count, err
}

func (c *Client) DescribeModel(ctx context.Context, h string) (types.ModelDescription, error) {
	var d types.ModelDescription
	err := httpapi.Do(ctx, c.ctl, http.MethodGet, c.path("models", h), nil, &d)
	return d, err
}

func (c *Client) ListModels(ctx context.Context) (map[string]types.ModelDescription, error) {
	out := map[string]types.ModelDescription{}
	err := httpapi.Do(ctx, c.ctl, http.MethodGet, c.path("models"), nil, &out)
	return out, err
}

// Status fetches the node's current status.
func (c *Client) Status(ctx context.Context) (types.NodeStatus, error) {
	var st types.NodeStatus
	err := httpapi.Do(ctx, c.ctl, http.MethodGet, c.path("status"), nil, &st)
	return st, err
}

func (c *Client) Generate(ctx context.Context, h string, req types.GenerateRequest) (coordinator.Output, error) {
	return c.call(ctx, c.path("models", h, "generate"), req.Stream, req)
}

func (c *Client) Chat(ctx context.Context, h string, req types.ChatRequest) (coordinator.Output, error) {
	return c.call(ctx, c.path("models", h, "chat"), req.Stream, req)
}

func (c *Client) call(ctx context.Context, u string, stream bool, body any) (coordinator.Output, error) {
	if !stream {
		var chunk types.Chunk
		if err := httpapi.Do(ctx, c.infer, http.MethodPost, u, body, &chunk); err != nil {
			return nil, err
		}
		return coordinator.SingleChunk(chunk), nil
	}
	var rr types.RelayResponse
	if err := httpapi.Do(ctx, c.infer, http.MethodPost, u, body, &rr); err != nil {
		return nil, err
	}
	return &relayOutput{c: c, id: rr.RelayID}, nil
}

func (c *Client) Families(ctx context.Context) ([]types.ModelFamily, error) {
	var out []types.ModelFamily
	err := httpapi.Do(ctx, c.ctl, http.MethodGet, c.path("families"), nil, &out)
	return out, err
}

func (c *Client) RegisterModel(ctx context.Context, f types.ModelFamily, persist bool) error {
	return httpapi.Do(ctx, c.ctl, http.MethodPost, c.path("families"), types.RegisterModelRequest{Family: f, Persist: persist}, nil)
}

func (c *Client) UnregisterModel(ctx context.Context, name string) error {
	return httpapi.Do(ctx, c.ctl, http.MethodDelete, c.path("families", name), nil, nil)
}

// relayOutput pulls a remote stream one chunk per request.
type relayOutput struct {
	c  *Client
	id string

	mu   sync.Mutex
	done bool
}

func (r *relayOutput) Next(ctx context.Context) (types.Chunk, error) {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done {
		return types.Chunk{}, io.EOF
	}
	var nr types.NextResponse
	if err := httpapi.Do(ctx, r.c.infer, http.MethodPost, r.c.path("relays", r.id, "next"), nil, &nr); err != nil {
		// the node drops a relay on any terminal outcome
		r.finish()
		return types.Chunk{}, err
	}
	if nr.Done || nr.Chunk == nil {
		r.finish()
		return types.Chunk{}, io.EOF
	}
	return *nr.Chunk, nil
}

func (r *relayOutput) finish() {
	r.mu.Lock()
	r.done = true
	r.mu.Unlock()
}

// Close tears down the remote relay unless it already ended.
func (r *relayOutput) Close() {
	r.mu.Lock()
	done := r.done
	r.done = true
	r.mu.Unlock()
	if done {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpapi.Do(ctx, r.c.ctl, http.MethodDelete, r.c.path("relays", r.id), nil, nil)
}

package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"fleetd/internal/errdefs"
	"fleetd/internal/logging"
	"fleetd/pkg/types"
)

// CheckRetry retries transport errors and 502/503/504 only. Other statuses
// carry a typed error that the caller must see unchanged.
func CheckRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		// a 503 with a typed body is a placement answer, not an outage
		return resp.Header.Get(KindHeader) == "", nil
	}
	return false, nil
}

// NewRetryClient returns a retrying HTTP client logging through log.
func NewRetryClient(retries int, timeout time.Duration, log zerolog.Logger) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = retries
	c.RetryWaitMin = 50 * time.Millisecond
	c.RetryWaitMax = time.Second
	c.CheckRetry = CheckRetry
	// hand the last response back so typed errors survive exhausted retries
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c.Logger = logging.Leveled{L: log}
	if timeout > 0 {
		c.HTTPClient.Timeout = timeout
	}
	return c
}

// Do sends a JSON request and decodes a JSON response into out when out is
// non-nil. Non-2xx responses become typed errors.
func Do(ctx context.Context, c *retryablehttp.Client, method, url string, in, out any) error {
	var body any
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = b
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return ErrorFromResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, url, err)
	}
	return nil
}

// Client is what a node agent uses to reach the coordinator.
type Client struct {
	base string
	hc   *retryablehttp.Client
	log  zerolog.Logger
}

// NewClient returns a client for the coordinator at base.
func NewClient(base string, retries int, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		hc:   NewRetryClient(retries, timeout, log),
		log:  log,
	}
}

func (c *Client) RegisterNode(ctx context.Context, address string) error {
	return Do(ctx, c.hc, http.MethodPost, c.base+"/v1/nodes", types.RegisterNodeRequest{Address: address}, nil)
}

// ReportNodeStatus pushes st. A coordinator that no longer knows the node
// (after a restart) gets it registered again before the report is retried.
func (c *Client) ReportNodeStatus(ctx context.Context, address string, st types.NodeStatus) error {
	report := types.NodeReport{Address: address, Status: st}
	err := Do(ctx, c.hc, http.MethodPut, c.base+"/v1/nodes/status", report, nil)
	if !errdefs.IsNotFound(err) {
		return err
	}
	c.log.Info().Str("node", address).Msg("event=node_reregister")
	if err := c.RegisterNode(ctx, address); err != nil {
		return err
	}
	return Do(ctx, c.hc, http.MethodPut, c.base+"/v1/nodes/status", report, nil)
}

func (c *Client) RecordVersions(ctx context.Context, name string, versions []types.VersionReport, node string) error {
	req := types.RecordVersionsRequest{ModelName: name, Node: node, Versions: versions}
	return Do(ctx, c.hc, http.MethodPost, c.base+"/v1/cache/versions", req, nil)
}

func (c *Client) UpdateCacheStatus(ctx context.Context, node, name, version, path string) error {
	req := types.CacheStatusRequest{Node: node, ModelName: name, Version: version, Path: path}
	return Do(ctx, c.hc, http.MethodPost, c.base+"/v1/cache/status", req, nil)
}

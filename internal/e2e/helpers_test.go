// Package e2e drives a whole cluster in one process: a supervisor REST API
// and node agents behind their RPC servers, all on real HTTP listeners.
package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fleetd/internal/agent"
	"fleetd/internal/coordinator"
	"fleetd/internal/httpapi"
	"fleetd/internal/nodeapi"
	"fleetd/internal/registry"
	"fleetd/pkg/types"
)

type supervisor struct {
	srv     *httptest.Server
	coord   *coordinator.Coordinator
	handler atomic.Pointer[http.Handler]
}

// restart swaps in a fresh coordinator behind the same URL.
func (s *supervisor) restart() *coordinator.Coordinator {
	c := newCoordinator()
	h := httpapi.NewMux(c)
	s.handler.Store(&h)
	return c
}

func newCoordinator() *coordinator.Coordinator {
	return coordinator.New(coordinator.Config{
		Dial:         nodeapi.Dialer(nodeapi.ClientConfig{Retries: 0, Timeout: 2 * time.Second, Logger: zerolog.Nop()}),
		QueryTimeout: time.Second,
		Logger:       zerolog.Nop(),
	})
}

func startSupervisor(t *testing.T) *supervisor {
	t.Helper()
	s := &supervisor{coord: newCoordinator()}
	h := httpapi.NewMux(s.coord)
	s.handler.Store(&h)
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		(*s.handler.Load()).ServeHTTP(w, r)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

type worker struct {
	srv    *httptest.Server
	agent  *agent.Agent
	client *httpapi.Client
}

func (w *worker) addr() string { return w.srv.Listener.Addr().String() }

// startWorker runs a node agent behind its RPC server and registers it with
// the supervisor at base, the way `fleetd worker` does.
func startWorker(t *testing.T, base string, devices ...int) *worker {
	t.Helper()
	cat := registry.New(registry.Options{Logger: zerolog.Nop()})
	for _, f := range registry.Builtin() {
		if err := cat.Add(f); err != nil {
			t.Fatalf("catalog: %v", err)
		}
	}
	w := &worker{srv: httptest.NewUnstartedServer(nil)}
	w.client = httpapi.NewClient(base, 1, 2*time.Second, zerolog.Nop())
	w.agent = agent.New(cat, agent.Config{
		Address:        w.addr(),
		Devices:        devices,
		ReportInterval: time.Hour,
		SchedulerTick:  5 * time.Millisecond,
		Status:         w.client,
		Cache:          w.client,
		Collect: func(context.Context) (types.NodeStatus, error) {
			return types.NodeStatus{CPUCount: 2, MemTotal: 1 << 30}, nil
		},
		Logger: zerolog.Nop(),
	})
	w.srv.Config.Handler = nodeapi.NewMux(w.agent, zerolog.Nop())
	w.srv.Start()
	ctx := context.Background()
	if err := w.client.RegisterNode(ctx, w.addr()); err != nil {
		t.Fatalf("register %s: %v", w.addr(), err)
	}
	w.agent.Start(ctx)
	t.Cleanup(func() {
		w.agent.Stop(context.Background())
		w.srv.Close()
	})
	return w
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	return httpDo(t, http.MethodGet, url, nil)
}

func httpPostJSON(t *testing.T, url string, payload any) (*http.Response, []byte) {
	t.Helper()
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return httpDo(t, http.MethodPost, url, b)
}

func httpDo(t *testing.T, method, url string, body []byte) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, url, rd)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	out, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, out
}

func mustJSON(t *testing.T, body []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(body, v); err != nil {
		t.Fatalf("decode %q: %v", body, err)
	}
}

// ndjsonLines decodes every line of a streamed response.
func ndjsonLines(t *testing.T, body []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		var m map[string]any
		mustJSON(t, sc.Bytes(), &m)
		out = append(out, m)
	}
	return out
}

func launch(t *testing.T, base string, req types.LaunchRequest) string {
	t.Helper()
	resp, body := httpPostJSON(t, base+"/v1/models", req)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("launch: %d %s", resp.StatusCode, body)
	}
	var lr types.LaunchResponse
	mustJSON(t, body, &lr)
	return lr.ModelUID
}

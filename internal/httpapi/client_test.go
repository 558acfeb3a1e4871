package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetd/internal/errdefs"
	"fleetd/pkg/types"
)

func TestCheckRetry(t *testing.T) {
	ctx := context.Background()
	resp := func(code int, kind string) *http.Response {
		r := &http.Response{StatusCode: code, Header: http.Header{}}
		if kind != "" {
			r.Header.Set(KindHeader, kind)
		}
		return r
	}
	cases := []struct {
		name string
		resp *http.Response
		err  error
		want bool
	}{
		{"transport error", nil, errors.New("connection refused"), true},
		{"bad gateway", resp(http.StatusBadGateway, ""), nil, true},
		{"unavailable", resp(http.StatusServiceUnavailable, ""), nil, true},
		{"typed unavailable", resp(http.StatusServiceUnavailable, "no_capacity"), nil, false},
		{"not found", resp(http.StatusNotFound, "not_found"), nil, false},
		{"server error", resp(http.StatusInternalServerError, ""), nil, false},
		{"ok", resp(http.StatusOK, ""), nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := CheckRetry(ctx, tc.resp, tc.err)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	retry, err := CheckRetry(canceled, nil, errors.New("x"))
	assert.False(t, retry)
	assert.ErrorIs(t, err, context.Canceled)
}

// flaky answers with the given statuses in order, then 200 {}.
func flaky(t *testing.T, kind string, statuses ...int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1))
		if n <= len(statuses) {
			writeJSONError(w, statuses[n-1], "try again", kind)
			return
		}
		WriteJSON(w, map[string]string{})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestDoRetriesOutages(t *testing.T) {
	srv, calls := flaky(t, "", http.StatusServiceUnavailable, http.StatusBadGateway)
	c := NewRetryClient(3, time.Second, zerolog.Nop())
	require.NoError(t, Do(context.Background(), c, http.MethodGet, srv.URL, nil, nil))
	assert.Equal(t, int32(3), calls.Load())
}

func TestDoKeepsTypedErrors(t *testing.T) {
	srv, calls := flaky(t, "no_capacity", http.StatusServiceUnavailable)
	c := NewRetryClient(3, time.Second, zerolog.Nop())
	err := Do(context.Background(), c, http.MethodPost, srv.URL, map[string]int{"a": 1}, nil)
	assert.True(t, errdefs.IsNoCapacity(err), "err=%v", err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDoExhaustedRetriesReturnLastResponse(t *testing.T) {
	srv, calls := flaky(t, "", http.StatusServiceUnavailable, http.StatusServiceUnavailable, http.StatusServiceUnavailable)
	c := NewRetryClient(1, time.Second, zerolog.Nop())
	err := Do(context.Background(), c, http.MethodGet, srv.URL, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
	assert.Equal(t, int32(2), calls.Load())
}

func TestErrorFromResponse(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, errdefs.AlreadyLoaded("model m already loaded"))
	err := ErrorFromResponse(rec.Result())
	assert.True(t, errdefs.IsAlreadyLoaded(err))
	assert.Contains(t, err.Error(), "model m already loaded")

	rec = httptest.NewRecorder()
	rec.WriteHeader(http.StatusBadGateway)
	_, _ = rec.WriteString("upstream broke")
	err = ErrorFromResponse(rec.Result())
	assert.Equal(t, errdefs.KindUnknown, errdefs.KindOf(err))
	assert.Equal(t, "status 502: upstream broke", err.Error())
}

func TestClientReRegistersOnUnknownNode(t *testing.T) {
	srv, c := newServer(t)
	cl := NewClient(srv.URL+"/", 1, time.Second, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, cl.ReportNodeStatus(ctx, "n1", types.NodeStatus{CPUCount: 2}))
	assert.Equal(t, []string{"n1"}, c.Nodes())

	assert.Equal(t, 2, c.NodeStatuses()["n1"].CPUCount)
}

func TestClientCacheReports(t *testing.T) {
	srv, c := newServer(t)
	cl := NewClient(srv.URL, 1, time.Second, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, cl.RecordVersions(ctx, "m", []types.VersionReport{{Version: "v1"}}, "n1"))
	require.NoError(t, cl.UpdateCacheStatus(ctx, "n1", "m", "", "/cache/m"))
	vs := c.Tracker().Versions("m")
	require.Len(t, vs, 1)
	assert.True(t, vs[0].CacheStatus)

	err := cl.UpdateCacheStatus(ctx, "n1", "unknown", "", "/x")
	assert.True(t, errdefs.IsNotFound(err), "err=%v", err)
}

// Package httpapi is the coordinator's REST surface and the client node
// agents use to reach it.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleetd/internal/cachetracker"
	"fleetd/internal/coordinator"
	"fleetd/internal/errdefs"
	"fleetd/pkg/types"
)

// Service is the coordinator as seen by the REST layer.
type Service interface {
	Launch(ctx context.Context, req types.LaunchRequest) (string, error)
	Terminate(ctx context.Context, h string) error
	List() []string
	Describe(ctx context.Context, h string) (types.ModelResponse, error)
	Generate(ctx context.Context, h string, req types.GenerateRequest) (coordinator.Output, error)
	Chat(ctx context.Context, h string, req types.ChatRequest) (coordinator.Output, error)

	Families(ctx context.Context) ([]types.ModelFamily, error)
	RegisterModel(ctx context.Context, f types.ModelFamily, persist bool) error
	UnregisterModel(ctx context.Context, name string) error

	RegisterNode(address string) error
	Nodes() []string
	NodeStatuses() map[string]types.NodeStatus
	ReportNodeStatus(ctx context.Context, address string, st types.NodeStatus) error

	RecordVersions(ctx context.Context, name string, versions []types.VersionReport, node string) error
	UpdateCacheStatus(ctx context.Context, node, name, version, path string) error
	Tracker() *cachetracker.Tracker
}

var _ Service = (*coordinator.Coordinator)(nil)

// NewMux builds the coordinator router.
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}

	h := &handlers{svc: svc}
	r.Group(func(r chi.Router) {
		r.Use(InflightMiddleware)

		r.Route("/v1/models", func(r chi.Router) {
			r.Post("/", h.launch)
			r.Get("/", h.list)
			r.Get("/{uid}", h.describe)
			r.Delete("/{uid}", h.terminate)
			r.Post("/{uid}/generate", h.generate)
			r.Post("/{uid}/chat", h.chat)
		})
		r.Route("/v1/families", func(r chi.Router) {
			r.Get("/", h.families)
			r.Post("/", h.registerModel)
			r.Delete("/{name}", h.unregisterModel)
		})
		r.Route("/v1/nodes", func(r chi.Router) {
			r.Post("/", h.registerNode)
			r.Get("/", h.nodes)
			r.Put("/status", h.reportStatus)
		})
		r.Route("/v1/cache", func(r chi.Router) {
			r.Get("/", h.listCached)
			r.Post("/versions", h.recordVersions)
			r.Get("/versions/{name}", h.versions)
			r.Delete("/versions/{name}", h.unregisterVersions)
			r.Post("/status", h.cacheStatus)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(svc.Nodes()) > 0 {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no nodes"))
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	MountSwagger(r)
	return r
}

type handlers struct {
	svc Service
}

func (h *handlers) launch(w http.ResponseWriter, r *http.Request) {
	var req types.LaunchRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.ModelName == "" {
		WriteError(w, errdefs.InvalidArgument("model_name is required"))
		return
	}
	uid, err := h.svc.Launch(r.Context(), req)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSONStatus(w, http.StatusCreated, types.LaunchResponse{ModelUID: uid})
}

func (h *handlers) list(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, types.ModelsResponse{Models: h.svc.List()})
}

func (h *handlers) describe(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.Describe(r.Context(), chi.URLParam(r, "uid"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, resp)
}

func (h *handlers) terminate(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	if err := h.svc.Terminate(r.Context(), uid); err != nil {
		WriteError(w, err)
		return
	}
	limiter.forget(uid)
	w.WriteHeader(http.StatusNoContent)
}

// admit applies the per-model rate limit.
func admit(w http.ResponseWriter, uid string) bool {
	if limiter.allow(uid) {
		return true
	}
	IncrementBackpressure("rate_limit")
	writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded for model "+uid, KindRateLimited)
	return false
}

// inferCtx joins the request with the process context and applies the
// inference timeout.
func inferCtx(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	if inferTimeout <= 0 {
		return ctx, cancel
	}
	tctx, tcancel := context.WithTimeout(ctx, inferTimeout)
	return tctx, func() {
		tcancel()
		cancel()
	}
}

func (h *handlers) generate(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	var req types.GenerateRequest
	if !DecodeJSON(w, r, &req) || !admit(w, uid) {
		return
	}
	h.infer(w, r, uid, req.Stream, func(ctx context.Context) (coordinator.Output, error) {
		return h.svc.Generate(ctx, uid, req)
	})
}

func (h *handlers) chat(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	var req types.ChatRequest
	if !DecodeJSON(w, r, &req) || !admit(w, uid) {
		return
	}
	h.infer(w, r, uid, req.Stream, func(ctx context.Context) (coordinator.Output, error) {
		return h.svc.Chat(ctx, uid, req)
	})
}

func (h *handlers) infer(w http.ResponseWriter, r *http.Request, uid string, stream bool, call func(context.Context) (coordinator.Output, error)) {
	lvl := requestLogLevel(r)
	start := time.Now()
	logCall(r, lvl, "event=infer_start", uid, 0, start, nil)
	ctx, cancel := inferCtx(r)
	defer cancel()

	out, err := call(ctx)
	if err != nil {
		WriteError(w, err)
		observeInference(stream, err)
		logCall(r, lvl, "event=infer_end", uid, statusOf(err), start, err)
		return
	}
	status, err := serveOutput(ctx, w, r, uid, stream, out)
	if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
		// client went away or the server is shutting down
		return
	}
	observeInference(stream, err)
	logCall(r, lvl, "event=infer_end", uid, status, start, err)
}

func (h *handlers) families(w http.ResponseWriter, r *http.Request) {
	fs, err := h.svc.Families(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, fs)
}

func (h *handlers) registerModel(w http.ResponseWriter, r *http.Request) {
	var req types.RegisterModelRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.RegisterModel(r.Context(), req.Family, req.Persist); err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *handlers) unregisterModel(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.UnregisterModel(r.Context(), chi.URLParam(r, "name")); err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) registerNode(w http.ResponseWriter, r *http.Request) {
	var req types.RegisterNodeRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.RegisterNode(req.Address); err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) nodes(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, types.NodesResponse{Nodes: h.svc.Nodes(), Statuses: h.svc.NodeStatuses()})
}

func (h *handlers) reportStatus(w http.ResponseWriter, r *http.Request) {
	var req types.NodeReport
	if !DecodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.ReportNodeStatus(r.Context(), req.Address, req.Status); err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) listCached(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, h.svc.Tracker().ListCached())
}

func (h *handlers) recordVersions(w http.ResponseWriter, r *http.Request) {
	var req types.RecordVersionsRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.RecordVersions(r.Context(), req.ModelName, req.Versions, req.Node); err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) versions(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, h.svc.Tracker().Versions(chi.URLParam(r, "name")))
}

func (h *handlers) unregisterVersions(w http.ResponseWriter, r *http.Request) {
	h.svc.Tracker().Unregister(chi.URLParam(r, "name"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) cacheStatus(w http.ResponseWriter, r *http.Request) {
	var req types.CacheStatusRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.UpdateCacheStatus(r.Context(), req.Node, req.ModelName, req.Version, req.Path); err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

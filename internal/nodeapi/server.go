// Package nodeapi is the RPC surface a node agent exposes to the coordinator,
// and the coordinator-side client for it. Streaming calls are served through
// relays: the call returns a relay id and the client pulls chunks one at a
// time.
package nodeapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"fleetd/internal/agent"
	"fleetd/internal/errdefs"
	"fleetd/internal/funnel"
	"fleetd/internal/httpapi"
	"fleetd/pkg/types"
)

// relayIDSep joins the model handle and the funnel's relay id, so a relay
// id routes back to the funnel that owns it. Handles never contain it.
const relayIDSep = "~"

type server struct {
	a   *agent.Agent
	log zerolog.Logger
}

// NewMux builds the node router over a.
func NewMux(a *agent.Agent, log zerolog.Logger) http.Handler {
	s := &server{a: a, log: log.With().Str("component", "nodeapi").Logger()}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(httpapi.MetricsMiddleware)

	r.Route("/v1/node", func(r chi.Router) {
		r.Get("/count", s.count)
		r.Get("/status", s.status)
		r.Get("/models", s.listModels)
		r.Post("/models", s.launch)
		r.Get("/models/{uid}", s.describe)
		r.Delete("/models/{uid}", s.terminate)
		r.Post("/models/{uid}/generate", s.generate)
		r.Post("/models/{uid}/chat", s.chat)
		r.Post("/relays/{id}/next", s.next)
		r.Delete("/relays/{id}", s.closeRelay)
		r.Get("/families", s.families)
		r.Post("/families", s.registerModel)
		r.Delete("/families/{name}", s.unregisterModel)
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	return r
}

// LaunchNodeRequest is the body of POST /v1/node/models.
type LaunchNodeRequest struct {
	ModelUID string           `json:"model_uid"`
	Spec     types.LaunchSpec `json:"spec"`
}

// CountResponse is the body of GET /v1/node/count.
type CountResponse struct {
	Count int `json:"count"`
}

func (s *server) count(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, CountResponse{Count: s.a.ModelCount()})
}

func (s *server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.a.Status(r.Context())
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, st)
}

func (s *server) listModels(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, s.a.ListModels())
}

func (s *server) launch(w http.ResponseWriter, r *http.Request) {
	var req LaunchNodeRequest
	if !httpapi.DecodeJSON(w, r, &req) {
		return
	}
	if _, err := s.a.LaunchModel(r.Context(), req.ModelUID, req.Spec); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	d, err := s.a.DescribeModel(req.ModelUID)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSONStatus(w, http.StatusCreated, d)
}

func (s *server) describe(w http.ResponseWriter, r *http.Request) {
	d, err := s.a.DescribeModel(chi.URLParam(r, "uid"))
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, d)
}

func (s *server) terminate(w http.ResponseWriter, r *http.Request) {
	if err := s.a.TerminateModel(r.Context(), chi.URLParam(r, "uid")); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) generate(w http.ResponseWriter, r *http.Request) {
	var req types.GenerateRequest
	if !httpapi.DecodeJSON(w, r, &req) {
		return
	}
	s.call(w, r, func(f *funnel.Funnel) (*funnel.Result, error) {
		return f.Generate(req.Prompt, req.GenerateOptions)
	})
}

func (s *server) chat(w http.ResponseWriter, r *http.Request) {
	var req types.ChatRequest
	if !httpapi.DecodeJSON(w, r, &req) {
		return
	}
	s.call(w, r, func(f *funnel.Funnel) (*funnel.Result, error) {
		return f.Chat(req.Prompt, req.SystemPrompt, req.ChatHistory, req.GenerateOptions)
	})
}

// call submits through the model's funnel. A non-streaming result is awaited
// and returned as one chunk; a streaming one is registered as a relay.
func (s *server) call(w http.ResponseWriter, r *http.Request, submit func(*funnel.Funnel) (*funnel.Result, error)) {
	uid := chi.URLParam(r, "uid")
	f, err := s.a.Funnel(uid)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	res, err := submit(f)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	if !res.Streaming() {
		c, err := res.Promise.Wait(r.Context())
		if err != nil {
			if r.Context().Err() == nil {
				httpapi.WriteError(w, err)
			}
			return
		}
		httpapi.WriteJSON(w, c)
		return
	}
	id, err := f.OpenRelay(res)
	if err != nil {
		res.Close()
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSONStatus(w, http.StatusCreated, types.RelayResponse{RelayID: uid + relayIDSep + id})
}

// relay resolves a relay id of the form <handle>~<id>.
func (s *server) relay(id string) (*funnel.Funnel, string, error) {
	h, rid, ok := strings.Cut(id, relayIDSep)
	if !ok {
		return nil, "", errdefs.NotFound("relay %s not found", id)
	}
	f, err := s.a.Funnel(h)
	if err != nil {
		return nil, "", errdefs.NotFound("relay %s not found", id)
	}
	return f, rid, nil
}

func (s *server) next(w http.ResponseWriter, r *http.Request) {
	f, id, err := s.relay(chi.URLParam(r, "id"))
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	rl, err := f.Relay(id)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	c, done, err := rl.Next(r.Context())
	switch {
	case err != nil && r.Context().Err() != nil:
		// the puller went away; the relay is already torn down
		return
	case err != nil:
		httpapi.WriteError(w, err)
	case done:
		httpapi.WriteJSON(w, types.NextResponse{Done: true})
	default:
		httpapi.WriteJSON(w, types.NextResponse{Chunk: &c})
	}
}

func (s *server) closeRelay(w http.ResponseWriter, r *http.Request) {
	f, id, err := s.relay(chi.URLParam(r, "id"))
	if err == nil {
		err = f.CloseRelay(id)
	}
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) families(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, s.a.Families())
}

func (s *server) registerModel(w http.ResponseWriter, r *http.Request) {
	var req types.RegisterModelRequest
	if !httpapi.DecodeJSON(w, r, &req) {
		return
	}
	if err := s.a.RegisterModel(context.WithoutCancel(r.Context()), req.Family, req.Persist); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *server) unregisterModel(w http.ResponseWriter, r *http.Request) {
	if err := s.a.UnregisterModel(chi.URLParam(r, "name")); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

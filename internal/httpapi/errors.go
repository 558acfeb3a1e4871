package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"fleetd/internal/errdefs"
	"fleetd/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// KindHeader repeats the error kind of a JSON error body so clients can
// decide on retries without reading the body.
const KindHeader = "X-Fleetd-Kind"

// KindRateLimited marks 429 responses; it has no errdefs counterpart.
const KindRateLimited = "rate_limited"

// WriteError maps err to its status code and writes the JSON error body,
// including the error kind so RPC clients can rebuild it.
func WriteError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var he HTTPError
	if errors.As(err, &he) {
		status = he.StatusCode()
	}
	writeJSONError(w, status, err.Error(), string(errdefs.KindOf(err)))
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg, kind string) {
	w.Header().Set("Content-Type", "application/json")
	if kind != "" {
		w.Header().Set(KindHeader, kind)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status, Kind: kind})
}

// WriteJSON writes v with status 200.
func WriteJSON(w http.ResponseWriter, v any) { WriteJSONStatus(w, http.StatusOK, v) }

// WriteJSONStatus encodes v before writing the header, so an encoding
// failure still yields a clean 500.
func WriteJSONStatus(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response", "")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(b, '\n'))
}

// DecodeJSON checks the content type, limits the body and decodes it into v.
// It writes the error response itself and reports whether decoding worked.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json", "")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		// size overruns also land here; report them as a plain 400
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body", string(errdefs.KindInvalidArgument))
		return false
	}
	return true
}

// ErrorFromResponse rebuilds the typed error carried by a non-2xx response.
func ErrorFromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var er types.ErrorResponse
	if err := json.Unmarshal(body, &er); err != nil || er.Error == "" {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if er.Kind == "" || er.Kind == KindRateLimited {
		return fmt.Errorf("status %d: %s", resp.StatusCode, er.Error)
	}
	return errdefs.New(errdefs.Kind(er.Kind), "%s", er.Error)
}

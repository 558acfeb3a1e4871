package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"fleetd/internal/coordinator"
	"fleetd/internal/errdefs"
	"fleetd/pkg/types"
)

// streamLine is one NDJSON line of a streaming response: a chunk, the final
// done marker, or an error that ends the stream.
type streamLine struct {
	*types.Chunk
	Done  bool   `json:"done,omitempty"`
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

// writeStream copies out to w as NDJSON, flushing after every line. The
// last line is {"done":true} or an error line. Headers are already sent, so
// failures are reported in-band.
func writeStream(ctx context.Context, w io.Writer, flush func(), out coordinator.Output) error {
	enc := json.NewEncoder(w)
	for {
		c, err := out.Next(ctx)
		if errors.Is(err, io.EOF) {
			_ = enc.Encode(streamLine{Done: true})
			flush()
			return nil
		}
		if err != nil {
			// a canceled request has nobody left to read the error line
			if !errors.Is(err, context.Canceled) {
				_ = enc.Encode(errorLine(err))
				flush()
			}
			return err
		}
		if err := enc.Encode(streamLine{Chunk: &c}); err != nil {
			return err
		}
		flush()
	}
}

// serveOutput answers an inference call: one JSON chunk, or an NDJSON stream
// when stream is set.
func serveOutput(ctx context.Context, w http.ResponseWriter, r *http.Request, model string, stream bool, out coordinator.Output) (int, error) {
	defer out.Close()
	if !stream {
		c, err := out.Next(ctx)
		switch {
		case err == nil:
		case r.Context().Err() != nil:
			return 0, err
		case errors.Is(err, context.DeadlineExceeded):
			writeJSONError(w, http.StatusGatewayTimeout, "inference timed out", "")
			return http.StatusGatewayTimeout, err
		default:
			WriteError(w, err)
			return statusOf(err), err
		}
		WriteJSON(w, c)
		return http.StatusOK, nil
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flush := func() {}
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	writer := io.Writer(w)
	if requestLogLevel(r) >= LevelDebug {
		writer = io.MultiWriter(w, &chunkLogWriter{model: model})
	}
	return http.StatusOK, writeStream(ctx, writer, flush, out)
}

func errorLine(err error) streamLine {
	if errors.Is(err, context.DeadlineExceeded) {
		return streamLine{Error: "inference timed out"}
	}
	return streamLine{Error: err.Error(), Kind: string(errdefs.KindOf(err))}
}

func statusOf(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	var he HTTPError
	if errors.As(err, &he) {
		return he.StatusCode()
	}
	return http.StatusInternalServerError
}

// kindOf labels err for metrics: its errdefs kind, "timeout" for an expired
// inference deadline, or "internal".
func kindOf(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if k := errdefs.KindOf(err); k != errdefs.KindUnknown {
		return string(k)
	}
	return "internal"
}

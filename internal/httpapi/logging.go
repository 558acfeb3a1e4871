package httpapi

import (
	"bytes"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// zlog is an optional structured logger. If unset, falls back to log.Printf.
var zlog *zerolog.Logger

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = &l }

// LogLevel controls per-request logging behavior.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch s {
	case "off", "":
		return LevelOff
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// global default, read once
var defaultLogLevel = parseLevel(os.Getenv("FLEETD_HTTP_LOG_LEVEL"))

// requestLogLevel lets a caller raise logging for one request with ?log= or
// the X-Log-Level header.
func requestLogLevel(r *http.Request) LogLevel {
	if v := r.URL.Query().Get("log"); v != "" {
		if v == "1" {
			return LevelDebug
		}
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return defaultLogLevel
}

// chunkLogWriter logs each complete NDJSON line written to a stream.
type chunkLogWriter struct {
	model string
	buf   []byte
}

func (lw *chunkLogWriter) Write(p []byte) (int, error) {
	lw.buf = append(lw.buf, p...)
	for {
		idx := bytes.IndexByte(lw.buf, '\n')
		if idx < 0 {
			break
		}
		if line := string(lw.buf[:idx]); line != "" {
			if zlog != nil {
				zlog.Debug().Str("model", lw.model).RawJSON("chunk", []byte(line)).Msg("event=chunk")
			} else {
				log.Printf("generate> %s %s", lw.model, line)
			}
		}
		lw.buf = lw.buf[idx+1:]
	}
	return len(p), nil
}

// logCall writes the start or end line of an inference call.
func logCall(r *http.Request, lvl LogLevel, msg, model string, status int, start time.Time, err error) {
	if lvl < LevelInfo && (err == nil || lvl < LevelError) {
		return
	}
	if zlog == nil {
		if status == 0 {
			log.Printf("%s path=%s model=%s", msg, r.URL.Path, model)
		} else {
			log.Printf("%s status=%d dur=%s err=%v", msg, status, time.Since(start), err)
		}
		return
	}
	z := zlog.Info().Str("path", r.URL.Path).Str("model", model)
	if err != nil {
		z = zlog.Warn().Str("path", r.URL.Path).Str("model", model).Err(err)
	}
	if status != 0 {
		z = z.Int("status", status).Dur("dur", time.Since(start))
	}
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		z = z.Str("request_id", rid)
	}
	z.Msg(msg)
}

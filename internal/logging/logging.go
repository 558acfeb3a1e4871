// Package logging builds the process logger and adapts it for libraries that
// take their own logger interface.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New returns a zerolog logger writing to w. Format "console" gives
// human-readable output; anything else is JSON. Unknown levels fall back to
// info.
func New(level, format string, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if strings.EqualFold(format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Leveled adapts a zerolog logger to the key/value interface used by
// go-retryablehttp.
type Leveled struct {
	L zerolog.Logger
}

func (l Leveled) Error(msg string, kv ...interface{}) { fields(l.L.Error(), kv).Msg(msg) }
func (l Leveled) Warn(msg string, kv ...interface{})  { fields(l.L.Warn(), kv).Msg(msg) }
func (l Leveled) Info(msg string, kv ...interface{})  { fields(l.L.Debug(), kv).Msg(msg) }
func (l Leveled) Debug(msg string, kv ...interface{}) { fields(l.L.Trace(), kv).Msg(msg) }

func fields(e *zerolog.Event, kv []interface{}) *zerolog.Event {
	for i := 0; i+1 < len(kv); i += 2 {
		e = e.Interface(fmt.Sprint(kv[i]), kv[i+1])
	}
	return e
}

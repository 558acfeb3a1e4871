package funnel

import (
	"context"
	"errors"
	"io"

	"fleetd/internal/errdefs"
	"fleetd/pkg/types"
)

// Relay forwards a streaming result to a remote caller one chunk at a time.
// It is addressed by its id, is not restartable, and leaves the funnel's
// table once exhausted or closed.
type Relay struct {
	ID     string
	stream streamSource
	f      *Funnel
}

type streamSource interface {
	Next(ctx context.Context) (types.Chunk, error)
	Close()
}

// OpenRelay registers a streaming result for remote pulls and returns its id.
func (f *Funnel) OpenRelay(res *Result) (string, error) {
	if res == nil || res.Stream == nil {
		return "", errdefs.InvalidArgument("relay requires a streaming result")
	}
	r := &Relay{ID: res.ID, stream: res.Stream, f: f}
	f.relays.Add(r.ID, r)
	return r.ID, nil
}

// Relay looks up an open relay.
func (f *Funnel) Relay(id string) (*Relay, error) {
	r, ok := f.relays.Get(id)
	if !ok {
		return nil, errdefs.NotFound("relay %s not found", id)
	}
	return r, nil
}

// CloseRelay abandons the stream behind id.
func (f *Funnel) CloseRelay(id string) error {
	if !f.relays.Remove(id) {
		return errdefs.NotFound("relay %s not found", id)
	}
	return nil
}

// RelayCount reports open relays.
func (f *Funnel) RelayCount() int { return f.relays.Len() }

// Next returns the next chunk. done is true, with no chunk, once the stream
// has ended. Any terminal outcome removes the relay.
func (r *Relay) Next(ctx context.Context) (c types.Chunk, done bool, err error) {
	c, err = r.stream.Next(ctx)
	switch {
	case err == nil:
		return c, false, nil
	case errors.Is(err, io.EOF):
		r.f.relays.Remove(r.ID)
		return types.Chunk{}, true, nil
	default:
		r.f.relays.Remove(r.ID)
		return types.Chunk{}, false, err
	}
}

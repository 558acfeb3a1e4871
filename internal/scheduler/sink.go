package scheduler

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/gammazero/deque"

	"fleetd/pkg/types"
)

// Sink receives the output of one request. Only the scheduler writes to a
// sink; only the original caller reads from it.
type Sink interface {
	// Streaming reports whether intermediate chunks are delivered.
	Streaming() bool
	// Abandoned reports whether the caller lost interest.
	Abandoned() bool

	push(c types.Chunk)
	resolve(last types.Chunk)
	fail(err error)
}

// Promise is the single-value sink used by non-streaming calls. It is
// resolved exactly once.
type Promise struct {
	once      sync.Once
	done      chan struct{}
	val       types.Chunk
	err       error
	abandoned atomic.Bool
}

func NewPromise() *Promise { return &Promise{done: make(chan struct{})} }

func (p *Promise) Streaming() bool { return false }
func (p *Promise) Abandoned() bool { return p.abandoned.Load() }

// Wait blocks until the promise resolves or ctx ends. A cancelled wait
// abandons the promise.
func (p *Promise) Wait(ctx context.Context) (types.Chunk, error) {
	select {
	case <-p.done:
		return p.val, p.err
	case <-ctx.Done():
		p.abandoned.Store(true)
		return types.Chunk{}, ctx.Err()
	}
}

// Done is closed once the promise has resolved.
func (p *Promise) Done() <-chan struct{} { return p.done }

// Cancel abandons the promise.
func (p *Promise) Cancel() { p.abandoned.Store(true) }

func (p *Promise) push(types.Chunk) {}

func (p *Promise) resolve(last types.Chunk) {
	p.once.Do(func() {
		p.val = last
		close(p.done)
	})
}

func (p *Promise) fail(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// Stream is the unbounded, ordered sink used by streaming calls. Next returns
// io.EOF once after the last chunk, or the error the stream failed with.
type Stream struct {
	mu        sync.Mutex
	buf       deque.Deque[types.Chunk]
	ended     bool
	err       error
	notify    chan struct{}
	abandoned atomic.Bool
}

func NewStream() *Stream { return &Stream{notify: make(chan struct{}, 1)} }

func (s *Stream) Streaming() bool { return true }
func (s *Stream) Abandoned() bool { return s.abandoned.Load() }

// Next returns the next chunk in production order.
func (s *Stream) Next(ctx context.Context) (types.Chunk, error) {
	for {
		s.mu.Lock()
		if s.buf.Len() > 0 {
			c := s.buf.PopFront()
			s.mu.Unlock()
			return c, nil
		}
		if s.ended {
			err := s.err
			s.mu.Unlock()
			return types.Chunk{}, err
		}
		s.mu.Unlock()
		select {
		case <-s.notify:
		case <-ctx.Done():
			s.abandoned.Store(true)
			return types.Chunk{}, ctx.Err()
		}
	}
}

// Close abandons the stream. Buffered chunks are discarded.
func (s *Stream) Close() {
	s.abandoned.Store(true)
	s.mu.Lock()
	s.buf.Clear()
	s.mu.Unlock()
}

func (s *Stream) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Stream) push(c types.Chunk) {
	s.mu.Lock()
	if !s.ended && !s.abandoned.Load() {
		s.buf.PushBack(c)
	}
	s.mu.Unlock()
	s.signal()
}

func (s *Stream) resolve(types.Chunk) { s.end(io.EOF) }

func (s *Stream) fail(err error) { s.end(err) }

func (s *Stream) end(err error) {
	s.mu.Lock()
	if !s.ended {
		s.ended = true
		s.err = err
	}
	s.mu.Unlock()
	s.signal()
}

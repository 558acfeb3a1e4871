// Package scheduler implements continuous batching over one backend instance.
//
// Each step drains the whole waiting queue and then the whole running queue
// into one work list, hands it to the backend, and then delivers new chunks
// and terminal signals to each request's sink. Requests that did not stop go
// back to the running queue. The scheduler is the only caller of the
// backend's BatchInference.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/rs/zerolog"

	"fleetd/internal/backend"
	"fleetd/internal/errdefs"
	"fleetd/pkg/types"
)

// DefaultTick is the idle delay between polls of an empty work list.
const DefaultTick = 100 * time.Millisecond

// Config configures a Scheduler.
type Config struct {
	// Model labels logs and metrics.
	Model  string
	Tick   time.Duration
	Logger zerolog.Logger
}

type entry struct {
	req  *backend.Request
	sink Sink
	// delivered counts completion chunks already pushed to a streaming sink.
	delivered int
}

// Scheduler owns the waiting and running queues of one model instance.
type Scheduler struct {
	be   backend.Backend
	cfg  Config
	log  zerolog.Logger
	wake chan struct{}

	mu      sync.Mutex
	waiting deque.Deque[*entry]
	running deque.Deque[*entry]
	closed  bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a scheduler bound to be. Call Start to run its step loop.
func New(be backend.Backend, cfg Config) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	return &Scheduler{
		be:   be,
		cfg:  cfg,
		log:  cfg.Logger.With().Str("model", cfg.Model).Logger(),
		wake: make(chan struct{}, 1),
	}
}

// Submit enqueues r at the back of the waiting queue. It never blocks on
// inference.
func (s *Scheduler) Submit(r *backend.Request, sink Sink) error {
	if r == nil || sink == nil {
		return errdefs.InvalidArgument("nil request or sink")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errdefs.InferenceFailure(nil, "model %s terminated", s.cfg.Model)
	}
	s.waiting.PushBack(&entry{req: r, sink: sink})
	n := s.waiting.Len()
	s.mu.Unlock()
	queueDepth.WithLabelValues(s.cfg.Model, "waiting").Set(float64(n))
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of queued requests.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiting.Len() + s.running.Len()
}

// Start runs the step loop in a goroutine until Stop.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		s.Run(ctx)
	}()
}

// Stop ends the step loop started by Start and fails every pending sink. A
// step in progress completes first.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		s.shutdown()
		return
	}
	s.cancel()
	<-s.done
}

// Run executes steps until ctx ends, then fails every pending sink.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(s.cfg.Tick)
	defer timer.Stop()
	for {
		if ctx.Err() != nil {
			s.shutdown()
			return
		}
		batch := s.drain()
		if len(batch) > 0 {
			s.step(ctx, batch)
			continue
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.cfg.Tick)
		select {
		case <-ctx.Done():
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// drain empties both queues into one work list, waiting entries first.
func (s *Scheduler) drain() []*entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*entry, 0, s.waiting.Len()+s.running.Len())
	for s.waiting.Len() > 0 {
		out = append(out, s.waiting.PopFront())
	}
	for s.running.Len() > 0 {
		out = append(out, s.running.PopFront())
	}
	return out
}

// step runs one backend call over batch and settles each entry.
func (s *Scheduler) step(ctx context.Context, batch []*entry) {
	live := batch[:0]
	for _, e := range batch {
		if e.sink.Abandoned() {
			s.release(e.req)
			s.log.Debug().Str("request", e.req.ID).Msg("event=request_abandoned")
			continue
		}
		live = append(live, e)
	}
	if len(live) == 0 {
		return
	}
	reqs := make([]*backend.Request, len(live))
	for i, e := range live {
		reqs[i] = e.req
	}

	stepsTotal.WithLabelValues(s.cfg.Model).Inc()
	batchSize.WithLabelValues(s.cfg.Model).Observe(float64(len(reqs)))
	if err := s.infer(ctx, reqs); err != nil {
		stepFailuresTotal.WithLabelValues(s.cfg.Model).Inc()
		s.log.Error().Err(err).Int("batch", len(reqs)).Msg("event=batch_failed")
		ferr := errdefs.InferenceFailure(err, "batch step failed")
		for _, e := range live {
			s.release(e.req)
			e.sink.fail(ferr)
		}
		s.setDepth()
		return
	}

	var keep []*entry
	for _, e := range live {
		if s.settle(e) {
			keep = append(keep, e)
		}
	}
	s.mu.Lock()
	for _, e := range keep {
		s.running.PushBack(e)
	}
	s.mu.Unlock()
	s.setDepth()
}

// settle delivers the entry's new output and reports whether it keeps running.
func (s *Scheduler) settle(e *entry) bool {
	r := e.req
	if r.Err != nil {
		s.release(r)
		err := r.Err
		if !errdefs.IsInferenceFailure(err) {
			err = errdefs.InferenceFailure(err, "request %s failed", r.ID)
		}
		e.sink.fail(err)
		return false
	}
	if !r.Stopped && r.ReachedMaxTokens() {
		s.release(r)
		r.Finish("length", 0)
	}
	if e.sink.Streaming() {
		for _, c := range r.Completion[e.delivered:] {
			e.sink.push(c)
		}
		e.delivered = len(r.Completion)
	}
	if !r.Stopped {
		return true
	}
	e.sink.resolve(lastChunk(r))
	return false
}

func (s *Scheduler) infer(ctx context.Context, reqs []*backend.Request) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("backend panic: %v", p)
		}
	}()
	return s.be.BatchInference(ctx, reqs)
}

func (s *Scheduler) release(r *backend.Request) {
	if rel, ok := s.be.(backend.Releaser); ok && !r.Stopped {
		rel.Release(r)
	}
}

func (s *Scheduler) shutdown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	pending := s.drain()
	if len(pending) > 0 {
		s.log.Info().Int("pending", len(pending)).Msg("event=scheduler_stopped")
	}
	err := errdefs.InferenceFailure(nil, "model %s terminated", s.cfg.Model)
	for _, e := range pending {
		s.release(e.req)
		e.sink.fail(err)
	}
	s.setDepth()
}

func (s *Scheduler) setDepth() {
	s.mu.Lock()
	w, r := s.waiting.Len(), s.running.Len()
	s.mu.Unlock()
	queueDepth.WithLabelValues(s.cfg.Model, "waiting").Set(float64(w))
	queueDepth.WithLabelValues(s.cfg.Model, "running").Set(float64(r))
}

func lastChunk(r *backend.Request) types.Chunk {
	if n := len(r.Completion); n > 0 {
		return r.Completion[n-1]
	}
	return types.Chunk{ID: r.ID, Model: r.Model}
}

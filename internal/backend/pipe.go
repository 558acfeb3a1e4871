package backend

import (
	"context"
	"errors"
	"time"

	"fleetd/internal/errdefs"
	"fleetd/pkg/types"
)

// GenerateFunc runs one blocking completion, calling onToken for each produced
// fragment. It returns the finish reason reported by the runtime.
type GenerateFunc func(ctx context.Context, prompt string, opts types.GenerateOptions, onToken func(string) error) (string, error)

// Pipe adapts a blocking, token-callback runtime to step-wise batch
// inference. Each request gets a producer goroutine on its first step; later
// steps drain whatever tokens the producer has pushed since.
type Pipe struct {
	Generate GenerateFunc
	Style    *types.PromptStyle
	// StepWait bounds how long one step waits for the first token of each
	// request. The deadline is shared by the whole batch.
	StepWait time.Duration
	// MaxPerStep caps the tokens taken from one request in a single step.
	MaxPerStep int
}

type pipeState struct {
	cancel context.CancelFunc
	tokens chan string
	// finish and err are written before tokens is closed.
	finish string
	err    error
}

const (
	defaultStepWait   = 50 * time.Millisecond
	defaultMaxPerStep = 16
)

// Step advances every request in reqs by draining its producer.
func (p *Pipe) Step(ctx context.Context, reqs []*Request) error {
	if p.Generate == nil {
		return errors.New("pipe: no generate function")
	}
	wait := p.StepWait
	if wait <= 0 {
		wait = defaultStepWait
	}
	deadline := time.Now().Add(wait)
	for _, r := range reqs {
		if r.Stopped {
			continue
		}
		if r.Stage == StagePrefill {
			r.FullPrompt = BuildPrompt(p.Style, r)
			r.State = p.start(r)
			r.Stage = StageDecode
		}
		st, ok := r.State.(*pipeState)
		if !ok {
			r.Err = errors.New("pipe: unexpected continuation state")
			r.Stopped = true
			continue
		}
		p.drain(ctx, r, st, deadline)
	}
	return ctx.Err()
}

// Release cancels the producer behind r.
func (p *Pipe) Release(r *Request) {
	if st, ok := r.State.(*pipeState); ok {
		st.cancel()
	}
}

func (p *Pipe) start(r *Request) *pipeState {
	ctx, cancel := context.WithCancel(context.Background())
	st := &pipeState{cancel: cancel, tokens: make(chan string, 64)}
	prompt, opts := r.FullPrompt, r.Options
	go func() {
		defer close(st.tokens)
		st.finish, st.err = p.Generate(ctx, prompt, opts, func(tok string) error {
			select {
			case st.tokens <- tok:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()
	return st
}

func (p *Pipe) drain(ctx context.Context, r *Request, st *pipeState, deadline time.Time) {
	limit := p.MaxPerStep
	if limit <= 0 {
		limit = defaultMaxPerStep
	}
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	for got := 0; got < limit; got++ {
		var tok string
		var open bool
		if got == 0 {
			select {
			case tok, open = <-st.tokens:
			case <-timer.C:
				return
			case <-ctx.Done():
				return
			}
		} else {
			select {
			case tok, open = <-st.tokens:
			default:
				return
			}
		}
		if !open {
			p.complete(r, st)
			return
		}
		r.Tokens = append(r.Tokens, tok)
		if r.Options.Stream {
			r.Emit(tok, "", nil)
		}
		switch {
		case hitStop(r.Text(), r.Options.Stop):
			st.cancel()
			r.Finish("stop", 0)
			return
		case r.ReachedMaxTokens():
			st.cancel()
			r.Finish("length", 0)
			return
		}
	}
}

func (p *Pipe) complete(r *Request, st *pipeState) {
	st.cancel()
	if st.err != nil && !errors.Is(st.err, context.Canceled) {
		r.Err = errdefs.InferenceFailure(st.err, "generation failed")
		r.Stopped = true
		return
	}
	reason := st.finish
	if reason == "" {
		reason = "stop"
	}
	r.Finish(reason, 0)
}

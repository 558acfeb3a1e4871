// Package funnel wraps one loaded backend with its batch scheduler. Calls
// return a result immediately; inference happens on the scheduler's step
// loop.
package funnel

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"fleetd/internal/backend"
	"fleetd/internal/errdefs"
	"fleetd/internal/handle"
	"fleetd/internal/scheduler"
	"fleetd/pkg/types"
)

// DefaultRelayCapacity bounds the number of open relays per funnel. The
// least recently pulled relay is closed when the table overflows.
const DefaultRelayCapacity = 1024

// Config configures a Funnel.
type Config struct {
	Tick          time.Duration
	RelayCapacity int
	Logger        zerolog.Logger
}

// Funnel is the entry point for inference against one model instance.
type Funnel struct {
	handle string
	be     backend.Backend
	sched  *scheduler.Scheduler
	relays *lru.Cache[string, *Relay]
	log    zerolog.Logger
}

// New wraps be. The scheduler is not running until Start.
func New(h string, be backend.Backend, cfg Config) (*Funnel, error) {
	size := cfg.RelayCapacity
	if size <= 0 {
		size = DefaultRelayCapacity
	}
	relays, err := lru.NewWithEvict[string, *Relay](size, func(_ string, r *Relay) {
		r.stream.Close()
	})
	if err != nil {
		return nil, err
	}
	log := cfg.Logger.With().Str("handle", h).Logger()
	return &Funnel{
		handle: h,
		be:     be,
		sched:  scheduler.New(be, scheduler.Config{Model: h, Tick: cfg.Tick, Logger: log}),
		relays: relays,
		log:    log,
	}, nil
}

func (f *Funnel) Handle() string                  { return f.handle }
func (f *Funnel) Abilities() []types.Ability      { return f.be.Abilities() }
func (f *Funnel) Pending() int                    { return f.sched.Pending() }
func (f *Funnel) HasAbility(a types.Ability) bool { return backend.HasAbility(f.be, a) }

// Start runs the step loop.
func (f *Funnel) Start() { f.sched.Start() }

// Stop ends the step loop, fails pending calls and closes every relay.
func (f *Funnel) Stop() {
	f.sched.Stop()
	f.relays.Purge()
}

// Result is the caller side of one call. Exactly one of Promise and Stream
// is set, depending on the stream option.
type Result struct {
	ID      string
	Promise *scheduler.Promise
	Stream  *scheduler.Stream
}

func (r *Result) Streaming() bool { return r.Stream != nil }

// Close abandons the call. The scheduler drops it at the next step boundary.
func (r *Result) Close() {
	if r.Stream != nil {
		r.Stream.Close()
	} else if r.Promise != nil {
		r.Promise.Cancel()
	}
}

// Generate submits a completion for prompt.
func (f *Funnel) Generate(prompt string, opts types.GenerateOptions) (*Result, error) {
	if !f.HasAbility(types.AbilityGenerate) {
		return nil, errdefs.Unsupported("model %s does not support generate", f.handle)
	}
	if err := validate(prompt, nil, opts); err != nil {
		return nil, err
	}
	return f.submit(&backend.Request{Ability: types.AbilityGenerate, Prompt: prompt, Options: opts})
}

// Chat submits a chat turn with optional system prompt and history.
func (f *Funnel) Chat(prompt, systemPrompt string, history []types.ChatMessage, opts types.GenerateOptions) (*Result, error) {
	if !f.HasAbility(types.AbilityChat) {
		return nil, errdefs.Unsupported("model %s does not support chat", f.handle)
	}
	if err := validate(prompt, history, opts); err != nil {
		return nil, err
	}
	return f.submit(&backend.Request{
		Ability:      types.AbilityChat,
		Prompt:       prompt,
		SystemPrompt: systemPrompt,
		History:      history,
		Options:      opts,
	})
}

func (f *Funnel) submit(r *backend.Request) (*Result, error) {
	r.ID = handle.New()
	r.Model = f.handle
	res := &Result{ID: r.ID}
	var sink scheduler.Sink
	if r.Options.Stream {
		res.Stream = scheduler.NewStream()
		sink = res.Stream
	} else {
		res.Promise = scheduler.NewPromise()
		sink = res.Promise
	}
	if err := f.sched.Submit(r, sink); err != nil {
		return nil, err
	}
	f.log.Debug().Str("request", r.ID).Str("ability", string(r.Ability)).Bool("stream", r.Options.Stream).Msg("event=submitted")
	return res, nil
}

func validate(prompt string, history []types.ChatMessage, o types.GenerateOptions) error {
	switch {
	case prompt == "":
		return errdefs.InvalidArgument("prompt is required")
	case o.MaxTokens < 0:
		return errdefs.InvalidArgument("max_tokens must be >= 0")
	case o.Temperature < 0:
		return errdefs.InvalidArgument("temperature must be >= 0")
	case o.TopP < 0 || o.TopP > 1:
		return errdefs.InvalidArgument("top_p must be within [0, 1]")
	case o.TopK < 0:
		return errdefs.InvalidArgument("top_k must be >= 0")
	case o.RepeatPenalty < 0:
		return errdefs.InvalidArgument("repeat_penalty must be >= 0")
	}
	for i, m := range history {
		switch m.Role {
		case types.RoleSystem, types.RoleUser, types.RoleAssistant:
		default:
			return errdefs.InvalidArgument("chat_history[%d]: unknown role %q", i, m.Role)
		}
	}
	return nil
}

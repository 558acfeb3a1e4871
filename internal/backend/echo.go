package backend

import (
	"context"
	"errors"
	"strings"
	"time"

	"fleetd/pkg/types"
)

// KindEcho is the deterministic built-in backend. It answers with the words of
// the prompt, one word per step, which makes batching behavior observable
// without model weights.
const KindEcho = "echo"

func init() { Register(KindEcho, NewEcho) }

type echoState struct {
	words        []string
	promptTokens int
}

type echoBackend struct {
	abilities []types.Ability
	style     *types.PromptStyle
	stepDelay time.Duration
	loaded    bool
}

// NewEcho builds an echo backend. Args: "step_delay_ms" slows each batch step.
func NewEcho(p Params) (Backend, error) {
	return &echoBackend{
		abilities: defaultAbilities(p.Abilities),
		style:     p.PromptStyle,
		stepDelay: time.Duration(argInt(p.Args, "step_delay_ms", 0)) * time.Millisecond,
	}, nil
}

func (e *echoBackend) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.loaded = true
	return nil
}

func (e *echoBackend) Unload() error {
	e.loaded = false
	return nil
}

func (e *echoBackend) Abilities() []types.Ability { return e.abilities }

func (e *echoBackend) BatchInference(ctx context.Context, reqs []*Request) error {
	if !e.loaded {
		return errors.New("echo backend not loaded")
	}
	if e.stepDelay > 0 {
		select {
		case <-time.After(e.stepDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, r := range reqs {
		if r.Stopped {
			continue
		}
		if r.Stage == StagePrefill {
			r.FullPrompt = BuildPrompt(e.style, r)
			r.State = &echoState{
				words:        strings.Fields(r.Prompt),
				promptTokens: len(strings.Fields(r.FullPrompt)),
			}
			r.Stage = StageDecode
		}
		st, ok := r.State.(*echoState)
		if !ok {
			r.Err = errors.New("echo: unexpected continuation state")
			r.Stopped = true
			continue
		}
		if len(r.Tokens) < len(st.words) {
			tok := st.words[len(r.Tokens)]
			if len(r.Tokens) > 0 {
				tok = " " + tok
			}
			r.Tokens = append(r.Tokens, tok)
			if r.Options.Stream {
				r.Emit(tok, "", nil)
			}
		}
		switch {
		case hitStop(r.Text(), r.Options.Stop):
			r.Finish("stop", st.promptTokens)
		case r.ReachedMaxTokens():
			r.Finish("length", st.promptTokens)
		case len(r.Tokens) >= len(st.words):
			r.Finish("stop", st.promptTokens)
		}
	}
	return nil
}

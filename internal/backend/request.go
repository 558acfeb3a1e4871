package backend

import (
	"strings"

	"fleetd/pkg/types"
)

// Stage is the decoding phase of a request.
type Stage int

const (
	// StagePrefill is the first step, which consumes the whole prompt.
	StagePrefill Stage = iota
	// StageDecode steps each produce more output.
	StageDecode
)

func (s Stage) String() string {
	if s == StagePrefill {
		return "prefill"
	}
	return "decode"
}

// Request is the per-call inference record. Between steps only the scheduler
// touches it; during a step only the backend does.
type Request struct {
	ID string
	// Model is the handle reported on emitted chunks.
	Model   string
	Ability types.Ability

	Prompt       string
	FullPrompt   string
	SystemPrompt string
	History      []types.ChatMessage
	Options      types.GenerateOptions

	// Tokens produced so far.
	Tokens []string
	// State is backend-owned continuation state. The scheduler never reads it.
	State any
	Stage Stage

	Stopped bool
	// Completion accumulates emitted chunks in production order.
	Completion []types.Chunk
	// Err, when set by the backend, fails this request alone.
	Err error
}

// Emit appends an output chunk.
func (r *Request) Emit(text, finishReason string, usage *types.Usage) {
	r.Completion = append(r.Completion, types.Chunk{
		ID:           r.ID,
		Model:        r.Model,
		Index:        len(r.Completion),
		Text:         text,
		FinishReason: finishReason,
		Usage:        usage,
	})
}

// Text joins the produced tokens.
func (r *Request) Text() string { return strings.Join(r.Tokens, "") }

// ReachedMaxTokens reports whether the caller's token budget is spent.
func (r *Request) ReachedMaxTokens() bool {
	return r.Options.MaxTokens > 0 && len(r.Tokens) >= r.Options.MaxTokens
}

// Finish stops the request. Non-streaming requests get a single chunk with the
// whole completion; streaming requests get the finish reason on an empty
// closing chunk.
func (r *Request) Finish(finishReason string, promptTokens int) {
	usage := &types.Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: len(r.Tokens),
		TotalTokens:      promptTokens + len(r.Tokens),
	}
	if r.Options.Stream {
		r.Emit("", finishReason, usage)
	} else {
		r.Emit(r.Text(), finishReason, usage)
	}
	r.Stopped = true
}

// hitStop reports whether text ends with one of the stop sequences.
func hitStop(text string, stops []string) bool {
	for _, s := range stops {
		if s != "" && strings.HasSuffix(text, s) {
			return true
		}
	}
	return false
}

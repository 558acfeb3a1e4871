//go:build llama

package backend

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"

	"fleetd/internal/errdefs"
	"fleetd/pkg/types"
)

// LlamaBuilt reports whether this binary links llama.cpp.
const LlamaBuilt = true

type llamaBackend struct {
	path    string
	ctxSize int
	threads int
	gpu     int
	device  *int

	abilities []types.Ability
	pipe      Pipe

	// mu serializes Predict; the model and its token callback are shared.
	mu    sync.Mutex
	model *llama.LLama
}

// NewLlama builds an in-process llama.cpp backend. Args: "ctx_size",
// "threads", "gpu_layers".
func NewLlama(p Params) (Backend, error) {
	path := p.Description.Path
	if path == "" {
		path = p.Spec.Path
	}
	if strings.TrimSpace(path) == "" {
		return nil, errdefs.InvalidArgument("model %s has no path", p.Description.Name)
	}
	b := &llamaBackend{
		path:      path,
		ctxSize:   argInt(p.Args, "ctx_size", 2048),
		threads:   argInt(p.Args, "threads", 4),
		gpu:       argInt(p.Args, "gpu_layers", 0),
		device:    p.Device,
		abilities: defaultAbilities(p.Abilities),
	}
	b.pipe = Pipe{Generate: b.generate, Style: p.PromptStyle}
	return b, nil
}

func (b *llamaBackend) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mo := []llama.ModelOption{llama.SetContext(b.ctxSize)}
	if b.device != nil {
		layers := b.gpu
		if layers == 0 {
			layers = 999
		}
		mo = append(mo, llama.SetGPULayers(layers), llama.SetMainGPU(strconv.Itoa(*b.device)))
	}
	m, err := llama.New(b.path, mo...)
	if err != nil {
		return errdefs.BackendLoad(err, "llama load %s", b.path)
	}
	b.mu.Lock()
	b.model = m
	b.mu.Unlock()
	return nil
}

func (b *llamaBackend) Unload() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.model != nil {
		b.model.Free()
		b.model = nil
	}
	return nil
}

func (b *llamaBackend) Abilities() []types.Ability { return b.abilities }

func (b *llamaBackend) BatchInference(ctx context.Context, reqs []*Request) error {
	return b.pipe.Step(ctx, reqs)
}

func (b *llamaBackend) Release(r *Request) { b.pipe.Release(r) }

func (b *llamaBackend) generate(ctx context.Context, prompt string, opts types.GenerateOptions, onToken func(string) error) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.model == nil {
		return "", errors.New("llama model not loaded")
	}
	b.model.SetTokenCallback(func(tok string) bool {
		if ctx.Err() != nil {
			return false
		}
		return onToken(tok) == nil
	})
	_, err := b.model.Predict(prompt, predictOptions(opts, b.threads)...)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	return "stop", nil
}

func zn(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func zf(v float64, def float32) float32 {
	if v > 0 {
		return float32(v)
	}
	return def
}

func predictOptions(o types.GenerateOptions, threads int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(zn(o.MaxTokens, 512)),
		llama.SetThreads(zn(threads, 1)),
		llama.SetTopP(zf(o.TopP, llama.DefaultOptions.TopP)),
		llama.SetTopK(zn(o.TopK, llama.DefaultOptions.TopK)),
		llama.SetTemperature(zf(o.Temperature, llama.DefaultOptions.Temperature)),
		llama.SetPenalty(zf(o.RepeatPenalty, llama.DefaultOptions.Penalty)),
	}
	if o.Seed != 0 {
		po = append(po, llama.SetSeed(int(o.Seed)))
	}
	if len(o.Stop) > 0 {
		po = append(po, llama.SetStopWords(o.Stop...))
	}
	return po
}

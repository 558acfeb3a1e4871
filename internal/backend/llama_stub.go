//go:build !llama

package backend

import (
	"errors"

	"fleetd/internal/errdefs"
)

// LlamaBuilt reports whether this binary links llama.cpp.
const LlamaBuilt = false

// NewLlama fails in builds without the llama tag.
func NewLlama(p Params) (Backend, error) {
	return nil, errdefs.BackendLoad(errors.New("missing 'llama' build tag"), "llama support not built")
}

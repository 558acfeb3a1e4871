// Package backend defines the narrow contract between a loaded model instance
// and the scheduler that drives it, plus the built-in backend kinds.
//
// A Backend is not reentrant: the scheduler that owns it is its only caller
// and never invokes BatchInference concurrently.
package backend

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"fleetd/internal/errdefs"
	"fleetd/pkg/types"
)

// Backend is a loadable model runtime that processes batches of requests.
type Backend interface {
	// Load prepares the model for inference.
	Load(ctx context.Context) error
	// BatchInference advances every request by one step. The backend is the
	// sole mutator of each request's tokens, state, stage, stop flag and
	// completion during the call. A returned error aborts the whole step.
	BatchInference(ctx context.Context, reqs []*Request) error
	// Unload releases the model.
	Unload() error
	// Abilities lists the entry points this backend supports.
	Abilities() []types.Ability
}

// Releaser is implemented by backends that hold per-request resources in
// Request.State. The scheduler calls Release when it drops a request that the
// backend did not stop itself.
type Releaser interface {
	Release(r *Request)
}

// Params carries everything a constructor needs to build a backend.
type Params struct {
	Description types.ModelDescription
	Spec        types.ModelSpec
	PromptStyle *types.PromptStyle
	Abilities   []types.Ability
	// Device is the device slot chosen by the node agent; nil on CPU.
	Device *int
	Args   map[string]string
	Logger zerolog.Logger
}

// Constructor builds a backend bound to the device in p.
type Constructor func(p Params) (Backend, error)

// Built-in kinds besides echo.
const (
	KindLlama       = "llama"
	KindLlamaServer = "llama-server"
)

func init() {
	Register(KindLlama, NewLlama)
	Register(KindLlamaServer, NewLlamaServer)
}

var (
	ctorMu sync.RWMutex
	ctors  = map[string]Constructor{}
)

// Register installs a constructor for a backend kind.
func Register(kind string, c Constructor) {
	ctorMu.Lock()
	defer ctorMu.Unlock()
	ctors[kind] = c
}

// Lookup returns the constructor registered for kind.
func Lookup(kind string) (Constructor, error) {
	ctorMu.RLock()
	defer ctorMu.RUnlock()
	c, ok := ctors[kind]
	if !ok {
		return nil, errdefs.NotFound("backend kind not registered: %s (known: %s)", kind, strings.Join(kinds(), ", "))
	}
	return c, nil
}

// Kinds lists registered backend kinds.
func Kinds() []string {
	ctorMu.RLock()
	defer ctorMu.RUnlock()
	return kinds()
}

// kinds requires ctorMu.
func kinds() []string {
	out := make([]string, 0, len(ctors))
	for k := range ctors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// HasAbility reports whether b supports a.
func HasAbility(b Backend, a types.Ability) bool {
	for _, x := range b.Abilities() {
		if x == a {
			return true
		}
	}
	return false
}

func defaultAbilities(a []types.Ability) []types.Ability {
	if len(a) == 0 {
		return []types.Ability{types.AbilityGenerate, types.AbilityChat}
	}
	return a
}

func argInt(args map[string]string, key string, def int) int {
	v, ok := args[key]
	if !ok || v == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n <= 0 {
		return def
	}
	return n
}

// Package registry is the model catalog: it resolves a launch request to a
// model family, one of its artifact specs and a quantization.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"fleetd/internal/backend"
	"fleetd/internal/common/fsutil"
	"fleetd/internal/errdefs"
	"fleetd/internal/handle"
	"fleetd/pkg/types"
)

// QuantPlaceholder in a spec path is replaced by the chosen quantization.
const QuantPlaceholder = "{quantization}"

// Options configures a Catalog.
type Options struct {
	// PersistDir holds one JSON file per persisted registration. Empty
	// disables persistence.
	PersistDir string
	Logger     zerolog.Logger
}

// Catalog holds model families. It is safe for concurrent use.
type Catalog struct {
	opts Options
	log  zerolog.Logger

	mu       sync.RWMutex
	families map[string]types.ModelFamily
	order    []string
	// custom marks families added through Register.
	custom map[string]bool
}

// New returns an empty catalog.
func New(opts Options) *Catalog {
	return &Catalog{
		opts:     opts,
		log:      opts.Logger.With().Str("component", "registry").Logger(),
		families: map[string]types.ModelFamily{},
		custom:   map[string]bool{},
	}
}

// Builtin returns the families every catalog starts with.
func Builtin() []types.ModelFamily {
	return []types.ModelFamily{{
		Name:        "echo",
		Description: "Deterministic echo model for smoke tests.",
		Abilities:   []types.Ability{types.AbilityGenerate, types.AbilityChat},
		Specs: []types.ModelSpec{{
			Format:         "text",
			SizeInBillions: 1,
			Quantizations:  []string{"none"},
			Backend:        backend.KindEcho,
		}},
	}}
}

// Add installs a built-in family.
func (c *Catalog) Add(f types.ModelFamily) error {
	if err := validateFamily(f); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addLocked(f, false)
}

func (c *Catalog) addLocked(f types.ModelFamily, custom bool) error {
	if _, ok := c.families[f.Name]; ok {
		return errdefs.AlreadyExists("model family %s already registered", f.Name)
	}
	c.families[f.Name] = f
	c.order = append(c.order, f.Name)
	if custom {
		c.custom[f.Name] = true
	}
	return nil
}

// Families lists families in insertion order.
func (c *Catalog) Families() []types.ModelFamily {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.ModelFamily, 0, len(c.order))
	for _, n := range c.order {
		out = append(out, c.families[n])
	}
	return out
}

// Family returns the named family.
func (c *Catalog) Family(name string) (types.ModelFamily, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.families[name]
	if !ok {
		return types.ModelFamily{}, errdefs.NotFound("model %s not found", name)
	}
	return f, nil
}

// Match finds the first spec of the named family compatible with s. A zero
// criterion matches anything; the default quantization is the spec's first.
func (c *Catalog) Match(s types.LaunchSpec) (types.ModelFamily, types.ModelSpec, string, error) {
	f, err := c.Family(s.Name)
	if err != nil {
		return f, types.ModelSpec{}, "", err
	}
	for _, spec := range f.Specs {
		if s.Format != "" && s.Format != spec.Format {
			continue
		}
		if s.SizeInBillions != 0 && s.SizeInBillions != spec.SizeInBillions {
			continue
		}
		if s.Quantization != "" && !contains(spec.Quantizations, s.Quantization) {
			continue
		}
		q := s.Quantization
		if q == "" {
			q = spec.Quantizations[0]
		}
		return f, spec, q, nil
	}
	return f, types.ModelSpec{}, "", errdefs.NotFound("no spec of %s matches size=%d format=%q quantization=%q",
		s.Name, s.SizeInBillions, s.Format, s.Quantization)
}

// Resolve matches s and describes the resulting instance.
func (c *Catalog) Resolve(s types.LaunchSpec) (types.ModelDescription, types.ModelFamily, types.ModelSpec, error) {
	f, spec, q, err := c.Match(s)
	if err != nil {
		return types.ModelDescription{}, f, spec, err
	}
	return types.ModelDescription{
		Name:           f.Name,
		Format:         spec.Format,
		SizeInBillions: spec.SizeInBillions,
		Quantization:   q,
		Version:        Version(f.Name, spec, q),
		Backend:        spec.Backend,
		Path:           specPath(spec, q),
		Abilities:      f.Abilities,
	}, f, spec, nil
}

// Version formats a version identifier: <name>--<size>B--<format>--<quant>.
func Version(name string, spec types.ModelSpec, quant string) string {
	return fmt.Sprintf("%s--%dB--%s--%s", name, spec.SizeInBillions, spec.Format, quant)
}

// Versions lists every version of the named family with its local cache
// status.
func (c *Catalog) Versions(name string) ([]types.VersionReport, error) {
	f, err := c.Family(name)
	if err != nil {
		return nil, err
	}
	var out []types.VersionReport
	for _, spec := range f.Specs {
		for _, q := range spec.Quantizations {
			p := specPath(spec, q)
			cached := spec.Backend == backend.KindEcho || (p != "" && fsutil.PathExists(p))
			v := types.VersionReport{Version: Version(f.Name, spec, q), CacheStatus: cached}
			if cached {
				v.Path = p
			}
			out = append(out, v)
		}
	}
	return out, nil
}

// Register adds a user-defined family, optionally persisting it.
func (c *Catalog) Register(f types.ModelFamily, persist bool) error {
	if err := validateFamily(f); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.addLocked(f, true); err != nil {
		return err
	}
	if persist {
		if err := c.persist(f); err != nil {
			c.removeLocked(f.Name)
			return err
		}
	}
	c.log.Info().Str("model", f.Name).Bool("persist", persist).Msg("event=model_registered")
	return nil
}

// Unregister removes a user-defined family and its persisted file.
func (c *Catalog) Unregister(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.families[name]; !ok {
		return errdefs.NotFound("model %s not found", name)
	}
	if !c.custom[name] {
		return errdefs.InvalidArgument("model %s is built in and cannot be unregistered", name)
	}
	c.removeLocked(name)
	dir, err := fsutil.ExpandHome(c.opts.PersistDir)
	if err != nil {
		return err
	}
	if dir != "" {
		if err := os.Remove(filepath.Join(dir, name+".json")); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove registration: %w", err)
		}
	}
	c.log.Info().Str("model", name).Msg("event=model_unregistered")
	return nil
}

// IsCustom reports whether name was added through Register.
func (c *Catalog) IsCustom(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.custom[name]
}

func (c *Catalog) removeLocked(name string) {
	delete(c.families, name)
	delete(c.custom, name)
	for i, n := range c.order {
		if n == name {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *Catalog) persist(f types.ModelFamily) error {
	dir, err := fsutil.ExpandHome(c.opts.PersistDir)
	if err != nil || dir == "" {
		return err
	}
	b, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(dir, f.Name+".json"), b, 0o644); err != nil {
		return fmt.Errorf("persist registration: %w", err)
	}
	return nil
}

// LoadPersisted registers every family saved under PersistDir.
func (c *Catalog) LoadPersisted() error {
	dir, err := fsutil.ExpandHome(c.opts.PersistDir)
	if err != nil || dir == "" || !fsutil.PathExists(dir) {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read registrations: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, n := range names {
		b, err := os.ReadFile(filepath.Join(dir, n))
		if err != nil {
			return err
		}
		var f types.ModelFamily
		if err := json.Unmarshal(b, &f); err != nil {
			c.log.Warn().Err(err).Str("file", n).Msg("event=registration_invalid")
			continue
		}
		if err := validateFamily(f); err != nil {
			c.log.Warn().Err(err).Str("file", n).Msg("event=registration_invalid")
			continue
		}
		c.mu.Lock()
		err = c.addLocked(f, true)
		c.mu.Unlock()
		if err != nil {
			c.log.Warn().Err(err).Str("file", n).Msg("event=registration_skipped")
		}
	}
	return nil
}

func validateFamily(f types.ModelFamily) error {
	if err := handle.Validate(f.Name); err != nil {
		return errdefs.InvalidArgument("model_name: %v", err)
	}
	if len(f.Abilities) == 0 {
		return errdefs.InvalidArgument("model %s: model_ability is required", f.Name)
	}
	if len(f.Specs) == 0 {
		return errdefs.InvalidArgument("model %s: at least one model spec is required", f.Name)
	}
	for i, s := range f.Specs {
		if len(s.Quantizations) == 0 {
			return errdefs.InvalidArgument("model %s: spec %d has no quantizations", f.Name, i)
		}
		if s.Format == "" {
			return errdefs.InvalidArgument("model %s: spec %d has no model_format", f.Name, i)
		}
		if _, err := backend.Lookup(s.Backend); err != nil {
			return errdefs.InvalidArgument("model %s: spec %d: %v", f.Name, i, err)
		}
	}
	return nil
}

func specPath(s types.ModelSpec, quant string) string {
	return strings.ReplaceAll(s.Path, QuantPlaceholder, quant)
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

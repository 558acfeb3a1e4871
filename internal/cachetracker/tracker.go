// Package cachetracker aggregates, cluster-wide, which model versions are
// cached on which node.
package cachetracker

import (
	"sync"

	"github.com/rs/zerolog"

	"fleetd/internal/errdefs"
	"fleetd/pkg/types"
)

// Tracker is a synchronized model name -> version list aggregator. The first
// report for a name fixes its version count; later reports must match it.
type Tracker struct {
	log zerolog.Logger

	mu       sync.Mutex
	versions map[string][]types.VersionInfo
}

func New(log zerolog.Logger) *Tracker {
	return &Tracker{
		log:      log.With().Str("component", "cache_tracker").Logger(),
		versions: map[string][]types.VersionInfo{},
	}
}

// RecordVersions merges node's report for name. A report whose length
// differs from the stored list is logged and dropped.
func (t *Tracker) RecordVersions(name string, reports []types.VersionReport, node string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, seen := t.versions[name]
	if !seen {
		list := make([]types.VersionInfo, len(reports))
		for i, r := range reports {
			list[i] = types.VersionInfo{Version: r.Version, CacheStatus: r.CacheStatus}
			if r.CacheStatus {
				list[i].Locations = map[string]string{node: r.Path}
			}
		}
		t.versions[name] = list
		return nil
	}
	if len(cur) != len(reports) {
		t.log.Error().Str("model", name).Str("node", node).
			Int("stored", len(cur)).Int("reported", len(reports)).
			Msg("event=version_count_mismatch")
		return nil
	}
	for i, r := range reports {
		if !r.CacheStatus {
			continue
		}
		cur[i].CacheStatus = true
		setLocation(&cur[i], node, r.Path)
	}
	return nil
}

// UpdateCacheStatus marks version of name cached on node at path. An empty
// version selects the first record, for version-less model types.
func (t *Tracker) UpdateCacheStatus(node, name, version, path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.versions[name]
	if !ok {
		t.log.Warn().Str("model", name).Str("node", node).Msg("event=cache_status_unknown_model")
		return errdefs.NotFound("no version info recorded for %s", name)
	}
	for i := range cur {
		if version == "" && i > 0 {
			break
		}
		if version != "" && cur[i].Version != version {
			continue
		}
		cur[i].CacheStatus = true
		setLocation(&cur[i], node, path)
		return nil
	}
	if version == "" {
		return errdefs.NotFound("no versions recorded for %s", name)
	}
	return errdefs.NotFound("version %s of %s not recorded", version, name)
}

// Unregister drops everything tracked for name.
func (t *Tracker) Unregister(name string) {
	t.mu.Lock()
	delete(t.versions, name)
	t.mu.Unlock()
}

// Versions returns a copy of the version list for name; empty when unknown.
func (t *Tracker) Versions(name string) []types.VersionInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.versions[name]
	if !ok {
		t.log.Debug().Str("model", name).Msg("event=versions_unknown_model")
		return []types.VersionInfo{}
	}
	out := make([]types.VersionInfo, len(cur))
	for i, v := range cur {
		out[i] = clone(v)
	}
	return out
}

// VersionCount returns the number of versions recorded for name.
func (t *Tracker) VersionCount(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.versions[name])
}

// ListCached maps every tracked name to its cached versions. Names with no
// cached version map to an empty list.
func (t *Tracker) ListCached() map[string][]types.VersionInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string][]types.VersionInfo, len(t.versions))
	for name, list := range t.versions {
		cached := []types.VersionInfo{}
		for _, v := range list {
			if v.CacheStatus {
				cached = append(cached, clone(v))
			}
		}
		out[name] = cached
	}
	return out
}

func setLocation(v *types.VersionInfo, node, path string) {
	if v.Locations == nil {
		v.Locations = map[string]string{}
	}
	v.Locations[node] = path
}

func clone(v types.VersionInfo) types.VersionInfo {
	if v.Locations != nil {
		locs := make(map[string]string, len(v.Locations))
		for k, p := range v.Locations {
			locs[k] = p
		}
		v.Locations = locs
	}
	return v
}

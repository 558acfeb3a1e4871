package cachetracker

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetd/internal/errdefs"
	"fleetd/pkg/types"
)

func TestMergeAcrossNodes(t *testing.T) {
	tr := New(zerolog.Nop())
	require.NoError(t, tr.RecordVersions("m", []types.VersionReport{
		{Version: "v1"}, {Version: "v2"},
	}, "X"))
	require.NoError(t, tr.RecordVersions("m", []types.VersionReport{
		{Version: "v1", CacheStatus: true, Path: "/a"}, {Version: "v2"},
	}, "Y"))

	want := []types.VersionInfo{
		{Version: "v1", CacheStatus: true, Locations: map[string]string{"Y": "/a"}},
		{Version: "v2"},
	}
	if diff := cmp.Diff(want, tr.Versions("m")); diff != "" {
		t.Fatalf("merged view mismatch (-want +got):\n%s", diff)
	}
}

func TestFirstReportKeepsOnlyCachedLocations(t *testing.T) {
	tr := New(zerolog.Nop())
	require.NoError(t, tr.RecordVersions("m", []types.VersionReport{
		{Version: "v1", CacheStatus: true, Path: "/x"},
		{Version: "v2", Path: "/ignored"},
	}, "A"))
	vs := tr.Versions("m")
	assert.Equal(t, map[string]string{"A": "/x"}, vs[0].Locations)
	assert.Nil(t, vs[1].Locations)
}

func TestLengthMismatchIsDropped(t *testing.T) {
	tr := New(zerolog.Nop())
	require.NoError(t, tr.RecordVersions("m", []types.VersionReport{{Version: "v1"}}, "A"))
	err := tr.RecordVersions("m", []types.VersionReport{
		{Version: "v1", CacheStatus: true, Path: "/p"}, {Version: "v2"},
	}, "B")
	assert.NoError(t, err, "a mismatch is dropped, not reported back")
	assert.Equal(t, 1, tr.VersionCount("m"))
	assert.False(t, tr.Versions("m")[0].CacheStatus)
}

func TestUpdateCacheStatus(t *testing.T) {
	tr := New(zerolog.Nop())
	require.NoError(t, tr.RecordVersions("m", []types.VersionReport{{Version: "v1"}, {Version: "v2"}}, "A"))

	require.NoError(t, tr.UpdateCacheStatus("B", "m", "v2", "/b"))
	vs := tr.Versions("m")
	assert.False(t, vs[0].CacheStatus)
	assert.True(t, vs[1].CacheStatus)
	assert.Equal(t, map[string]string{"B": "/b"}, vs[1].Locations)

	require.NoError(t, tr.UpdateCacheStatus("C", "m", "", "/c"))
	vs = tr.Versions("m")
	assert.True(t, vs[0].CacheStatus)
	assert.Equal(t, map[string]string{"C": "/c"}, vs[0].Locations)

	assert.True(t, errdefs.IsNotFound(tr.UpdateCacheStatus("B", "m", "v9", "/x")))
	assert.True(t, errdefs.IsNotFound(tr.UpdateCacheStatus("B", "other", "", "/x")))
}

func TestUnregisterAndCounts(t *testing.T) {
	tr := New(zerolog.Nop())
	require.NoError(t, tr.RecordVersions("m", []types.VersionReport{{Version: "v1"}, {Version: "v2"}}, "A"))
	assert.Equal(t, 2, tr.VersionCount("m"))
	tr.Unregister("m")
	assert.Equal(t, 0, tr.VersionCount("m"))
	assert.Empty(t, tr.Versions("m"))
	assert.NotContains(t, tr.ListCached(), "m")
}

func TestListCached(t *testing.T) {
	tr := New(zerolog.Nop())
	require.NoError(t, tr.RecordVersions("a", []types.VersionReport{
		{Version: "a1", CacheStatus: true, Path: "/a1"}, {Version: "a2"},
	}, "N"))
	require.NoError(t, tr.RecordVersions("b", []types.VersionReport{{Version: "b1"}}, "N"))

	got := tr.ListCached()
	want := map[string][]types.VersionInfo{
		"a": {{Version: "a1", CacheStatus: true, Locations: map[string]string{"N": "/a1"}}},
		"b": {},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("list cached mismatch (-want +got):\n%s", diff)
	}
}

func TestVersionsReturnsCopy(t *testing.T) {
	tr := New(zerolog.Nop())
	require.NoError(t, tr.RecordVersions("m", []types.VersionReport{{Version: "v1", CacheStatus: true, Path: "/p"}}, "A"))
	vs := tr.Versions("m")
	vs[0].Locations["Z"] = "/z"
	assert.NotContains(t, tr.Versions("m")[0].Locations, "Z")
}

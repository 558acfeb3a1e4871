package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"fleetd/internal/errdefs"
	"fleetd/pkg/types"
)

func llamaFamily(path string) types.ModelFamily {
	return types.ModelFamily{
		Name:      "llama-2-chat",
		Abilities: []types.Ability{types.AbilityChat},
		Specs: []types.ModelSpec{
			{Format: "ggmlv3", SizeInBillions: 7, Quantizations: []string{"q2_K", "q4_0"}, Backend: "llama", Path: path},
			{Format: "ggmlv3", SizeInBillions: 13, Quantizations: []string{"q4_0"}, Backend: "llama", Path: path},
			{Format: "gguf", SizeInBillions: 7, Quantizations: []string{"q8_0"}, Backend: "llama-server", URL: "http://x"},
		},
	}
}

func newCatalog(t *testing.T, dir string) *Catalog {
	t.Helper()
	c := New(Options{PersistDir: dir, Logger: zerolog.Nop()})
	for _, f := range Builtin() {
		if err := c.Add(f); err != nil {
			t.Fatalf("add builtin: %v", err)
		}
	}
	return c
}

func TestMatch(t *testing.T) {
	c := newCatalog(t, "")
	if err := c.Add(llamaFamily("/m/{quantization}.bin")); err != nil {
		t.Fatalf("add: %v", err)
	}
	cases := []struct {
		name      string
		in        types.LaunchSpec
		wantSize  int
		wantFmt   string
		wantQuant string
	}{
		{"defaults to first spec and quant", types.LaunchSpec{Name: "llama-2-chat"}, 7, "ggmlv3", "q2_K"},
		{"size", types.LaunchSpec{Name: "llama-2-chat", SizeInBillions: 13}, 13, "ggmlv3", "q4_0"},
		{"quant", types.LaunchSpec{Name: "llama-2-chat", Quantization: "q4_0"}, 7, "ggmlv3", "q4_0"},
		{"format", types.LaunchSpec{Name: "llama-2-chat", Format: "gguf"}, 7, "gguf", "q8_0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, spec, q, err := c.Match(tc.in)
			if err != nil {
				t.Fatalf("match: %v", err)
			}
			if spec.SizeInBillions != tc.wantSize || spec.Format != tc.wantFmt || q != tc.wantQuant {
				t.Fatalf("got size=%d fmt=%s quant=%s", spec.SizeInBillions, spec.Format, q)
			}
		})
	}

	if _, _, _, err := c.Match(types.LaunchSpec{Name: "llama-2-chat", SizeInBillions: 70}); !errdefs.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, _, _, err := c.Match(types.LaunchSpec{Name: "nope"}); !errdefs.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestResolveFillsDescription(t *testing.T) {
	c := newCatalog(t, "")
	_ = c.Add(llamaFamily("/m/{quantization}.bin"))
	d, _, _, err := c.Resolve(types.LaunchSpec{Name: "llama-2-chat", Quantization: "q4_0"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := types.ModelDescription{
		Name:           "llama-2-chat",
		Format:         "ggmlv3",
		SizeInBillions: 7,
		Quantization:   "q4_0",
		Version:        "llama-2-chat--7B--ggmlv3--q4_0",
		Backend:        "llama",
		Path:           "/m/q4_0.bin",
		Abilities:      []types.Ability{types.AbilityChat},
	}
	if diff := cmp.Diff(want, d); diff != "" {
		t.Fatalf("description mismatch (-want +got):\n%s", diff)
	}
}

func TestVersionsCacheStatus(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "q4_0.bin"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	c := newCatalog(t, "")
	_ = c.Add(llamaFamily(filepath.Join(dir, "{quantization}.bin")))
	vs, err := c.Versions("llama-2-chat")
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	got := map[string]bool{}
	for _, v := range vs {
		got[v.Version] = v.CacheStatus
	}
	want := map[string]bool{
		"llama-2-chat--7B--ggmlv3--q2_K":  false,
		"llama-2-chat--7B--ggmlv3--q4_0":  true,
		"llama-2-chat--13B--ggmlv3--q4_0": true,
		"llama-2-chat--7B--gguf--q8_0":    false,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("versions mismatch (-want +got):\n%s", diff)
	}

	echo, _ := c.Versions("echo")
	if len(echo) != 1 || !echo[0].CacheStatus {
		t.Fatalf("echo versions: %+v", echo)
	}
}

func TestRegisterPersistAndUnregister(t *testing.T) {
	dir := t.TempDir()
	c := newCatalog(t, dir)
	f := llamaFamily("/m.bin")
	f.Name = "custom-llm"
	if err := c.Register(f, true); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := c.Register(f, false); !errdefs.IsAlreadyExists(err) {
		t.Fatalf("expected already exists, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "custom-llm.json")); err != nil {
		t.Fatalf("registration not persisted: %v", err)
	}

	reloaded := newCatalog(t, dir)
	if err := reloaded.LoadPersisted(); err != nil {
		t.Fatalf("load persisted: %v", err)
	}
	got, err := reloaded.Family("custom-llm")
	if err != nil {
		t.Fatalf("family: %v", err)
	}
	if diff := cmp.Diff(f, got); diff != "" {
		t.Fatalf("persisted family mismatch (-want +got):\n%s", diff)
	}
	if !reloaded.IsCustom("custom-llm") {
		t.Fatalf("reloaded family should be custom")
	}

	if err := c.Unregister("custom-llm"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "custom-llm.json")); !os.IsNotExist(err) {
		t.Fatalf("registration file should be removed, stat err=%v", err)
	}
	if err := c.Unregister("custom-llm"); !errdefs.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := c.Unregister("echo"); !errdefs.IsInvalidArgument(err) {
		t.Fatalf("builtin unregister should fail, got %v", err)
	}
}

func TestRegisterValidates(t *testing.T) {
	c := newCatalog(t, "")
	bad := []types.ModelFamily{
		{Name: "", Abilities: []types.Ability{types.AbilityGenerate}},
		{Name: "x", Specs: []types.ModelSpec{{Format: "f", Quantizations: []string{"q"}, Backend: "echo"}}},
		{Name: "x", Abilities: []types.Ability{types.AbilityGenerate}},
		{Name: "x", Abilities: []types.Ability{types.AbilityGenerate}, Specs: []types.ModelSpec{{Format: "f", Backend: "echo"}}},
		{Name: "x", Abilities: []types.Ability{types.AbilityGenerate}, Specs: []types.ModelSpec{{Format: "f", Quantizations: []string{"q"}, Backend: "tpu"}}},
	}
	for i, f := range bad {
		if err := c.Register(f, false); !errdefs.IsInvalidArgument(err) {
			t.Fatalf("case %d: expected invalid argument, got %v", i, err)
		}
	}
}

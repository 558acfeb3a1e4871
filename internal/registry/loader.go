package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"fleetd/internal/backend"
	"fleetd/internal/common/fsutil"
	"fleetd/pkg/types"
)

// LoadFile reads model families from a .yaml/.yml or .json file holding a
// list of families.
func LoadFile(path string) ([]types.ModelFamily, error) {
	p, err := fsutil.ExpandHome(path)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	var fams []types.ModelFamily
	switch ext := strings.ToLower(filepath.Ext(p)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &fams)
	case ".json":
		err = json.Unmarshal(b, &fams)
	default:
		return nil, fmt.Errorf("unsupported families file extension: %s", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return fams, nil
}

var (
	sizeToken  = regexp.MustCompile(`(?i)^(\d+)b$`)
	quantToken = regexp.MustCompile(`(?i)^(q\d[a-z0-9_]*|f16|f32|bf16)$`)
)

// LoadDir scans a directory for *.gguf files and builds one family per file,
// served by kind. The family name is the file stem; size and quantization
// are taken from stem tokens such as "8b" and "q4_k_m" when present.
func LoadDir(dir, kind string) ([]types.ModelFamily, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	if kind == "" {
		kind = backend.KindLlama
	}
	var fams []types.ModelFamily
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".gguf") {
			continue
		}
		stem := name[:len(name)-len(".gguf")]
		size, quant := 0, "default"
		for _, tok := range strings.FieldsFunc(stem, func(r rune) bool { return r == '-' || r == '.' }) {
			if m := sizeToken.FindStringSubmatch(tok); m != nil {
				size, _ = strconv.Atoi(m[1])
			} else if quantToken.MatchString(tok) {
				quant = strings.ToLower(tok)
			}
		}
		fams = append(fams, types.ModelFamily{
			Name:      stem,
			Abilities: []types.Ability{types.AbilityGenerate, types.AbilityChat},
			Specs: []types.ModelSpec{{
				Format:         "gguf",
				SizeInBillions: size,
				Quantizations:  []string{quant},
				Backend:        kind,
				Path:           filepath.Join(abs, name),
			}},
		})
	}
	return fams, nil
}

// Package morph owns the viseme to blend-shape mapping and the smoothed
// per-target influence state that drives a renderer.
package morph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Northern-Necker/nauti-bouys-sub004/internal/viseme"
)

// Binding is one target weight inside a viseme's morph recipe.
type Binding struct {
	Target string  `yaml:"target" json:"target"`
	Weight float32 `yaml:"weight" json:"weight"`
}

// Map is the static viseme to morph target table. It is loaded once and
// never mutated afterwards.
type Map map[viseme.Viseme][]Binding

// DefaultMap returns the built-in ARKit recipe for every viseme.
func DefaultMap() Map {
	return Map{
		viseme.Sil:     {},
		viseme.Neutral: {},
		viseme.PP:      {{MouthClose, 0.8}, {MouthPressLeft, 0.4}, {MouthPressRight, 0.4}, {MouthPucker, 0.3}},
		viseme.FF:      {{MouthFunnel, 0.5}, {MouthRollLower, 0.4}, {MouthLowerDownLeft, 0.2}, {MouthLowerDownRight, 0.2}},
		viseme.TH:      {{JawOpen, 0.15}, {MouthFunnel, 0.3}, {TongueOut, 0.4}},
		viseme.DD:      {{JawOpen, 0.2}, {MouthUpperUpLeft, 0.2}, {MouthUpperUpRight, 0.2}},
		viseme.KK:      {{JawOpen, 0.25}, {MouthStretchLeft, 0.2}, {MouthStretchRight, 0.2}},
		viseme.CH:      {{JawOpen, 0.15}, {MouthFunnel, 0.4}, {MouthPucker, 0.3}},
		viseme.SS:      {{JawOpen, 0.1}, {MouthStretchLeft, 0.3}, {MouthStretchRight, 0.3}},
		viseme.NN:      {{JawOpen, 0.15}, {MouthClose, 0.3}},
		viseme.RR:      {{JawOpen, 0.15}, {MouthPucker, 0.4}, {MouthFunnel, 0.2}},
		viseme.AA:      {{JawOpen, 0.6}, {MouthStretchLeft, 0.2}, {MouthStretchRight, 0.2}},
		viseme.E:       {{JawOpen, 0.3}, {MouthSmileLeft, 0.3}, {MouthSmileRight, 0.3}},
		viseme.I:       {{JawOpen, 0.2}, {MouthSmileLeft, 0.4}, {MouthSmileRight, 0.4}},
		viseme.O:       {{JawOpen, 0.4}, {MouthFunnel, 0.5}, {MouthPucker, 0.3}},
		viseme.U:       {{JawOpen, 0.25}, {MouthPucker, 0.6}, {MouthFunnel, 0.4}},
	}
}

// Validate checks that every speaking viseme has an entry and that all
// weights lie in [0,1]. Rest shapes may be omitted; they mean "all zero".
func (m Map) Validate() error {
	var missing []string
	for _, v := range viseme.All() {
		if v.IsRest() {
			continue
		}
		if _, ok := m[v]; !ok {
			missing = append(missing, string(v))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("morph map missing entries for %s", strings.Join(missing, ", "))
	}

	for v, bindings := range m {
		if !v.Valid() {
			return fmt.Errorf("morph map has unknown viseme %q", v)
		}
		for _, b := range bindings {
			if b.Target == "" {
				return fmt.Errorf("morph map entry %s has an empty target name", v)
			}
			if b.Weight < 0 || b.Weight > 1 || b.Weight != b.Weight {
				return fmt.Errorf("morph map entry %s/%s weight %v outside [0,1]", v, b.Target, b.Weight)
			}
		}
	}
	return nil
}

// Targets returns every target name the map references, sorted.
func (m Map) Targets() []string {
	var names []string
	for _, bindings := range m {
		for _, b := range bindings {
			names = append(names, b.Target)
		}
	}
	return normalizeVocabulary(names)
}

// MissingTargets lists referenced targets absent from vocabulary.
func (m Map) MissingTargets(vocabulary []string) []string {
	have := make(map[string]struct{}, len(vocabulary))
	for _, n := range vocabulary {
		have[n] = struct{}{}
	}
	var missing []string
	for _, t := range m.Targets() {
		if _, ok := have[t]; !ok {
			missing = append(missing, t)
		}
	}
	return missing
}

// LoadMapFile reads a morph map from a YAML or JSON file:
//
//	aa:
//	  - {target: jawOpen, weight: 0.6}
//
// Viseme keys accept the aliases understood by viseme.Parse.
func LoadMapFile(path string) (Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read morph map: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ParseMapJSON(data)
	default:
		return ParseMapYAML(data)
	}
}

func ParseMapYAML(data []byte) (Map, error) {
	raw := make(map[string][]Binding)
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse morph map yaml: %w", err)
	}
	return fromRaw(raw)
}

func ParseMapJSON(data []byte) (Map, error) {
	raw := make(map[string][]Binding)
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse morph map json: %w", err)
	}
	return fromRaw(raw)
}

func fromRaw(raw map[string][]Binding) (Map, error) {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	m := make(Map, len(raw))
	for _, k := range keys {
		v, err := viseme.Parse(k)
		if err != nil {
			return nil, fmt.Errorf("morph map: %w", err)
		}
		if _, dup := m[v]; dup {
			return nil, fmt.Errorf("morph map: viseme %s listed twice", v)
		}
		m[v] = raw[k]
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

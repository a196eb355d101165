// Package config implements the descriptor tree and deep-merge rule used to
// build a module tree declaratively, plus the descriptor file and JSON
// Schema tooling the CLI driver exposes.
//
// Grounded on the teacher's Scheme.Decode (bindings/go/runtime/registry.go)
// for file loading via sigs.k8s.io/yaml, Scheme.Convert's canonicalization
// step for cyberphone/json-canonicalization, and the teacher's own
// dependency on invopop/jsonschema for config-shape introspection.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/invopop/jsonschema"
	"sigs.k8s.io/yaml"

	"github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
)

// Descriptor is the nested declarative tree of {type, config, modules} used
// to construct a module subtree.
type Descriptor struct {
	Type    string                 `json:"type,omitempty"`
	Config  map[string]any         `json:"config,omitempty"`
	Modules map[string]*Descriptor `json:"modules,omitempty"`
}

// Load reads a descriptor file in JSON or YAML form (sigs.k8s.io/yaml
// accepts both) whose single top-level key names the root module.
func Load(path string) (rootName string, root *Descriptor, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil, fmt.Errorf("open descriptor: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses a descriptor document from r.
func Decode(r io.Reader) (rootName string, root *Descriptor, err error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", nil, fmt.Errorf("read descriptor: %w", err)
	}
	var tree map[string]*Descriptor
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return "", nil, fmt.Errorf("decode descriptor: %w", err)
	}
	for name, node := range tree {
		// iteration order over a map is not the document's natural order;
		// descriptors in practice carry exactly one top-level key, so this
		// never matters in finding "the first" in insertion order.
		return name, node, nil
	}
	return "", nil, fmt.Errorf("descriptor has no top-level module")
}

// deepCopy returns an independent copy of m so MergeConfig never mutates
// its base argument.
func deepCopy(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = deepCopy(nested)
		} else {
			out[k] = v
		}
	}
	return out
}

// MergeConfig returns a deep copy of base with override merged in: for each
// key present in override, if both sides hold a map, merge recursively;
// otherwise the override value replaces the base value outright (arrays
// included — arrays are replaced, never concatenated). base is never
// mutated.
func MergeConfig(base, override map[string]any) map[string]any {
	merged := deepCopy(base)
	for k, v := range override {
		overrideMap, overrideIsMap := v.(map[string]any)
		baseMap, baseIsMap := merged[k].(map[string]any)
		if overrideIsMap && baseIsMap {
			merged[k] = MergeConfig(baseMap, overrideMap)
			continue
		}
		if overrideIsMap {
			merged[k] = deepCopy(overrideMap)
			continue
		}
		merged[k] = v
	}
	return merged
}

// ApplySet applies one "--set path.to.param=value"-style override onto
// root's config tree, splitting path on '.' to walk descriptor keys and
// landing the final segment in the target module's config map.
func ApplySet(root *Descriptor, path string, value any) error {
	node, key, err := resolveSetPath(root, path)
	if err != nil {
		return err
	}
	if node.Config == nil {
		node.Config = make(map[string]any)
	}
	node.Config[key] = value
	return nil
}

func resolveSetPath(root *Descriptor, path string) (*Descriptor, string, error) {
	segments := splitDotted(path)
	if len(segments) == 0 {
		return nil, "", fmt.Errorf("empty --set path")
	}
	node := root
	for _, seg := range segments[:len(segments)-1] {
		child, ok := node.Modules[seg]
		if !ok {
			return nil, "", fmt.Errorf("unknown module in --set path: %s", seg)
		}
		node = child
	}
	return node, segments[len(segments)-1], nil
}

func splitDotted(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// Canonicalize returns the RFC 8785 JSON Canonicalization Scheme form of a
// merged config snapshot, suitable for stable logging/diffing across runs.
func Canonicalize(snapshot any) ([]byte, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	canon, err := jsoncanonicalizer.Transform(data)
	if err != nil {
		return nil, fmt.Errorf("canonicalize snapshot: %w", err)
	}
	return canon, nil
}

// Schema generates a JSON Schema describing the shape of a config struct,
// surfaced by the CLI's --help-all flag.
func Schema(configStruct any) *jsonschema.Schema {
	reflector := &jsonschema.Reflector{ExpandedStruct: true}
	return reflector.Reflect(configStruct)
}

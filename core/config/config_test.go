package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMergeConfigDeepMerge(t *testing.T) {
	r := require.New(t)

	base := map[string]any{"a": map[string]any{"b": 1, "c": 2}}
	override := map[string]any{"a": map[string]any{"b": 3}, "d": 4}

	merged := MergeConfig(base, override)

	r.Equal(map[string]any{
		"a": map[string]any{"b": 3, "c": 2},
		"d": 4,
	}, merged)

	// base must be unmutated
	r.Equal(map[string]any{"a": map[string]any{"b": 1, "c": 2}}, base)
}

func TestMergeConfigNeutralWithEmptyOverride(t *testing.T) {
	r := require.New(t)

	base := map[string]any{"a": 1, "b": map[string]any{"c": 2}}
	merged := MergeConfig(base, map[string]any{})
	r.Equal(base, merged)
}

func TestMergeConfigReplacesArraysRatherThanConcatenating(t *testing.T) {
	r := require.New(t)

	base := map[string]any{"list": []any{1, 2, 3}}
	override := map[string]any{"list": []any{9}}
	merged := MergeConfig(base, override)
	r.Equal([]any{9}, merged["list"])
}

func TestDecodeDescriptor(t *testing.T) {
	r := require.New(t)

	doc := `
root:
  type: myapp:Root
  config:
    name: example
  modules:
    child:
      type: myapp:Child
      config:
        count: 3
`
	rootName, root, err := Decode(strings.NewReader(doc))
	r.NoError(err)
	r.Equal("root", rootName)
	r.Equal("myapp:Root", root.Type)
	r.Equal("example", root.Config["name"])
	r.Contains(root.Modules, "child")
	r.Equal("myapp:Child", root.Modules["child"].Type)
}

func TestApplySetNested(t *testing.T) {
	r := require.New(t)

	root := &Descriptor{
		Type:    "myapp:Root",
		Modules: map[string]*Descriptor{"child": {Type: "myapp:Child"}},
	}

	r.NoError(ApplySet(root, "child.count", "5"))
	r.Equal("5", root.Modules["child"].Config["count"])

	err := ApplySet(root, "missing.count", "5")
	r.Error(err)
}

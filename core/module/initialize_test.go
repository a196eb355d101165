package module

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/modrun/modrun/core/config"
)

func TestInitializeRealizesDescriptorAtEveryDepth(t *testing.T) {
	r := require.New(t)

	Register("test:leaf-node", func(cfg map[string]any) (*Module, error) {
		return New("", time.Second, time.Second, time.Second), nil
	})

	descriptor := &config.Descriptor{
		Type: "test:leaf-node",
		Modules: map[string]*config.Descriptor{
			"child": {
				Type: "test:leaf-node",
				Modules: map[string]*config.Descriptor{
					"grandchild": {
						Type: "test:leaf-node",
						Modules: map[string]*config.Descriptor{
							"great-grandchild": {Type: "test:leaf-node"},
						},
					},
				},
			},
		},
	}

	root, err := GetRootModule("root", descriptor)
	r.NoError(err)

	_, err = root.Initialize(root)
	r.NoError(err)

	r.Len(root.Children(), 1)
	child := root.childByID["child"]
	r.NotNil(child)
	r.Equal("root.child", child.Path())

	r.Len(child.Children(), 1)
	grandchild := child.childByID["grandchild"]
	r.NotNil(grandchild)
	r.Equal("root.child.grandchild", grandchild.Path())

	r.Len(grandchild.Children(), 1)
	greatGrandchild := grandchild.childByID["great-grandchild"]
	r.NotNil(greatGrandchild)
	r.Equal("root.child.grandchild.great-grandchild", greatGrandchild.Path())
	r.Empty(greatGrandchild.Children())
}

package module

import (
	"fmt"

	"github.com/modrun/modrun/core/config"
	"github.com/modrun/modrun/core/modrunerr"
)

// Initialize realizes m's declared tree: for each pending child recorded by
// AddModule (directly, or via FromDescriptor), resolves its
// type_or_reference, instantiates it with its merged config (descriptor
// config overridden by the kwargs passed to AddModule), attaches it, applies
// the child's own nested "modules" mapping (if the pending child came from a
// descriptor node with children of its own), and recurses — so a descriptor
// of arbitrary depth is fully realized, not just its first level. Idempotent
// — a second call is a no-op, since every pending entry is consumed the
// first time through.
//
// Returns the full configuration snapshot: for every realized node, the
// config it was actually constructed with, organized as a descriptor tree
// for logging/introspection.
func (m *Module) Initialize(root *Module) (*config.Descriptor, error) {
	m.checkInitialized()

	snapshot := &config.Descriptor{Modules: map[string]*config.Descriptor{}}

	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, p := range pending {
		factory, err := resolveRef(p.ref)
		if err != nil {
			return nil, err
		}

		child, err := factory(p.config)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", modrunerr.ErrInstantiationFailed, m.path+"."+p.name, err)
		}

		child.name = p.name
		child.path = m.path + "." + p.name
		child.parent = m

		m.mu.Lock()
		m.children = append(m.children, child)
		m.childByID[p.name] = child
		m.mu.Unlock()

		if p.descriptor != nil {
			if err := child.FromDescriptor(p.descriptor); err != nil {
				return nil, err
			}
		}

		childSnapshot, err := child.Initialize(root)
		if err != nil {
			return nil, err
		}
		childSnapshot.Config = p.config
		snapshot.Modules[p.name] = childSnapshot
	}

	return snapshot, nil
}

// FromDescriptor builds a fresh, uninitialized tree of pending children from
// a declarative Descriptor: for each entry in d.Modules, resolves its Type
// and records it as a pending child of m, carrying that entry's own
// "modules" mapping along so Initialize can apply it once the child exists
// — this is what makes descriptor nesting recurse past the first level,
// matching §4.5/§6's recursive "modules" mapping. An entry whose name
// matches a child already declared through AddModule is merged into that
// pending child instead: its config becomes the descriptor config
// overridden by the AddModule config, the reference given to AddModule is
// kept (a Type on the entry is not used), and the entry may omit Type. It
// does not itself call Initialize.
func (m *Module) FromDescriptor(d *config.Descriptor) error {
	for name, node := range d.Modules {
		m.mu.Lock()
		merged := false
		for i := range m.pending {
			if p := &m.pending[i]; p.name == name && p.descriptor == nil {
				p.config = config.MergeConfig(node.Config, p.config)
				p.descriptor = node
				merged = true
				break
			}
		}
		m.mu.Unlock()
		if merged {
			continue
		}
		if node.Type == "" {
			return fmt.Errorf("%w: %s.%s", modrunerr.ErrUnknownType, m.path, name)
		}
		if err := m.addPendingChild(node.Type, name, node.Config, node); err != nil {
			return err
		}
	}
	return nil
}

// GetRootModule picks the descriptor's single top-level entry as the root,
// instantiates it via the registry, and records its declared children as
// pending for a later Initialize call. The root's own per-phase timeouts
// come from whatever its factory passed to New.
func GetRootModule(rootName string, root *config.Descriptor) (*Module, error) {
	factory, err := resolveRef(root.Type)
	if err != nil {
		return nil, err
	}
	m, err := factory(root.Config)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", modrunerr.ErrInstantiationFailed, rootName, err)
	}
	m.name = rootName
	m.path = rootName
	newRoot(m)
	if err := m.FromDescriptor(root); err != nil {
		return nil, err
	}
	return m, nil
}

package module

import (
	"fmt"
	"sync"

	"github.com/modrun/modrun/core/modrunerr"
)

// Factory constructs a module instance from its merged configuration.
type Factory func(config map[string]any) (*Module, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register binds name to factory in the process-wide registry, the
// equivalent of an entry-point declaration: a bare name used as a
// descriptor's "type" or as the CLI's positional module identifier
// resolves through this table.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Resolve turns a module reference — a bare registered name, or a
// "pkg:Attr"-shaped string naming a factory registered under that exact
// string — into a Factory. Go has no dynamic import mechanism, so both
// forms are ultimately looked up by literal string; "pkg:Attr" is
// supported as a registration key, not as an actual package/attribute
// lookup.
func Resolve(ref string) (Factory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	if factory, ok := registry[ref]; ok {
		return factory, nil
	}
	return nil, fmt.Errorf("%w: %s", modrunerr.ErrResolve, ref)
}

// resolveRef accepts either a Factory supplied directly to AddModule or a
// string resolved through Resolve.
func resolveRef(ref any) (Factory, error) {
	switch v := ref.(type) {
	case Factory:
		return v, nil
	case func(map[string]any) (*Module, error):
		return Factory(v), nil
	case string:
		return Resolve(v)
	default:
		return nil, fmt.Errorf("%w: unrecognized module reference %T", modrunerr.ErrUnknownType, ref)
	}
}

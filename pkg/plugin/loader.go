package plugin

import (
	"errors"
	goplugin "plugin"
)

// Loader resolves a plugin binary on disk into a Plugin implementation.
// Tool plugins additionally implement ToolProvider, but that is checked by
// the manager after startup, not here.
type Loader interface {
	Load(path string) (Plugin, error)
}

// GoPluginLoader loads shared objects built with `go build -buildmode=plugin`.
type GoPluginLoader struct{}

// Load opens the shared object and resolves its exported `Plugin` symbol.
// The symbol may be a Plugin value, a pointer to one, or a constructor.
func (GoPluginLoader) Load(path string) (Plugin, error) {
	if path == "" {
		return nil, errors.New("plugin path cannot be empty")
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, err
	}
	symbol, err := so.Lookup("Plugin")
	if err != nil {
		return nil, err
	}
	switch p := symbol.(type) {
	case Plugin:
		return p, nil
	case *Plugin:
		if p == nil {
			return nil, errors.New("plugin symbol is nil")
		}
		return *p, nil
	case func() Plugin:
		return p(), nil
	default:
		return nil, errors.New("plugin symbol must implement plugin.Plugin")
	}
}

package ingear

import (
	"context"
	"fmt"
	"slices"
)

// Plugin is the base plugin interface.
type Plugin interface {
	// Name of the plugin, used for querying and dependency resolution.
	Name() string
}

// DependentPlugin is implemented by plugins that require others.
type DependentPlugin interface {
	// Deps returns the names of plugins which this plugin depends on.
	Deps() []string
}

// OptionalDependentPlugin is implemented by plugins that should be initialized
// after others when those are registered.
type OptionalDependentPlugin interface {
	OptDeps() []string
}

// InitializablePlugin is implemented by plugins needing initialization outside
// construction. Init is called in dependency order.
type InitializablePlugin interface {
	Init(ctx context.Context, r *Registry) error
}

// ShutdownPlugin is implemented by plugins holding resources. Shutdown is
// called in reverse initialization order.
type ShutdownPlugin interface {
	Shutdown(ctx context.Context) error
}

// Registry manages plugins and their dependencies.
type Registry struct {
	plugins map[string]Plugin
	keys    []string
	order   []string
}

// Get a plugin, or nil if none is registered under key.
func (r *Registry) Get(key string) Plugin {
	if p, ok := r.plugins[key]; ok {
		return p
	}
	return nil
}

// Register a plugin.
func (r *Registry) Register(plugin Plugin) {
	if r.plugins == nil {
		r.plugins = map[string]Plugin{}
	}
	n := plugin.Name()
	if _, ok := r.plugins[n]; !ok {
		r.keys = append(r.keys, n)
	}
	r.plugins[n] = plugin
}

// Init all plugins in the Registry. Plugins will be visited in dependency order.
func (r *Registry) Init(ctx context.Context) error {
	if r.plugins == nil {
		return nil
	}

	visiting := make(map[string]bool)
	for _, key := range r.keys {
		if err := r.validateDeps(key, visiting, true); err != nil {
			return err
		}
	}

	initialized := make(map[string]bool)
	for _, key := range r.keys {
		if err := r.initPlugin(ctx, key, initialized); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown initialized plugins, dependents first. All plugins are visited and
// the first error is returned.
func (r *Registry) Shutdown(ctx context.Context) error {
	var first error
	for _, key := range slices.Backward(r.order) {
		if p, ok := r.plugins[key].(ShutdownPlugin); ok {
			if err := p.Shutdown(ctx); err != nil && first == nil {
				first = fmt.Errorf("plugin: failed to shut down '%v': %w", key, err)
			}
		}
	}
	r.order = nil
	return first
}

func (r *Registry) validateDeps(key string, visiting map[string]bool, required bool) error {
	if visiting[key] {
		return fmt.Errorf("plugin: dependency cycle detected involving '%v'", key)
	}

	plugin, ok := r.plugins[key]
	if !ok {
		if !required {
			return nil
		}
		return fmt.Errorf("plugin: missing dependency, '%v' not registered", key)
	}

	visiting[key] = true
	defer delete(visiting, key)

	if d, ok := plugin.(DependentPlugin); ok {
		for _, dep := range d.Deps() {
			if err := r.validateDeps(dep, visiting, true); err != nil {
				return err
			}
		}
	}
	if d, ok := plugin.(OptionalDependentPlugin); ok {
		for _, dep := range d.OptDeps() {
			if err := r.validateDeps(dep, visiting, false); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) initPlugin(ctx context.Context, key string, initialized map[string]bool) error {
	if initialized[key] {
		return nil
	}

	plugin, ok := r.plugins[key]
	if !ok {
		return nil // Optional dependency that was never registered.
	}

	var deps []string
	if d, ok := plugin.(DependentPlugin); ok {
		deps = append(deps, d.Deps()...)
	}
	if d, ok := plugin.(OptionalDependentPlugin); ok {
		deps = append(deps, d.OptDeps()...)
	}
	for _, dep := range deps {
		if err := r.initPlugin(ctx, dep, initialized); err != nil {
			return err
		}
	}

	if p, ok := plugin.(InitializablePlugin); ok {
		if err := p.Init(ctx, r); err != nil {
			return fmt.Errorf("plugin: failed to initialize '%v': %w", key, err)
		}
	}

	initialized[key] = true
	r.order = append(r.order, key)
	return nil
}

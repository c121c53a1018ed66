package mailfolder

import (
	"context"
	"fmt"
	"os"

	"github.com/infodancer/mailfolder/errors"
)

// BackendFactory creates backends for one folder format.
type BackendFactory struct {
	// Detect reports whether the path looks like this format's on-disk
	// layout. It is consulted only when no format kind was configured.
	Detect func(path string) bool

	// New opens a backend for the configured folder.
	New func(cfg Config) (Backend, error)
}

// Registry maps format names to backend factories. A Registry is an
// explicit value the caller assembles and passes around; format packages
// provide Register helpers but nothing registers itself behind the
// caller's back.
type Registry struct {
	factories map[string]BackendFactory
	names     []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]BackendFactory)}
}

// Register adds a format under the given kind name. Registering a kind
// twice replaces the earlier factory and keeps its detection position.
func (r *Registry) Register(kind string, factory BackendFactory) {
	if _, exists := r.factories[kind]; !exists {
		r.names = append(r.names, kind)
	}
	r.factories[kind] = factory
}

// Kinds returns the registered format names in registration order.
func (r *Registry) Kinds() []string {
	kinds := make([]string, len(r.names))
	copy(kinds, r.names)
	return kinds
}

// Detect returns the first registered format whose Detect accepts path,
// trying formats in registration order.
func (r *Registry) Detect(path string) (string, error) {
	for _, kind := range r.names {
		f := r.factories[kind]
		if f.Detect != nil && f.Detect(path) {
			return kind, nil
		}
	}
	return "", fmt.Errorf("detect format of %s: %w", path, errors.ErrFormatUnknown)
}

// Open opens the folder described by cfg, autodetecting the format when
// cfg.Kind is empty, and scans it.
func (r *Registry) Open(ctx context.Context, cfg Config) (*Folder, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("open folder: %w", errors.ErrFolderConfigInvalid)
	}
	kind := cfg.Kind
	if kind == "" {
		if _, err := os.Stat(cfg.Path); err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("open %s: %w", cfg.Path, errors.ErrFolderNotFound)
			}
			return nil, fmt.Errorf("open %s: %w", cfg.Path, err)
		}
		detected, err := r.Detect(cfg.Path)
		if err != nil {
			return nil, err
		}
		kind = detected
		cfg.Kind = detected
	}

	factory, ok := r.factories[kind]
	if !ok {
		return nil, fmt.Errorf("open %s as %q: %w", cfg.Path, kind, errors.ErrFormatNotRegistered)
	}
	backend, err := factory.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s as %q: %w", cfg.Path, kind, err)
	}

	folder := newFolder(cfg, backend)
	if err := folder.load(ctx); err != nil {
		_ = backend.Close()
		return nil, err
	}
	return folder, nil
}

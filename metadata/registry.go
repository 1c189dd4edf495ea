package metadata

import (
	"sync"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("nucleus.metadata")

// Registry holds the loaded modules of one runtime, keyed by assembly
// name. Cross-module TypeRef tokens resolve against it.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]*ModuleImage
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]*ModuleImage)}
}

// Register adds a loaded module. Registering the same assembly name twice
// replaces nothing and fails with a MetadataError: published images are
// immutable and hot reload is out of scope.
func (r *Registry) Register(img *ModuleImage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modules[img.Name]; ok {
		return metaErr(img.Name, "module already loaded")
	}
	r.modules[img.Name] = img
	log.Infof("loaded module %s (%d types, %d methods)", img.Name, len(img.TypeDefs), len(img.Methods))
	return nil
}

// Load parses and registers a module image in one step.
func (r *Registry) Load(data []byte) (*ModuleImage, error) {
	img, err := Open(data)
	if err != nil {
		return nil, err
	}
	if err := r.Register(img); err != nil {
		return nil, err
	}
	return img, nil
}

// Lookup returns the module with the given assembly name.
func (r *Registry) Lookup(name string) (*ModuleImage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	img, ok := r.modules[name]
	return img, ok
}

// Modules returns the loaded modules in unspecified order.
func (r *Registry) Modules() []*ModuleImage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ModuleImage, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, m)
	}
	return out
}

// ResolveTypeRef resolves a cross-module type reference to its defining
// module and TypeDef token, by matching assembly name, namespace and type
// name against the loaded modules.
func (r *Registry) ResolveTypeRef(img *ModuleImage, tok Token) (*ModuleImage, Token, error) {
	ref, err := img.TypeRef(tok)
	if err != nil {
		return nil, 0, err
	}
	assembly, err := img.String(ref.Assembly)
	if err != nil {
		return nil, 0, err
	}
	namespace, err := img.String(ref.Namespace)
	if err != nil {
		return nil, 0, err
	}
	name, err := img.String(ref.Name)
	if err != nil {
		return nil, 0, err
	}

	target, ok := r.Lookup(assembly)
	if !ok {
		return nil, 0, &UnresolvedReference{Assembly: assembly, Namespace: namespace, Name: name}
	}
	def, ok := target.FindTypeDef(namespace, name)
	if !ok {
		return nil, 0, &UnresolvedReference{Assembly: assembly, Namespace: namespace, Name: name}
	}
	return target, def, nil
}

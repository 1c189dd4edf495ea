package manifest

import (
	"fmt"
	"os"
	"path/filepath"
)

// ResolvedModule is a dependency resolved to a local image file.
type ResolvedModule struct {
	Name      string    // dependency name from [modules]
	LocalPath string    // local checkout or path
	ImagePath string    // module image file to load
	Manifest  *Manifest // the dependency's own manifest (may be nil)
}

// Resolver manages dependency resolution.
type Resolver struct {
	manifest *Manifest
	lock     *LockFile
	verbose  bool
}

// NewResolver creates a dependency resolver over a loaded manifest.
func NewResolver(m *Manifest, verbose bool) *Resolver {
	return &Resolver{manifest: m, verbose: verbose}
}

// Resolve resolves all dependencies and returns them in load order:
// dependencies before dependents, so the registry can link type
// references as each image arrives.
func (r *Resolver) Resolve() ([]ResolvedModule, error) {
	lock, err := ReadLock(r.manifest.LockFilePath())
	if err != nil {
		return nil, fmt.Errorf("reading lock file: %w", err)
	}
	r.lock = lock

	if err := os.MkdirAll(r.manifest.DepsDir(), 0755); err != nil {
		return nil, fmt.Errorf("creating deps dir: %w", err)
	}

	resolved := make(map[string]*ResolvedModule)
	order, err := r.resolveAll(r.manifest.Modules, resolved)
	if err != nil {
		return nil, err
	}

	if err := r.writeLock(resolved); err != nil {
		return nil, fmt.Errorf("writing lock file: %w", err)
	}

	return order, nil
}

// resolveAll resolves a module set recursively, dependencies first.
func (r *Resolver) resolveAll(mods map[string]Module, resolved map[string]*ResolvedModule) ([]ResolvedModule, error) {
	var order []ResolvedModule

	for name, mod := range mods {
		if _, ok := resolved[name]; ok {
			continue
		}
		if err := ValidateModuleName(name); err != nil {
			return nil, err
		}

		rm, err := r.resolveOne(name, mod)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", name, err)
		}
		resolved[name] = rm

		if rm.Manifest != nil && len(rm.Manifest.Modules) > 0 {
			transitive, err := r.resolveAll(rm.Manifest.Modules, resolved)
			if err != nil {
				return nil, err
			}
			order = append(order, transitive...)
		}

		order = append(order, *rm)
	}

	return order, nil
}

// resolveOne resolves a single dependency to a local checkout.
func (r *Resolver) resolveOne(name string, mod Module) (*ResolvedModule, error) {
	if mod.Path != "" {
		localPath := mod.Path
		if !filepath.IsAbs(localPath) {
			localPath = filepath.Join(r.manifest.Dir, localPath)
		}
		localPath, err := filepath.Abs(localPath)
		if err != nil {
			return nil, fmt.Errorf("invalid path %q: %w", mod.Path, err)
		}
		if _, err := os.Stat(localPath); err != nil {
			return nil, fmt.Errorf("local module %q not found at %s: %w", name, localPath, err)
		}

		depManifest, _ := Load(localPath)
		return &ResolvedModule{
			Name:      name,
			LocalPath: localPath,
			ImagePath: imagePathFor(name, mod, localPath, depManifest),
			Manifest:  depManifest,
		}, nil
	}

	if mod.Git != "" {
		depDir := filepath.Join(r.manifest.DepsDir(), name)

		if _, err := os.Stat(depDir); os.IsNotExist(err) {
			if r.verbose {
				fmt.Printf("  cloning %s from %s\n", name, mod.Git)
			}
			if err := gitClone(mod.Git, depDir); err != nil {
				return nil, err
			}
		} else if locked := r.lock.FindLocked(name); locked == nil || locked.Tag != mod.Tag {
			clean, err := gitIsClean(depDir)
			if err != nil {
				return nil, err
			}
			if !clean {
				return nil, fmt.Errorf("module checkout %s has local changes; refusing to update", depDir)
			}
			if r.verbose {
				fmt.Printf("  fetching %s\n", name)
			}
			if err := gitFetch(depDir); err != nil {
				return nil, err
			}
		}

		if mod.Tag != "" {
			if err := gitCheckout(depDir, mod.Tag); err != nil {
				return nil, err
			}
		}

		depManifest, _ := Load(depDir)
		return &ResolvedModule{
			Name:      name,
			LocalPath: depDir,
			ImagePath: imagePathFor(name, mod, depDir, depManifest),
			Manifest:  depManifest,
		}, nil
	}

	return nil, fmt.Errorf("module %q has no git or path specified", name)
}

// imagePathFor picks the image file for a dependency: the consumer's
// override, the producer's own manifest, or <name>.nxm.
func imagePathFor(name string, mod Module, localPath string, depManifest *Manifest) string {
	switch {
	case mod.Image != "":
		return filepath.Join(localPath, mod.Image)
	case depManifest != nil:
		return depManifest.ImagePath()
	default:
		return filepath.Join(localPath, name+".nxm")
	}
}

// writeLock records the resolved set.
func (r *Resolver) writeLock(resolved map[string]*ResolvedModule) error {
	lf := &LockFile{}

	for _, rm := range resolved {
		lm := LockedModule{Name: rm.Name}
		mod := r.manifest.Modules[rm.Name]
		if mod.Git != "" {
			lm.Git = mod.Git
			lm.Tag = mod.Tag
			if commit, err := gitCurrentCommit(rm.LocalPath); err == nil {
				lm.Commit = commit
			}
		} else if mod.Path != "" {
			lm.Path = mod.Path
		}
		lf.Modules = append(lf.Modules, lm)
	}

	if err := os.MkdirAll(filepath.Dir(r.manifest.LockFilePath()), 0755); err != nil {
		return err
	}
	return WriteLock(r.manifest.LockFilePath(), lf)
}

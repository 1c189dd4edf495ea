// Package manifest handles nucleus.toml runtime configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Manifest represents a nucleus.toml application configuration.
type Manifest struct {
	App     App               `toml:"app"`
	Runtime Runtime           `toml:"runtime"`
	Modules map[string]Module `toml:"modules"`

	// Dir is the directory containing the nucleus.toml file (set at load time).
	Dir string `toml:"-"`
}

// App names the application image and its entry point.
type App struct {
	Name  string `toml:"name"`
	Image string `toml:"image"` // main module image, relative to Dir
	Entry string `toml:"entry"` // "Namespace.Type.Method" or "Type.Method"
}

// Runtime configures the virtual machine.
type Runtime struct {
	MemorySize int    `toml:"memory-size"` // flat data space, bytes
	StackSize  int    `toml:"stack-size"`  // per-context stack, bytes
	CachePath  string `toml:"cache-path"`  // warm-start store, relative to Dir
	Verbosity  int    `toml:"verbosity"`   // log verbosity, 0 = quiet
}

// Module references a dependency module image, either from a git
// repository or a local path.
type Module struct {
	Git   string `toml:"git"`
	Tag   string `toml:"tag"`
	Path  string `toml:"path"`
	Image string `toml:"image"` // image file within the module, default <name>.nxm
}

// Load parses a nucleus.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "nucleus.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	if m.App.Image == "" {
		m.App.Image = "app.nxm"
	}
	if m.App.Entry == "" {
		m.App.Entry = "Program.Main"
	}

	return &m, nil
}

// FindAndLoad walks up from startDir to find a nucleus.toml file, then
// loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, "nucleus.toml")
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// ImagePath returns the absolute path of the main module image.
func (m *Manifest) ImagePath() string {
	if filepath.IsAbs(m.App.Image) {
		return m.App.Image
	}
	return filepath.Join(m.Dir, m.App.Image)
}

// CachePath returns the absolute warm-start store path, or "" when the
// cache is disabled.
func (m *Manifest) CachePath() string {
	if m.Runtime.CachePath == "" || filepath.IsAbs(m.Runtime.CachePath) {
		return m.Runtime.CachePath
	}
	return filepath.Join(m.Dir, m.Runtime.CachePath)
}

// EntryPoint splits the configured entry into namespace, type, and
// method. The method is the last segment, the type the one before it,
// and anything remaining is the namespace.
func (m *Manifest) EntryPoint() (namespace, typeName, methodName string, err error) {
	parts := strings.Split(m.App.Entry, ".")
	if len(parts) < 2 {
		return "", "", "", fmt.Errorf("entry %q: want at least Type.Method", m.App.Entry)
	}
	methodName = parts[len(parts)-1]
	typeName = parts[len(parts)-2]
	namespace = strings.Join(parts[:len(parts)-2], ".")
	return namespace, typeName, methodName, nil
}

// DepsDir returns the path to the .nucleus/deps directory.
func (m *Manifest) DepsDir() string {
	return filepath.Join(m.Dir, ".nucleus", "deps")
}

// LockFilePath returns the path to .nucleus/lock.toml.
func (m *Manifest) LockFilePath() string {
	return filepath.Join(m.Dir, ".nucleus", "lock.toml")
}

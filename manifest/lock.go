package manifest

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// LockFile pins resolved module versions in .nucleus/lock.toml.
type LockFile struct {
	Modules []LockedModule `toml:"modules"`
}

// LockedModule records where one dependency was resolved from.
type LockedModule struct {
	Name   string `toml:"name"`
	Git    string `toml:"git,omitempty"`
	Tag    string `toml:"tag,omitempty"`
	Commit string `toml:"commit,omitempty"`
	Path   string `toml:"path,omitempty"`
}

// ReadLock parses a lock file. A missing file yields an empty lock.
func ReadLock(path string) (*LockFile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &LockFile{}, nil
	}
	if err != nil {
		return nil, err
	}

	var lf LockFile
	if err := toml.Unmarshal(data, &lf); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	return &lf, nil
}

// WriteLock serializes the lock file.
func WriteLock(path string, lf *LockFile) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(lf)
}

// FindLocked returns the locked entry for a module, or nil.
func (lf *LockFile) FindLocked(name string) *LockedModule {
	for i := range lf.Modules {
		if lf.Modules[i].Name == name {
			return &lf.Modules[i]
		}
	}
	return nil
}

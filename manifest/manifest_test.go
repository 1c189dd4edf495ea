package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "nucleus.toml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[app]
name = "calc"
image = "out/calc.nxm"
entry = "Calc.Program.Main"

[runtime]
memory-size = 134217728
stack-size = 262144
cache-path = ".nucleus/jit.db"
verbosity = 2

[modules.mathlib]
git = "https://example.com/mathlib.git"
tag = "v1.2.0"
`)
	m, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if m.App.Name != "calc" {
		t.Errorf("name = %q", m.App.Name)
	}
	if m.Runtime.MemorySize != 134217728 || m.Runtime.StackSize != 262144 {
		t.Errorf("runtime sizes = %d/%d", m.Runtime.MemorySize, m.Runtime.StackSize)
	}
	if got := m.ImagePath(); got != filepath.Join(m.Dir, "out/calc.nxm") {
		t.Errorf("ImagePath = %q", got)
	}
	if got := m.CachePath(); got != filepath.Join(m.Dir, ".nucleus/jit.db") {
		t.Errorf("CachePath = %q", got)
	}
	mod, ok := m.Modules["mathlib"]
	if !ok || mod.Git != "https://example.com/mathlib.git" || mod.Tag != "v1.2.0" {
		t.Errorf("mathlib = %+v", mod)
	}

	ns, typ, meth, err := m.EntryPoint()
	if err != nil {
		t.Fatal(err)
	}
	if ns != "Calc" || typ != "Program" || meth != "Main" {
		t.Errorf("entry = %q %q %q", ns, typ, meth)
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[app]
name = "tiny"
`)
	m, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if m.App.Image != "app.nxm" {
		t.Errorf("default image = %q", m.App.Image)
	}
	ns, typ, meth, err := m.EntryPoint()
	if err != nil {
		t.Fatal(err)
	}
	if ns != "" || typ != "Program" || meth != "Main" {
		t.Errorf("default entry = %q %q %q", ns, typ, meth)
	}
	if m.CachePath() != "" {
		t.Errorf("cache enabled by default: %q", m.CachePath())
	}
}

func TestEntryPointRejectsBareName(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[app]
entry = "main"
`)
	m, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := m.EntryPoint(); err == nil {
		t.Error("bare entry name accepted")
	}
}

func TestFindAndLoadWalksUp(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, `
[app]
name = "walker"
`)
	nested := filepath.Join(root, "src", "deep")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	m, err := FindAndLoad(nested)
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || m.App.Name != "walker" {
		t.Fatalf("walk-up failed: %+v", m)
	}
}

func TestFindAndLoadMissing(t *testing.T) {
	m, err := FindAndLoad(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if m != nil {
		t.Errorf("found a manifest where none exists: %+v", m)
	}
}

func TestValidateModuleName(t *testing.T) {
	for _, ok := range []string{"mathlib", "my-lib", "lib.core", "a2"} {
		if err := ValidateModuleName(ok); err != nil {
			t.Errorf("%q rejected: %v", ok, err)
		}
	}
	for _, bad := range []string{"", "Mathlib", "2lib", "my_lib", "lib!"} {
		if err := ValidateModuleName(bad); err == nil {
			t.Errorf("%q accepted", bad)
		}
	}
}

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/nucleus-os/nucleus/manifest"
	"github.com/nucleus-os/nucleus/metadata"
	"github.com/nucleus-os/nucleus/pkg/bytecode"
	"github.com/nucleus-os/nucleus/vm"
)

// handleRunCommand processes the `nucleus run` subcommand.
// Usage:
//
//	nucleus run                       # app from nucleus.toml
//	nucleus run app.nxm -m Calc.Main  # explicit image and entry
func handleRunCommand(args []string, verbose bool) {
	var entryOverride string
	var images []string

	for i := 0; i < len(args); i++ {
		if args[i] == "-m" || args[i] == "--main" {
			if i+1 < len(args) {
				entryOverride = args[i+1]
				i++
			} else {
				fmt.Fprintln(os.Stderr, "Error: -m requires an entry point (e.g. Calc.Program.Main)")
				os.Exit(1)
			}
			continue
		}
		images = append(images, args[i])
	}

	reg := metadata.NewRegistry()
	var opts vm.Options
	entry := entryOverride

	if len(images) == 0 {
		// Manifest mode: resolve dependencies, load them in order,
		// then the application image.
		m, err := manifest.FindAndLoad(".")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading manifest: %v\n", err)
			os.Exit(1)
		}
		if m == nil {
			fmt.Fprintln(os.Stderr, "Error: no nucleus.toml found and no image given")
			os.Exit(1)
		}

		resolved, err := manifest.NewResolver(m, verbose).Resolve()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error resolving modules: %v\n", err)
			os.Exit(1)
		}
		for _, rm := range resolved {
			if err := loadImage(reg, rm.ImagePath, verbose); err != nil {
				fmt.Fprintf(os.Stderr, "Error loading module %s: %v\n", rm.Name, err)
				os.Exit(1)
			}
		}
		if err := loadImage(reg, m.ImagePath(), verbose); err != nil {
			fmt.Fprintf(os.Stderr, "Error loading application image: %v\n", err)
			os.Exit(1)
		}

		opts = vm.Options{
			MemorySize: m.Runtime.MemorySize,
			StackSize:  m.Runtime.StackSize,
			CachePath:  m.CachePath(),
		}
		if entry == "" {
			entry = m.App.Entry
		}
	} else {
		for _, path := range images {
			if err := loadImage(reg, path, verbose); err != nil {
				fmt.Fprintf(os.Stderr, "Error loading %s: %v\n", path, err)
				os.Exit(1)
			}
		}
		if entry == "" {
			entry = "Program.Main"
		}
	}

	namespace, typeName, methodName, err := splitEntry(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	machine, err := vm.New(reg, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating VM: %v\n", err)
		os.Exit(1)
	}
	defer machine.Close()

	if opts.CachePath != "" {
		n, err := machine.WarmStart()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: warm start failed: %v\n", err)
		} else if verbose && n > 0 {
			fmt.Printf("Warm start compiled %d methods\n", n)
		}
	}

	entryMethod, err := machine.ResolveEntryPoint(namespace, typeName, methodName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(entryMethod.Params) != 0 {
		fmt.Fprintf(os.Stderr, "Error: entry point %s takes arguments\n", entryMethod.FullName())
		os.Exit(1)
	}

	if verbose {
		fmt.Printf("Invoking %s\n", entryMethod.FullName())
	}

	result, err := machine.Invoke(entryMethod)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		machine.Close()
		os.Exit(1)
	}

	if verbose {
		stats := machine.Stats()
		fmt.Printf("Compiled %d methods, %d code bytes, %v compile time\n",
			stats.Compilations, stats.CodeBytes, stats.CompileTime)
	}

	// An integer-returning entry point sets the exit code.
	machine.Close()
	if isIntReturn(entryMethod) {
		os.Exit(int(int32(result)))
	}
	os.Exit(0)
}

// loadImage reads and registers one module image file.
func loadImage(reg *metadata.Registry, path string, verbose bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	img, err := reg.Load(data)
	if err != nil {
		return err
	}
	if verbose {
		fmt.Printf("Loaded %s from %s (%d bytes)\n", img.Name, path, len(data))
	}
	return nil
}

// splitEntry parses "Namespace.Type.Method" into its parts; the
// namespace may be empty, dotted, or absent.
func splitEntry(entry string) (namespace, typeName, methodName string, err error) {
	parts := strings.Split(entry, ".")
	if len(parts) < 2 {
		return "", "", "", fmt.Errorf("entry %q: want at least Type.Method", entry)
	}
	methodName = parts[len(parts)-1]
	typeName = parts[len(parts)-2]
	namespace = strings.Join(parts[:len(parts)-2], ".")
	return namespace, typeName, methodName, nil
}

func isIntReturn(m *vm.MethodDescriptor) bool {
	if m.Ret == nil {
		return false
	}
	switch m.Ret.Prim {
	case bytecode.ElemI1, bytecode.ElemU1, bytecode.ElemI2, bytecode.ElemU2,
		bytecode.ElemI4, bytecode.ElemU4, bytecode.ElemI8, bytecode.ElemU8:
		return true
	}
	return false
}

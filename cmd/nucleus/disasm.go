package main

import (
	"fmt"
	"os"

	"github.com/nucleus-os/nucleus/metadata"
	"github.com/nucleus-os/nucleus/vm"
)

// handleDisasmCommand processes the `nucleus disasm` subcommand.
// Usage:
//
//	nucleus disasm app.nxm           # all method bodies
//	nucleus disasm app.nxm -f Fib    # only methods named Fib
//	nucleus disasm app.nxm -n -f Fib # compile and show native code
func handleDisasmCommand(args []string, verbose bool) {
	var filter string
	var path string
	native := false

	for i := 0; i < len(args); i++ {
		if args[i] == "-n" || args[i] == "--native" {
			native = true
			continue
		}
		if args[i] == "-f" || args[i] == "--filter" {
			if i+1 < len(args) {
				filter = args[i+1]
				i++
			} else {
				fmt.Fprintln(os.Stderr, "Error: -f requires a method name")
				os.Exit(1)
			}
			continue
		}
		if path != "" {
			fmt.Fprintln(os.Stderr, "Error: disasm takes one image path")
			os.Exit(1)
		}
		path = args[i]
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "Usage: nucleus disasm <image> [-f name]")
		os.Exit(1)
	}

	img, err := openImage(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if native {
		disasmNative(img, filter, verbose)
		return
	}

	shown := 0
	for i, row := range img.Methods {
		name := img.StringAt(row.Name)
		if filter != "" && name != filter {
			continue
		}
		if row.Body == 0 {
			if verbose {
				fmt.Printf("; %s has no body (abstract or runtime)\n\n", qualifiedMethodName(img, uint32(i+1), name))
			}
			continue
		}
		body, err := img.BodyOf(row)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error decoding %s: %v\n", name, err)
			os.Exit(1)
		}
		fmt.Print(body.DisassembleWithName(qualifiedMethodName(img, uint32(i+1), name)))
		fmt.Println()
		shown++
	}

	if filter != "" && shown == 0 {
		fmt.Fprintf(os.Stderr, "No method named %q in %s\n", filter, img.Name)
		os.Exit(1)
	}
}

// disasmNative compiles matching methods and prints the generated nk64
// code. Methods the compiler rejects are reported and skipped so one
// unsupported body does not hide the rest.
func disasmNative(img *metadata.ModuleImage, filter string, verbose bool) {
	reg := metadata.NewRegistry()
	if err := reg.Register(img); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	machine, err := vm.New(reg, vm.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer machine.Close()

	shown := 0
	for i, row := range img.Methods {
		name := img.StringAt(row.Name)
		if filter != "" && name != filter {
			continue
		}
		if row.Body == 0 || row.GenericParams > 0 {
			continue
		}
		tok := metadata.MakeToken(metadata.TableMethod, uint32(i+1))
		m, err := machine.Types.ResolveMethodToken(img, tok, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "; %s: %v\n", name, err)
			continue
		}
		cm, err := machine.Compile(m)
		if err != nil {
			fmt.Fprintf(os.Stderr, "; %s: %v\n", m.FullName(), err)
			continue
		}
		listing, err := machine.Disassemble(cm)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Print(listing)
		fmt.Println()
		shown++
	}
	if filter != "" && shown == 0 {
		fmt.Fprintf(os.Stderr, "No compilable method named %q in %s\n", filter, img.Name)
		os.Exit(1)
	}
}

// openImage reads and parses a module image file.
func openImage(path string) (*metadata.ModuleImage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return metadata.Open(data)
}

// qualifiedMethodName renders Namespace.Type.Method for a 1-based
// method row.
func qualifiedMethodName(img *metadata.ModuleImage, methodRow uint32, name string) string {
	ownerRow, err := img.OwnerOfMethod(methodRow)
	if err != nil {
		return name
	}
	td := img.TypeDefs[ownerRow-1]
	return img.TypeName(td) + "." + name
}

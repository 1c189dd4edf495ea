package main

import (
	"fmt"
	"os"

	"github.com/nucleus-os/nucleus/metadata"
	"github.com/nucleus-os/nucleus/vm"
)

// handleInspectCommand processes the `nucleus inspect` subcommand.
// It resolves every type in the image, so layout problems surface here
// rather than at first use.
// Usage:
//
//	nucleus inspect app.nxm           # all types
//	nucleus inspect app.nxm -t Point  # one type by name
func handleInspectCommand(args []string, verbose bool) {
	var filter string
	var path string

	for i := 0; i < len(args); i++ {
		if args[i] == "-t" || args[i] == "--type" {
			if i+1 < len(args) {
				filter = args[i+1]
				i++
			} else {
				fmt.Fprintln(os.Stderr, "Error: -t requires a type name")
				os.Exit(1)
			}
			continue
		}
		if path != "" {
			fmt.Fprintln(os.Stderr, "Error: inspect takes one image path")
			os.Exit(1)
		}
		path = args[i]
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "Usage: nucleus inspect <image> [-t name]")
		os.Exit(1)
	}

	img, err := openImage(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

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

	fmt.Printf("module %s: %d types, %d methods, %d fields\n\n",
		img.Name, len(img.TypeDefs), len(img.Methods), len(img.Fields))

	shown := 0
	for i := range img.TypeDefs {
		tok := metadata.MakeToken(metadata.TableTypeDef, uint32(i+1))
		t, err := machine.Types.ResolveTypeToken(img, tok, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error resolving %s: %v\n", tok, err)
			os.Exit(1)
		}
		if t.Name == "<Module>" {
			continue
		}
		if filter != "" && t.Name != filter && t.FullName() != filter {
			continue
		}
		printType(t, verbose)
		shown++
	}

	if filter != "" && shown == 0 {
		fmt.Fprintf(os.Stderr, "No type named %q in %s\n", filter, img.Name)
		os.Exit(1)
	}
}

func printType(t *vm.TypeDescriptor, verbose bool) {
	fmt.Printf("%s %s", kindName(t.Kind), t.FullName())
	if t.Base != nil {
		fmt.Printf(" : %s", t.Base.FullName())
	}
	for _, it := range t.Interfaces {
		fmt.Printf(", %s", it.FullName())
	}
	fmt.Printf("  (size %d, align %d)\n", t.Size, t.Align)

	for _, f := range t.Fields {
		fmt.Printf("  +%-4d %-20s %s\n", f.Offset, f.Name, f.Type.FullName())
	}
	for _, f := range t.StaticFields {
		fmt.Printf("  static %-20s %s\n", f.Name, f.Type.FullName())
	}
	for _, m := range t.Methods {
		switch {
		case m.IsStatic():
			fmt.Printf("  static %s/%d\n", m.Name, len(m.Params))
		case m.Slot >= 0:
			fmt.Printf("  slot %-2d %s/%d\n", m.Slot, m.Name, len(m.Params))
		default:
			fmt.Printf("  %s/%d\n", m.Name, len(m.Params))
		}
	}
	if verbose && len(t.VTable) > 0 {
		fmt.Println("  vtable:")
		for slot, m := range t.VTable {
			fmt.Printf("    [%2d] %s\n", slot, m.FullName())
		}
	}
	fmt.Println()
}

func kindName(k vm.TypeKind) string {
	switch k {
	case vm.KindPrimitive:
		return "primitive"
	case vm.KindValueType:
		return "struct"
	case vm.KindInterface:
		return "interface"
	default:
		return "class"
	}
}

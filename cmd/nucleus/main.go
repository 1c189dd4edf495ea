// Nucleus CLI - runs and examines nucleus module images
package main

import (
	"fmt"
	"os"

	"github.com/tliron/commonlog"

	_ "github.com/tliron/commonlog/simple"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: nucleus <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  run [image...]     Run an application (nucleus.toml or explicit images)\n")
	fmt.Fprintf(os.Stderr, "  disasm <image>     Disassemble method bodies in an image\n")
	fmt.Fprintf(os.Stderr, "  inspect <image>    Show types, layouts and methods of an image\n")
	fmt.Fprintf(os.Stderr, "  cache <list|clear> Maintain the warm-start cache\n\n")
	fmt.Fprintf(os.Stderr, "Options:\n")
	fmt.Fprintf(os.Stderr, "  -v    Verbose output\n\n")
	fmt.Fprintf(os.Stderr, "Examples:\n")
	fmt.Fprintf(os.Stderr, "  nucleus run                      # Run app from nucleus.toml\n")
	fmt.Fprintf(os.Stderr, "  nucleus run app.nxm -m Calc.Main # Run explicit image and entry\n")
	fmt.Fprintf(os.Stderr, "  nucleus disasm app.nxm -f Fib    # Disassemble methods named Fib\n")
	fmt.Fprintf(os.Stderr, "  nucleus cache list               # List warm-start cache entries\n")
}

func main() {
	args := os.Args[1:]

	verbose := false
	var rest []string
	for _, a := range args {
		if a == "-v" || a == "--verbose" {
			verbose = true
			continue
		}
		rest = append(rest, a)
	}

	if len(rest) == 0 {
		usage()
		os.Exit(1)
	}

	verbosity := 0
	if verbose {
		verbosity = 2
	}
	commonlog.Configure(verbosity, nil)

	cmd := rest[0]
	cmdArgs := rest[1:]

	switch cmd {
	case "run":
		handleRunCommand(cmdArgs, verbose)
	case "disasm":
		handleDisasmCommand(cmdArgs, verbose)
	case "inspect":
		handleInspectCommand(cmdArgs, verbose)
	case "cache":
		handleCacheCommand(cmdArgs, verbose)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

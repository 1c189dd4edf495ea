package main

import (
	"fmt"
	"os"

	"github.com/nucleus-os/nucleus/manifest"
	"github.com/nucleus-os/nucleus/vm"
)

// handleCacheCommand processes the `nucleus cache` subcommand.
// Usage:
//
//	nucleus cache list             # list warm-start entries
//	nucleus cache clear            # drop all entries
//	nucleus cache list -c jit.db   # explicit cache path
func handleCacheCommand(args []string, verbose bool) {
	var action, path string

	for i := 0; i < len(args); i++ {
		if args[i] == "-c" || args[i] == "--cache" {
			if i+1 < len(args) {
				path = args[i+1]
				i++
			} else {
				fmt.Fprintln(os.Stderr, "Error: -c requires a cache path")
				os.Exit(1)
			}
			continue
		}
		if action != "" {
			fmt.Fprintln(os.Stderr, "Usage: nucleus cache <list|clear> [-c path]")
			os.Exit(1)
		}
		action = args[i]
	}
	if action != "list" && action != "clear" {
		fmt.Fprintln(os.Stderr, "Usage: nucleus cache <list|clear> [-c path]")
		os.Exit(1)
	}

	if path == "" {
		m, err := manifest.FindAndLoad(".")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading manifest: %v\n", err)
			os.Exit(1)
		}
		if m == nil || m.CachePath() == "" {
			fmt.Fprintln(os.Stderr, "Error: no cache configured; pass -c or set runtime.cache-path in nucleus.toml")
			os.Exit(1)
		}
		path = m.CachePath()
	}

	if _, err := os.Stat(path); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cache %s: %v\n", path, err)
		os.Exit(1)
	}

	cache, err := vm.OpenCompileCache(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer cache.Close()

	switch action {
	case "list":
		entries, err := cache.Entries()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(entries) == 0 {
			fmt.Println("cache is empty")
			return
		}
		for _, e := range entries {
			fmt.Printf("%-14s 0x%08X  %6d bytes  %s", e.Module, e.Token, e.CodeBytes, e.Name)
			if verbose {
				fmt.Printf("  (frame %d, recorded %s)", e.FrameSize, e.Recorded.Format("2006-01-02 15:04:05"))
			}
			fmt.Println()
		}
		fmt.Printf("%d entries\n", len(entries))
	case "clear":
		n, err := cache.Clear()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("cleared %d entries\n", n)
	}
}

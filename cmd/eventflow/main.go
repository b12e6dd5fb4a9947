// Package main is the entry point for the eventflow services and tooling.
package main

import (
	"fmt"
	stdlog "log"
)

// Build information injected via ldflags at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s)", version, commit)
	if err := rootCmd.Execute(); err != nil {
		stdlog.Fatalf("Application failed: %v", err)
	}
}

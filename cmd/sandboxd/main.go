// Package main is the entry point for the sandboxd execution engine
// server.
//
// Usage:
//
//	sandboxd serve [flags]
//
// Flags:
//
//	-p, --port string   HTTP server port (default: 8080)
//	-v, --verbose       Enable debug logging
//	    --json-log      Output logs in JSON format
package main

import "github.com/sandboxlabs/sandboxd/internal/cli"

// Version information (set via ldflags at build time).
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	cli.Execute()
}

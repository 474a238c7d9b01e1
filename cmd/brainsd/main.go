// Command brainsd is the process entry point for the brain workflow
// runtime: it serves the HTTP surface, migrates one run's event log
// between stores, and lists scheduled brains from a running server.
package main

import (
	"log/slog"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		slog.Default().Error("brainsd failed", "error", err.Error())
		os.Exit(1)
	}
}

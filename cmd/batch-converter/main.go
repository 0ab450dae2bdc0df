package main

import "os"

// main is the entry point for the batch-converter application.
// Build-time variables live in root.go and are populated via -ldflags.
func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}

// Package main provides the entry point for the hybridrag CLI.
package main

import (
	"os"

	"github.com/odprt-iep/hybridrag/cmd/hybridrag/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

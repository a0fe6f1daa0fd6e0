// Package main is the entry point for the attest CLI.
package main

import (
	"fmt"
	"os"

	"github.com/akvistad/attest/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

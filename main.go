// Package main is the entry point for the bondtun multipath UDP tunnel.
package main

import (
	"fmt"
	"os"

	"github.com/outpostnet/bondtun/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

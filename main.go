// Package main is the entry point for capmux, the capture multiplexer.
package main

import (
	"os"

	"firestige.xyz/capmux/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

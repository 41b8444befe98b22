// Package main is the entry point for the chunkrelay application.
package main

import (
	"os"

	"github.com/jmylchreest/chunkrelay/cmd/chunkrelay/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

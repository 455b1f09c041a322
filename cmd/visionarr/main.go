// Package main is the entry point for the visionarr application.
package main

import (
	"os"

	"github.com/BeltaKoda/visionarr/cmd/visionarr/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

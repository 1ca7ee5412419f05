// Package main is the entry point for the usb-eval benchmark harness.
package main

import (
	"fmt"
	"os"

	"github.com/emichael72/usb-eval/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"
)

// version is stamped by the release build.
var version = "0.3.0-dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

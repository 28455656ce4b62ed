// Package main is the entry point for forkguard, a supervised runner for a
// single forked process. It mirrors the supervised process's outcome in its
// own exit code.
package main

import (
	"os"

	"forkguard/cmd/forkguard/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}

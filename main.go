// The main package for the mediaorch executable.
package main

import (
	"github.com/JakeFAU/media-orchestrator/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}

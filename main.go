// The main package for the image-registry-checker executable.
package main

import (
	"github.com/JakeFAU/image-registry-checker/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}

// The main package for the digwatch executable.
package main

import (
	_ "time/tzdata"

	"github.com/JakeFAU/digwatch/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}

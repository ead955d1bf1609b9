// The main package for the harvest-crawler executable.
package main

import (
	"github.com/JakeFAU/harvest-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}

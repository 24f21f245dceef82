// The main package for the lernfeed executable.
package main

import (
	"github.com/lernfeed/lernfeed/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}

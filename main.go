// The main package for the parcel-ingest executable.
package main

import (
	"github.com/JakeFAU/parcel-ingest/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}

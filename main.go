// The main package for the sitequest executable.
package main

import "github.com/sitequest/sitequest/cmd"

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}

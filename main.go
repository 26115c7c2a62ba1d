// The main package for the anyland-archive executable.
package main

import (
	"github.com/LeCloutPanda/anyland-archive-redux/cmd"
)

func main() {
	cmd.Execute()
}

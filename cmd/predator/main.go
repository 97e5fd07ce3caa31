// Command predator runs the action execution core as an HTTP service and
// offers offline audit verification and export.
package main

import (
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args[1:], os.Stdout, os.Stderr))
}

// Run executes the command line and returns the exit code:
//
//	0 = success
//	1 = audit verification failed
//	2 = runtime error
func Run(args []string, stdout, stderr io.Writer) int {
	root := newRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		if code, ok := exitCodeOf(err); ok {
			return code
		}
		return 2
	}
	return 0
}

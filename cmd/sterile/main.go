package main

import (
	"io"
	"os"
)

// version is stamped at release time via ldflags; default stays dev for local builds.
var version = "0.0.0-dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(arguments []string, stdout, stderr io.Writer) int {
	state := newApp(stdout, stderr)
	root := newRootCommand(state)
	root.SetArgs(arguments)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.Execute()
	state.flushMetrics()
	if err == nil {
		return exitOK
	}
	return state.reportError(err)
}

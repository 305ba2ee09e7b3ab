// cortex is the command-line face of the engine: one-shot agent runs with a
// rendered event stream, plus an embedded server mode.
package main

import "os"

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

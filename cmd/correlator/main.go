// Command correlator runs the Vigilo event correlator: it consumes raw
// supervision events from the bus, runs the correlation rule graph over
// each one and maintains the correlated-event aggregates in the model
// database.
//
// The binary has two modes: `correlator run` (default) starts the full
// engine; `correlator rule-worker` is forked by the engine itself to
// execute rule bodies in isolated processes.
package main

import (
	"fmt"
	"os"
)

func main() {
	mode := "run"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}
	switch mode {
	case "run":
		os.Exit(run())
	case "rule-worker":
		os.Exit(ruleWorker())
	default:
		fmt.Fprintf(os.Stderr, "usage: %s [run|rule-worker]\n", os.Args[0])
		os.Exit(2)
	}
}

// Package main implements a scripted agent binary speaking the stream-json
// protocol over stdin/stdout. Point a claude-sdk profile's command at it to
// exercise the full session pipeline without a real agent backend.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"
)

func main() {
	model := flag.String("model", "mock-model", "model name reported on assistant messages")
	pace := flag.Duration("pace", 5*time.Millisecond, "delay between emitted stream lines")
	flag.Parse()

	a := newAgent(os.Stdin, os.Stdout, *model, *pace)
	if err := a.serve(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
		os.Exit(1)
	}
}

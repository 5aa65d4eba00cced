// Command tagworker is the child-process entrypoint the Worker Pool
// Coordinator (C4) spawns per job. It reads -path/-force, invokes the
// opaque ML inference entry point (explicitly out of scope per spec §1 —
// Processor here is a placeholder a real build replaces), and writes
// exactly one JSON line shaped like workerpool.Result to stdout.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"melodee/audiotag/internal/tagging"
	"melodee/audiotag/internal/workerpool"
)

// Processor is the opaque Process(path, force) -> Result contract from
// spec §1/§4.4. The concrete signal-processing/inference implementation
// lives outside this repository; NoopProcessor below stands in for it so
// the coordinator protocol is exercisable end to end.
type Processor interface {
	Process(path string, force bool) (map[string]interface{}, error)
}

// NoopProcessor reports success without doing any inference, useful for
// exercising the worker-pool protocol (spawn, stdout JSON, exit) without a
// real model. A production build replaces this with one wired to the
// actual ML stack.
type NoopProcessor struct {
	Extractor tagging.Extractor
}

func (p NoopProcessor) Process(path string, force bool) (map[string]interface{}, error) {
	if p.Extractor != nil {
		if _, err := p.Extractor.ExtractMetadata(path); err != nil {
			return nil, fmt.Errorf("extracting metadata from %s: %w", path, err)
		}
	}
	return map[string]interface{}{"path": path, "force": force}, nil
}

func main() {
	path := flag.String("path", "", "absolute path of the file to process")
	force := flag.Bool("force", false, "force re-tagging even if already tagged")
	flag.Parse()

	if *path == "" {
		writeResult(workerpool.Result{Status: "error", Error: "missing -path"})
		os.Exit(2)
	}

	proc := NoopProcessor{Extractor: tagging.DhowdenExtractor{}}
	data, err := proc.Process(*path, *force)
	if err != nil {
		writeResult(workerpool.Result{Status: "error", Error: err.Error()})
		return
	}
	writeResult(workerpool.Result{Status: "ok", Data: data})
}

func writeResult(r workerpool.Result) {
	enc := json.NewEncoder(os.Stdout)
	if err := enc.Encode(r); err != nil {
		fmt.Fprintf(os.Stderr, "tagworker: encoding result: %v\n", err)
		os.Exit(1)
	}
}

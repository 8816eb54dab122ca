// Command flowgen prints synthetic labeled flows as JSON lines.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"log"
	"os"
	"strings"

	"flowqos/pipeline"
)

func main() {
	count := flag.Int("count", 20, "number of flows")
	seed := flag.Int64("seed", 42, "generator seed")
	features := flag.String("features", "", "comma separated features to keep (default: all)")
	flag.Parse()

	var order []string
	if *features != "" {
		for _, name := range strings.Split(*features, ",") {
			order = append(order, strings.TrimSpace(name))
		}
	}

	out := bufio.NewWriter(os.Stdout)
	enc := json.NewEncoder(out)
	for _, flow := range pipeline.GenerateFlows(*count, *seed) {
		flow.Features = pipeline.Restrict(flow.Features, order)
		if err := enc.Encode(flow); err != nil {
			log.Fatalf("failed to write flow: %v", err)
		}
	}
	if err := out.Flush(); err != nil {
		log.Fatalf("failed to flush output: %v", err)
	}
}

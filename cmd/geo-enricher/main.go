// Command geo-enricher resolves every distinct client IP in the event store
// to a location and appends the results to a BSON file. Interrupted runs
// resume after the last committed batch.
package main

import (
	"os"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ahrav/event-enricher/internal/runner"
)

const serviceType = "geo-enricher"

func main() {
	_, _ = maxprocs.Set()

	os.Exit(runner.Execute(runner.Geo(), serviceType, os.Args[1:]))
}

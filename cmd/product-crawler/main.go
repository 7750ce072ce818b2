// Command product-crawler fetches the page of every distinct product seen in
// the event store and extracts its details. Requests are throttled and the
// crawl resumes after the last committed batch.
package main

import (
	"os"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ahrav/event-enricher/internal/runner"
)

const serviceType = "product-crawler"

func main() {
	_, _ = maxprocs.Set()

	os.Exit(runner.Execute(runner.Product(), serviceType, os.Args[1:]))
}

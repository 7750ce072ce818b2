package fileloader

import (
	"github.com/spf13/pflag"
)

// Flags handled by the mains rather than merged into the config.
const (
	FlagConfig = "config"
	FlagReset  = "reset"
)

// RegisterFlags adds the configuration flags to fs. Flag defaults are left
// empty so pipeline defaults, the file and the environment still apply when
// a flag is not given.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String(FlagConfig, "", "path to a YAML config file")
	fs.Bool(FlagReset, false, "delete the checkpoint and work set snapshot, then start over")

	fs.String("source-uri", "", "MongoDB URI of the raw event store")
	fs.String("database", "", "event database")
	fs.String("collection", "", "event collection")

	fs.Int("batch-size", 0, "keys per batch")
	fs.Int("workers", 0, "concurrent keys within a batch")
	fs.Int("max-attempts", 0, "attempts per key for transient failures")
	fs.Duration("base-backoff", 0, "delay before the second attempt")
	fs.Duration("max-backoff", 0, "upper bound of the retry delay")
	fs.Duration("rate-limit-interval", 0, "minimum spacing between lookups")
	fs.Duration("rate-limit-jitter", 0, "random extra delay added before each lookup")
	fs.Duration("batch-delay", 0, "pause between batches")
	fs.Bool("retry-failed", false, "re-run transiently failed keys after the main pass")

	fs.String("output-path", "", "BSON output file")
	fs.String("failure-log-path", "", "JSON lines failure log")
	fs.String("snapshot-path", "", "work set snapshot file")
	fs.String("summary-path", "", "YAML run summary file")
	fs.String("mongo-sink-collection", "", "also upsert records into this collection")

	fs.String("checkpoint-backend", "", "file, postgres or memory")
	fs.String("checkpoint-path", "", "checkpoint file for the file backend")
	fs.String("postgres-dsn", "", "DSN for the postgres backend")

	fs.String("geo-database-path", "", "IP2Location BIN file")
	fs.String("fetcher", "", "http or browser")
	fs.String("archive-dir", "", "write fetched pages as WARC files into this directory")

	fs.StringSlice("kafka-brokers", nil, "publish progress events to these brokers")
	fs.String("log-level", "", "debug, info, warn or error")
	fs.String("debug-addr", "", "serve runtime metrics and statsviz on this address")
}

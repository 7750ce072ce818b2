// Package config defines the runtime configuration of the enrichment
// pipelines.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Pipeline names a concrete enrichment pipeline.
type Pipeline string

const (
	PipelineGeo     Pipeline = "geo"
	PipelineProduct Pipeline = "product"
)

// CheckpointBackend selects where checkpoints are committed.
type CheckpointBackend string

const (
	CheckpointFile     CheckpointBackend = "file"
	CheckpointPostgres CheckpointBackend = "postgres"
	// CheckpointMemory keeps progress for the lifetime of the process only.
	// Such runs cannot be resumed.
	CheckpointMemory CheckpointBackend = "memory"
)

// Fetcher selects how product pages are loaded.
type Fetcher string

const (
	FetcherHTTP    Fetcher = "http"
	FetcherBrowser Fetcher = "browser"
)

// Config is read once at startup and treated as immutable afterwards.
type Config struct {
	Pipeline Pipeline `mapstructure:"pipeline" validate:"required,oneof=geo product"`

	// Source of the work set.
	SourceURI  string `mapstructure:"source_uri" validate:"required"`
	Database   string `mapstructure:"database" validate:"required"`
	Collection string `mapstructure:"collection" validate:"required"`
	IPField    string `mapstructure:"ip_field"`

	// Engine.
	BatchSize         int           `mapstructure:"batch_size" validate:"min=1"`
	Workers           int           `mapstructure:"workers" validate:"min=1"`
	MaxAttempts       int           `mapstructure:"max_attempts" validate:"min=1"`
	BaseBackoff       time.Duration `mapstructure:"base_backoff" validate:"min=1ms"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff" validate:"gtefield=BaseBackoff"`
	AttemptTimeout    time.Duration `mapstructure:"attempt_timeout" validate:"min=0s"`
	RateLimitInterval time.Duration `mapstructure:"rate_limit_interval" validate:"min=0s"`
	RateLimitJitter   time.Duration `mapstructure:"rate_limit_jitter" validate:"min=0s"`
	BatchDelay        time.Duration `mapstructure:"batch_delay" validate:"min=0s"`
	RetryFailed       bool          `mapstructure:"retry_failed"`

	// Output and state files.
	OutputPath     string `mapstructure:"output_path" validate:"required"`
	FailureLogPath string `mapstructure:"failure_log_path" validate:"required"`
	SnapshotPath   string `mapstructure:"snapshot_path" validate:"required"`
	SummaryPath    string `mapstructure:"summary_path"`

	// Optional keyed upsert of every record into MongoDB.
	MongoSinkCollection string `mapstructure:"mongo_sink_collection"`

	CheckpointBackend CheckpointBackend `mapstructure:"checkpoint_backend" validate:"oneof=file postgres memory"`
	CheckpointPath    string            `mapstructure:"checkpoint_path" validate:"required_if=CheckpointBackend file"`
	PostgresDSN       string            `mapstructure:"postgres_dsn" validate:"required_if=CheckpointBackend postgres"`
	MigrationsPath    string            `mapstructure:"migrations_path"`

	// Geo pipeline.
	GeoDatabasePath string `mapstructure:"geo_database_path" validate:"required_if=Pipeline geo"`

	// Product pipeline.
	Fetcher         Fetcher       `mapstructure:"fetcher" validate:"omitempty,oneof=http browser"`
	ChromePath      string        `mapstructure:"chrome_path"`
	PageLoadTimeout time.Duration `mapstructure:"page_load_timeout" validate:"min=0s"`
	SettleDelay     time.Duration `mapstructure:"settle_delay" validate:"min=0s"`
	ArchiveDir      string        `mapstructure:"archive_dir"`

	// Progress events.
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic" validate:"required_with=KafkaBrokers"`

	// Publishing completed output.
	ObjectStoreEndpoint  string `mapstructure:"object_store_endpoint"`
	ObjectStoreAccessKey string `mapstructure:"object_store_access_key"`
	ObjectStoreSecretKey string `mapstructure:"object_store_secret_key"`
	ObjectStoreBucket    string `mapstructure:"object_store_bucket" validate:"required_with=ObjectStoreEndpoint"`
	ObjectStoreUseSSL    bool   `mapstructure:"object_store_use_ssl"`
	ObjectStorePrefix    string `mapstructure:"object_store_prefix"`

	// Observability.
	LogLevel     string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	DebugAddr    string `mapstructure:"debug_addr"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// Defaults returns the settings each pipeline was tuned with. The geo
// pipeline is local and CPU bound; the product pipeline talks to a remote
// shop and is throttled.
func Defaults(p Pipeline) map[string]any {
	d := map[string]any{
		"pipeline":           string(p),
		"source_uri":         "mongodb://localhost:27017",
		"database":           "glamira",
		"collection":         "summary",
		"ip_field":           "ip",
		"max_attempts":       3,
		"base_backoff":       time.Second,
		"max_backoff":        30 * time.Second,
		"attempt_timeout":    time.Duration(0),
		"retry_failed":       false,
		"checkpoint_backend": string(CheckpointFile),
		"migrations_path":    "file://db/migrations",
		"log_level":          "info",
		"kafka_topic":        "enrichment-progress",
	}

	switch p {
	case PipelineGeo:
		d["batch_size"] = 1000
		d["workers"] = runtime.GOMAXPROCS(0)
		d["rate_limit_interval"] = time.Duration(0)
		d["rate_limit_jitter"] = time.Duration(0)
		d["batch_delay"] = time.Duration(0)
		d["output_path"] = "./output/ip_locations.bson"
		d["failure_log_path"] = "./output/ip_locations_failures.jsonl"
		d["snapshot_path"] = "./output/unique_ips.txt"
		d["checkpoint_path"] = "./output/processing_state.json"
		d["summary_path"] = "./output/ip_summary.yaml"
		d["geo_database_path"] = "./IP-COUNTRY-REGION-CITY.BIN"
	case PipelineProduct:
		d["batch_size"] = 50
		d["workers"] = 1
		d["rate_limit_interval"] = 2 * time.Second
		d["rate_limit_jitter"] = time.Second
		d["batch_delay"] = 5 * time.Second
		d["output_path"] = "./output/product_details.bson"
		d["failure_log_path"] = "./output/product_failures.jsonl"
		d["snapshot_path"] = "./output/unique_product_ids.json"
		d["checkpoint_path"] = "./output/product_crawl_state.json"
		d["summary_path"] = "./output/product_summary.yaml"
		d["fetcher"] = string(FetcherHTTP)
		d["page_load_timeout"] = 30 * time.Second
		d["settle_delay"] = 3 * time.Second
	}
	return d
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks cfg and reports every violation at once.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("%s fails %q", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("%s fails %q (%s)", fe.Namespace(), fe.Tag(), fe.Param())
		}
		msgs = append(msgs, msg)
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

// Package objectstore uploads the output files of a completed run to an
// S3-compatible bucket.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/event-enricher/internal/domain/enrichment"
	"github.com/ahrav/event-enricher/internal/infra/storage"
	"github.com/ahrav/event-enricher/pkg/common/logger"
)

// Config locates the bucket.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// Prefix is prepended to every object name.
	Prefix string
}

type bucketClient interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Publisher uploads files once a run completes. Aborted runs publish
// nothing, since their output is partial.
type Publisher struct {
	client bucketClient
	bucket string
	prefix string
	files  []string

	logger *logger.Logger
	tracer trace.Tracer
}

// New connects a minio client for cfg. files are the local paths uploaded
// on completion; missing files are skipped.
func New(cfg Config, files []string, logger *logger.Logger, tracer trace.Tracer) (*Publisher, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("object store endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("object store bucket is required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}
	return newPublisher(client, cfg.Bucket, cfg.Prefix, files, logger, tracer), nil
}

func newPublisher(client bucketClient, bucket, prefix string, files []string, logger *logger.Logger, tracer trace.Tracer) *Publisher {
	return &Publisher{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		files:  files,
		logger: logger.With("component", "object_store_publisher", "bucket", bucket),
		tracer: tracer,
	}
}

// ObjectName is where file lands for a run.
func (p *Publisher) ObjectName(summary enrichment.Summary, file string) string {
	return path.Join(p.prefix, summary.Pipeline, summary.RunID, filepath.Base(file))
}

// Publish uploads the configured files under the run's prefix.
func (p *Publisher) Publish(ctx context.Context, summary enrichment.Summary) error {
	attrs := []attribute.KeyValue{
		attribute.String("bucket", p.bucket),
		attribute.String("run_id", summary.RunID),
	}
	return storage.ExecuteAndTrace(ctx, p.tracer, "object_store.publish", attrs, func(ctx context.Context) error {
		exists, err := p.client.BucketExists(ctx, p.bucket)
		if err != nil {
			return fmt.Errorf("failed to check bucket %s: %w", p.bucket, err)
		}
		if !exists {
			if err := p.client.MakeBucket(ctx, p.bucket, minio.MakeBucketOptions{}); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", p.bucket, err)
			}
		}

		for _, file := range p.files {
			if _, err := os.Stat(file); errors.Is(err, os.ErrNotExist) {
				p.logger.Warn(ctx, "skipping missing output file", "file", file)
				continue
			}

			object := p.ObjectName(summary, file)
			info, err := p.client.FPutObject(ctx, p.bucket, object, file, minio.PutObjectOptions{
				ContentType: contentType(file),
			})
			if err != nil {
				return fmt.Errorf("failed to upload %s: %w", file, err)
			}
			p.logger.Info(ctx, "output published", "object", object, "size", info.Size)
		}
		return nil
	})
}

// BatchCommitted is a no-op; only complete output is published.
func (p *Publisher) BatchCommitted(context.Context, enrichment.BatchCommitted) error { return nil }

// RunFinished publishes when the run completed.
func (p *Publisher) RunFinished(ctx context.Context, summary enrichment.Summary) error {
	if summary.State != enrichment.RunStateCompleted {
		p.logger.Info(ctx, "run not completed, skipping publish", "state", summary.State)
		return nil
	}
	return p.Publish(ctx, summary)
}

func contentType(file string) string {
	switch filepath.Ext(file) {
	case ".bson":
		return "application/bson"
	case ".json":
		return "application/json"
	case ".jsonl":
		return "application/x-ndjson"
	case ".yaml", ".yml":
		return "application/yaml"
	case ".gz":
		return "application/gzip"
	default:
		return "application/octet-stream"
	}
}

// Package archive keeps the raw product pages of a crawl in WARC files.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/nlnwa/gowarc/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/event-enricher/internal/app/product"
	"github.com/ahrav/event-enricher/internal/domain/enrichment"
	"github.com/ahrav/event-enricher/internal/infra/storage"
)

// HeaderProductID carries the work key on every archived response record.
const HeaderProductID = "WARC-Product-Id"

// Config controls where and how archives are written.
type Config struct {
	Directory   string
	Prefix      string
	Compress    bool
	MaxFileSize int64
}

var _ product.Archiver = (*WARCArchiver)(nil)

// WARCArchiver writes one response record per fetched page. The underlying
// writer rotates files once MaxFileSize is reached.
type WARCArchiver struct {
	writer *gowarc.WarcFileWriter
	tracer trace.Tracer
}

// NewWARCArchiver returns an archiver writing into cfg.Directory.
func NewWARCArchiver(cfg Config, tracer trace.Tracer) *WARCArchiver {
	if cfg.Prefix == "" {
		cfg.Prefix = "products-"
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 1 << 30
	}

	w := gowarc.NewWarcFileWriter(
		gowarc.WithFileNameGenerator(&gowarc.PatternNameGenerator{
			Directory: cfg.Directory,
			Prefix:    cfg.Prefix,
		}),
		gowarc.WithCompression(cfg.Compress),
		gowarc.WithMaxFileSize(cfg.MaxFileSize),
	)
	return &WARCArchiver{writer: w, tracer: tracer}
}

// Archive stores page as an HTTP response record.
func (a *WARCArchiver) Archive(ctx context.Context, key enrichment.WorkKey, page *product.Page) error {
	attrs := []attribute.KeyValue{
		attribute.String("key", key.String()),
		attribute.String("url", page.URL),
	}
	return storage.ExecuteAndTrace(ctx, a.tracer, "warc_archiver.archive", attrs, func(ctx context.Context) error {
		rec, err := buildRecord(key, page)
		if err != nil {
			return err
		}

		for _, resp := range a.writer.Write(rec) {
			if resp.Err != nil {
				return fmt.Errorf("failed to write warc record for %s: %w", key, resp.Err)
			}
		}
		return nil
	})
}

func buildRecord(key enrichment.WorkKey, page *product.Page) (gowarc.WarcRecord, error) {
	target := page.URL
	if target == "" {
		target = page.RequestURL
	}

	rb := gowarc.NewRecordBuilder(gowarc.Response)
	rb.AddWarcHeader(gowarc.WarcRecordID, "<urn:uuid:"+uuid.NewString()+">")
	rb.AddWarcHeader(gowarc.WarcTargetURI, target)
	rb.AddWarcHeaderTime(gowarc.WarcDate, page.FetchedAt.UTC())
	rb.AddWarcHeader(gowarc.ContentType, "application/http;msgtype=response")
	rb.AddWarcHeader(HeaderProductID, key.String())

	var block bytes.Buffer
	fmt.Fprintf(&block, "HTTP/1.1 %d %s\r\n", page.StatusCode, http.StatusText(page.StatusCode))
	block.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	fmt.Fprintf(&block, "Content-Length: %d\r\n\r\n", len(page.Body))
	block.Write(page.Body)

	if _, err := rb.Write(block.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to buffer warc block: %w", err)
	}

	rec, _, err := rb.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build warc record: %w", err)
	}
	return rec, nil
}

// Close flushes and closes the current WARC file.
func (a *WARCArchiver) Close() error {
	if a.writer == nil {
		return errors.New("archiver not initialized")
	}
	return a.writer.Close()
}

// Package bsonfile implements the append-only file sink: enriched records as
// concatenated BSON documents and failures as JSON lines.
package bsonfile

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/event-enricher/internal/domain/enrichment"
	"github.com/ahrav/event-enricher/internal/infra/storage"
	"github.com/ahrav/event-enricher/pkg/common/logger"
)

var _ enrichment.ResultSink = (*Sink)(nil)

// Sink appends to two files opened with O_APPEND. Every append is fsynced
// before it returns.
type Sink struct {
	mu sync.Mutex

	records  *os.File
	failures *os.File

	logger *logger.Logger
	tracer trace.Tracer
}

// Open opens (creating if needed) the record and failure files. A torn
// trailing document left by a crash in the middle of an append is truncated
// away before new records are written.
func Open(recordsPath, failuresPath string, logger *logger.Logger, tracer trace.Tracer) (*Sink, error) {
	for _, p := range []string{recordsPath, failuresPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	s := &Sink{
		logger: logger.With("component", "bson_sink"),
		tracer: tracer,
	}

	records, err := os.OpenFile(recordsPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", recordsPath, err)
	}
	if err := s.repair(records); err != nil {
		records.Close()
		return nil, err
	}

	failures, err := os.OpenFile(failuresPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		records.Close()
		return nil, fmt.Errorf("failed to open %s: %w", failuresPath, err)
	}

	for _, dir := range []string{filepath.Dir(recordsPath), filepath.Dir(failuresPath)} {
		if err := storage.SyncDir(dir); err != nil {
			records.Close()
			failures.Close()
			return nil, err
		}
	}

	s.records, s.failures = records, failures
	return s, nil
}

// repair truncates a torn trailing document left by an interrupted append.
// A damaged document with intact data after it is never truncated: Open fails
// and the file is left for the operator.
func (s *Sink) repair(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", f.Name(), err)
	}

	valid, err := scan(io.NewSectionReader(f, 0, info.Size()), info.Size(), func(bson.Raw) error { return nil })
	if errors.Is(err, ErrCorruptDocument) {
		return &enrichment.SinkWriteError{Sink: f.Name(), Err: err}
	}
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", f.Name(), err)
	}
	if valid == info.Size() {
		return nil
	}

	s.logger.Warn(context.Background(), "truncating torn trailing document",
		"path", f.Name(),
		"size", info.Size(),
		"valid", valid,
	)
	if err := f.Truncate(valid); err != nil {
		return fmt.Errorf("failed to truncate %s: %w", f.Name(), err)
	}
	return f.Sync()
}

// AppendAll encodes records as BSON documents and appends them in order.
func (s *Sink) AppendAll(ctx context.Context, records []enrichment.Record) error {
	attrs := []attribute.KeyValue{
		attribute.String("path", s.records.Name()),
		attribute.Int("records", len(records)),
	}
	return storage.ExecuteAndTrace(ctx, s.tracer, "bson_sink.append_all", attrs, func(ctx context.Context) error {
		var buf bytes.Buffer
		for _, r := range records {
			doc, err := bson.Marshal(r)
			if err != nil {
				return &enrichment.SinkWriteError{Sink: s.records.Name(), Err: fmt.Errorf("encoding %s: %w", r.Key(), err)}
			}
			buf.Write(doc)
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		return s.write(s.records, buf.Bytes())
	})
}

type failureLine struct {
	Key      enrichment.WorkKey   `json:"key"`
	Index    int                  `json:"index"`
	Kind     enrichment.ErrorKind `json:"kind"`
	Reason   enrichment.Reason    `json:"reason"`
	Attempts int                  `json:"attempts"`
	Error    string               `json:"error"`
	FailedAt time.Time            `json:"failed_at"`
}

// AppendFailures appends one JSON line per failure to the skip log.
func (s *Sink) AppendFailures(ctx context.Context, failures []enrichment.KeyFailure) error {
	attrs := []attribute.KeyValue{
		attribute.String("path", s.failures.Name()),
		attribute.Int("failures", len(failures)),
	}
	return storage.ExecuteAndTrace(ctx, s.tracer, "bson_sink.append_failures", attrs, func(ctx context.Context) error {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for _, f := range failures {
			line := failureLine{
				Key:      f.Key,
				Index:    f.Index,
				Kind:     f.Kind,
				Reason:   f.Reason,
				Attempts: f.Attempts,
				FailedAt: f.FailedAt.UTC(),
			}
			if f.Err != nil {
				line.Error = f.Err.Error()
			}
			if err := enc.Encode(line); err != nil {
				return &enrichment.SinkWriteError{Sink: s.failures.Name(), Err: err}
			}
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		return s.write(s.failures, buf.Bytes())
	})
}

func (s *Sink) write(f *os.File, data []byte) error {
	if _, err := f.Write(data); err != nil {
		return &enrichment.SinkWriteError{Sink: f.Name(), Err: err}
	}
	if err := f.Sync(); err != nil {
		return &enrichment.SinkWriteError{Sink: f.Name(), Err: err}
	}
	return nil
}

// Close closes both files.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.records.Close(), s.failures.Close())
}

// ErrCorruptDocument is returned when a document that is not the last one in
// the file cannot be decoded.
var ErrCorruptDocument = errors.New("corrupt bson document")

// ReadRecords calls fn for every complete document in the BSON file at path.
// A torn trailing document is ignored.
func ReadRecords(path string, fn func(bson.Raw) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	_, err = scan(f, info.Size(), fn)
	return err
}

// scan walks the documents in the first size bytes of r and returns the
// offset just past the last complete one. A final document that runs past
// size or fails validation is a torn tail and ends the scan without error.
func scan(r io.Reader, size int64, fn func(bson.Raw) error) (int64, error) {
	br := bufio.NewReader(r)
	var (
		off    int64
		header [4]byte
	)
	for off < size {
		remaining := size - off
		if remaining < int64(len(header)) {
			return off, nil
		}
		if _, err := io.ReadFull(br, header[:]); err != nil {
			return off, err
		}

		n := int64(int32(binary.LittleEndian.Uint32(header[:])))
		if n > remaining {
			return off, nil
		}
		if n < 5 {
			return off, fmt.Errorf("%w: invalid length %d at offset %d", ErrCorruptDocument, n, off)
		}

		doc := make([]byte, n)
		copy(doc, header[:])
		if _, err := io.ReadFull(br, doc[4:]); err != nil {
			return off, err
		}

		raw := bson.Raw(doc)
		if err := raw.Validate(); err != nil {
			if n == remaining {
				return off, nil
			}
			return off, fmt.Errorf("%w at offset %d: %w", ErrCorruptDocument, off, err)
		}
		if err := fn(raw); err != nil {
			return off, err
		}
		off += n
	}
	return off, nil
}

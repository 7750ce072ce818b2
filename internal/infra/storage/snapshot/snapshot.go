// Package snapshot persists the materialized work set of a pipeline.
//
// Two encodings are supported, chosen by file extension: ".txt" holds one key
// per line (attributes are not kept), anything else holds a JSON array of
// work items.
package snapshot

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/event-enricher/internal/domain/enrichment"
	"github.com/ahrav/event-enricher/internal/infra/storage"
)

var _ enrichment.SnapshotStore = (*Store)(nil)

// Store is a file-backed enrichment.SnapshotStore.
type Store struct {
	path   string
	tracer trace.Tracer
}

// New creates a snapshot store at path.
func New(path string, tracer trace.Tracer) *Store {
	return &Store{path: path, tracer: tracer}
}

// Location returns the snapshot path.
func (s *Store) Location() string { return s.path }

func (s *Store) plainText() bool { return strings.EqualFold(filepath.Ext(s.path), ".txt") }

// Load reads the snapshot. It reports false when the file does not exist.
func (s *Store) Load(ctx context.Context) ([]enrichment.WorkItem, bool, error) {
	var (
		items  []enrichment.WorkItem
		exists bool
	)
	attrs := []attribute.KeyValue{attribute.String("path", s.path)}
	err := storage.ExecuteAndTrace(ctx, s.tracer, "snapshot.load", attrs, func(ctx context.Context) error {
		data, err := os.ReadFile(s.path)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read snapshot: %w", err)
		}
		exists = true

		if s.plainText() {
			items, err = decodeLines(data)
		} else {
			err = json.Unmarshal(data, &items)
		}
		if err != nil {
			return fmt.Errorf("failed to decode snapshot %s: %w", s.path, err)
		}
		return nil
	})
	return items, exists, err
}

// Save atomically writes items as the snapshot.
func (s *Store) Save(ctx context.Context, items []enrichment.WorkItem) error {
	attrs := []attribute.KeyValue{
		attribute.String("path", s.path),
		attribute.Int("keys", len(items)),
	}
	return storage.ExecuteAndTrace(ctx, s.tracer, "snapshot.save", attrs, func(ctx context.Context) error {
		var (
			data []byte
			err  error
		)
		if s.plainText() {
			data = encodeLines(items)
		} else if data, err = json.MarshalIndent(items, "", "  "); err != nil {
			return fmt.Errorf("failed to encode snapshot: %w", err)
		}
		return storage.WriteFileAtomic(s.path, data, 0o644)
	})
}

// Reset removes the snapshot file.
func (s *Store) Reset(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove snapshot: %w", err)
	}
	return nil
}

func decodeLines(data []byte) ([]enrichment.WorkItem, error) {
	var items []enrichment.WorkItem
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		items = append(items, enrichment.WorkItem{Key: enrichment.WorkKey(line)})
	}
	return items, sc.Err()
}

func encodeLines(items []enrichment.WorkItem) []byte {
	var buf bytes.Buffer
	for _, it := range items {
		buf.WriteString(string(it.Key))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

package bsonfile

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/ahrav/event-enricher/internal/domain/enrichment"
	"github.com/ahrav/event-enricher/internal/infra/storage"
	"github.com/ahrav/event-enricher/pkg/common/logger"
)

func strPtr(s string) *string { return &s }

func openSink(t *testing.T) (*Sink, string, string) {
	t.Helper()
	dir := t.TempDir()
	records := filepath.Join(dir, "out", "locations.bson")
	failures := filepath.Join(dir, "out", "locations_failures.jsonl")

	s, err := Open(records, failures, logger.Noop(), storage.NoOpTracer())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, records, failures
}

func readAll(t *testing.T, path string) []enrichment.Location {
	t.Helper()
	var out []enrichment.Location
	require.NoError(t, ReadRecords(path, func(raw bson.Raw) error {
		var loc enrichment.Location
		if err := bson.Unmarshal(raw, &loc); err != nil {
			return err
		}
		out = append(out, loc)
		return nil
	}))
	return out
}

func TestAppendAllPreservesOrderAcrossAppends(t *testing.T) {
	ctx := context.Background()
	s, records, _ := openSink(t)

	require.NoError(t, s.AppendAll(ctx, []enrichment.Record{
		&enrichment.Location{IPAddress: "1.1.1.1", CountryCode: strPtr("AU"), Matched: true},
		&enrichment.Location{IPAddress: "2.2.2.2"},
	}))
	require.NoError(t, s.AppendAll(ctx, []enrichment.Record{
		&enrichment.Location{IPAddress: "3.3.3.3"},
	}))

	got := readAll(t, records)
	require.Len(t, got, 3)
	assert.Equal(t, "1.1.1.1", got[0].IPAddress)
	assert.Equal(t, "AU", *got[0].CountryCode)
	assert.True(t, got[0].Matched)
	assert.Nil(t, got[1].CountryCode)
	assert.Equal(t, "3.3.3.3", got[2].IPAddress)
}

func TestOpenTruncatesTornTail(t *testing.T) {
	ctx := context.Background()
	s, records, failures := openSink(t)
	require.NoError(t, s.AppendAll(ctx, []enrichment.Record{
		&enrichment.Location{IPAddress: "1.1.1.1"},
	}))
	require.NoError(t, s.Close())

	info, err := os.Stat(records)
	require.NoError(t, err)
	good := info.Size()

	doc, err := bson.Marshal(&enrichment.Location{IPAddress: "2.2.2.2"})
	require.NoError(t, err)
	f, err := os.OpenFile(records, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write(doc[:len(doc)/2])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := Open(records, failures, logger.Noop(), storage.NoOpTracer())
	require.NoError(t, err)
	defer reopened.Close()

	info, err = os.Stat(records)
	require.NoError(t, err)
	assert.Equal(t, good, info.Size())

	require.NoError(t, reopened.AppendAll(ctx, []enrichment.Record{
		&enrichment.Location{IPAddress: "2.2.2.2"},
	}))
	got := readAll(t, records)
	require.Len(t, got, 2)
	assert.Equal(t, "2.2.2.2", got[1].IPAddress)
}

func TestOpenRejectsCorruptDocumentBeforeIntactRecords(t *testing.T) {
	ctx := context.Background()
	s, records, failures := openSink(t)
	require.NoError(t, s.AppendAll(ctx, []enrichment.Record{
		&enrichment.Location{IPAddress: "1.1.1.1"},
		&enrichment.Location{IPAddress: "2.2.2.2"},
		&enrichment.Location{IPAddress: "3.3.3.3"},
	}))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(records)
	require.NoError(t, err)
	first, err := bson.Marshal(&enrichment.Location{IPAddress: "1.1.1.1"})
	require.NoError(t, err)
	data[len(first)-1] = 0x01
	require.NoError(t, os.WriteFile(records, data, 0o644))

	_, err = Open(records, failures, logger.Noop(), storage.NoOpTracer())
	require.ErrorIs(t, err, &enrichment.SinkWriteError{})
	assert.ErrorIs(t, err, ErrCorruptDocument)

	after, err := os.ReadFile(records)
	require.NoError(t, err)
	assert.Equal(t, data, after)

	err = ReadRecords(records, func(bson.Raw) error { return nil })
	assert.ErrorIs(t, err, ErrCorruptDocument)
}

func TestOpenTruncatesOversizedTrailingHeader(t *testing.T) {
	ctx := context.Background()
	s, records, failures := openSink(t)
	require.NoError(t, s.AppendAll(ctx, []enrichment.Record{
		&enrichment.Location{IPAddress: "1.1.1.1"},
	}))
	require.NoError(t, s.Close())

	info, err := os.Stat(records)
	require.NoError(t, err)
	good := info.Size()

	f, err := os.OpenFile(records, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xff, 0xff, 0xff, 0x7f, 0x03})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := Open(records, failures, logger.Noop(), storage.NoOpTracer())
	require.NoError(t, err)
	defer reopened.Close()

	info, err = os.Stat(records)
	require.NoError(t, err)
	assert.Equal(t, good, info.Size())
	assert.Len(t, readAll(t, records), 1)
}

func TestAppendFailuresWritesJSONLines(t *testing.T) {
	ctx := context.Background()
	s, _, failures := openSink(t)

	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.AppendFailures(ctx, []enrichment.KeyFailure{
		{
			Key:      "1.2.3",
			Index:    4,
			Kind:     enrichment.KindPermanent,
			Reason:   enrichment.ReasonMalformedInput,
			Attempts: 1,
			Err:      errors.New("invalid ip"),
			FailedAt: at,
		},
	}))

	f, err := os.Open(failures)
	require.NoError(t, err)
	defer f.Close()

	sc := bufio.NewScanner(f)
	require.True(t, sc.Scan())
	var line map[string]any
	require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
	assert.Equal(t, "1.2.3", line["key"])
	assert.Equal(t, float64(4), line["index"])
	assert.Equal(t, "permanent", line["kind"])
	assert.Equal(t, "malformed_input", line["reason"])
	assert.Equal(t, "invalid ip", line["error"])
	assert.False(t, sc.Scan())
}

func TestAppendAfterCloseIsSinkWriteError(t *testing.T) {
	s, _, _ := openSink(t)
	require.NoError(t, s.records.Close())

	err := s.AppendAll(context.Background(), []enrichment.Record{&enrichment.Location{IPAddress: "1.1.1.1"}})
	require.ErrorIs(t, err, &enrichment.SinkWriteError{})
}

// Package sink holds result sink helpers shared by the concrete sinks.
package sink

import (
	"context"
	"errors"

	"github.com/ahrav/event-enricher/internal/domain/enrichment"
)

var _ enrichment.ResultSink = Tee(nil)

// Tee fans every append out to its sinks in order. The first failing sink
// stops the append and its error is returned, so the checkpoint is only
// committed when every sink holds the batch.
type Tee []enrichment.ResultSink

// NewTee returns a Tee over sinks, skipping nil entries.
func NewTee(sinks ...enrichment.ResultSink) Tee {
	t := make(Tee, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			t = append(t, s)
		}
	}
	return t
}

func (t Tee) AppendAll(ctx context.Context, records []enrichment.Record) error {
	for _, s := range t {
		if err := s.AppendAll(ctx, records); err != nil {
			return err
		}
	}
	return nil
}

func (t Tee) AppendFailures(ctx context.Context, failures []enrichment.KeyFailure) error {
	for _, s := range t {
		if err := s.AppendFailures(ctx, failures); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every sink and joins their errors.
func (t Tee) Close() error {
	var errs []error
	for _, s := range t {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

package enrichment

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/event-enricher/pkg/common/timeutil"
)

func newTestCheckpoint(t *testing.T, total int) (*Checkpoint, *timeutil.Mock) {
	t.Helper()
	clock := timeutil.NewMock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewCheckpoint("geo", uuid.New(), total, "digest", WithCheckpointTimeProvider(clock)), clock
}

func success(key string) Record { return &Location{IPAddress: key} }

func TestNewCheckpoint(t *testing.T) {
	cp, clock := newTestCheckpoint(t, 10)

	assert.Equal(t, "geo", cp.Pipeline())
	assert.Equal(t, 10, cp.TotalKeys())
	assert.Equal(t, 0, cp.CompletedCount())
	assert.Equal(t, -1, cp.LastCompletedIndex())
	assert.Equal(t, 0, cp.ResumeOffset())
	assert.False(t, cp.IsComplete())
	assert.Equal(t, clock.Now(), cp.StartedAt())
	require.NoError(t, cp.Validate())
}

func TestCheckpointAdvance(t *testing.T) {
	cp, clock := newTestCheckpoint(t, 5)

	clock.Advance(time.Minute)
	err := cp.Advance(&BatchResult{
		Number:    1,
		Offset:    0,
		Succeeded: []Record{success("a"), success("c")},
		Failed: []KeyFailure{
			{Key: "b", Kind: KindTransient, Attempts: 3},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, cp.CompletedCount())
	assert.Equal(t, 2, cp.LastCompletedIndex())
	assert.Equal(t, 3, cp.ResumeOffset())
	assert.Equal(t, []WorkKey{"b"}, cp.FailedKeys())
	assert.Equal(t, []WorkKey{"b"}, cp.TransientFailedKeys())
	assert.Equal(t, clock.Now(), cp.UpdatedAt())
	require.NoError(t, cp.Validate())

	err = cp.Advance(&BatchResult{
		Number:    2,
		Offset:    3,
		Succeeded: []Record{success("d")},
		Failed:    []KeyFailure{{Key: "e", Kind: KindPermanent, Attempts: 1}},
	})
	require.NoError(t, err)
	assert.True(t, cp.IsComplete())
	assert.Equal(t, 1, cp.PermanentFailedCount())
	require.NoError(t, cp.Validate())
}

func TestCheckpointAdvanceRejectsGaps(t *testing.T) {
	cp, _ := newTestCheckpoint(t, 5)

	err := cp.Advance(&BatchResult{Offset: 2, Succeeded: []Record{success("x")}})
	require.Error(t, err)
	assert.Equal(t, -1, cp.LastCompletedIndex())

	err = cp.Advance(&BatchResult{Offset: 0, Succeeded: []Record{
		success("1"), success("2"), success("3"), success("4"), success("5"), success("6"),
	}})
	require.Error(t, err)
}

func TestCheckpointRecoverAndRefail(t *testing.T) {
	cp, _ := newTestCheckpoint(t, 3)
	require.NoError(t, cp.Advance(&BatchResult{
		Offset: 0,
		Failed: []KeyFailure{
			{Key: "a", Kind: KindTransient},
			{Key: "b", Kind: KindTransient},
			{Key: "c", Kind: KindTransient},
		},
	}))

	require.NoError(t, cp.Recover("a"))
	require.NoError(t, cp.Refail(KeyFailure{Key: "b", Kind: KindPermanent}))
	require.NoError(t, cp.Refail(KeyFailure{Key: "c", Kind: KindTransient}))

	assert.Equal(t, 1, cp.CompletedCount())
	assert.Equal(t, []WorkKey{"b", "c"}, cp.FailedKeys())
	assert.Equal(t, []WorkKey{"c"}, cp.TransientFailedKeys())
	require.NoError(t, cp.Validate())

	assert.Error(t, cp.Recover("a"))
	assert.Error(t, cp.Refail(KeyFailure{Key: "zzz"}))
}

func TestCheckpointRecoverManyKeepsOrder(t *testing.T) {
	const n = 1000
	cp, _ := newTestCheckpoint(t, n)

	res := &BatchResult{Offset: 0}
	for i := range n {
		res.Failed = append(res.Failed, KeyFailure{Key: WorkKey(fmt.Sprintf("k%04d", i)), Kind: KindTransient})
	}
	require.NoError(t, cp.Advance(res))

	// Recover every key except multiples of ten, newest first.
	for i := n - 1; i >= 0; i-- {
		if i%10 != 0 {
			require.NoError(t, cp.Recover(WorkKey(fmt.Sprintf("k%04d", i))))
		}
	}

	failed := cp.FailedKeys()
	require.Len(t, failed, n/10)
	for i, k := range failed {
		assert.Equal(t, WorkKey(fmt.Sprintf("k%04d", i*10)), k)
	}
	assert.Equal(t, failed, cp.TransientFailedKeys())
	assert.Equal(t, n-n/10, cp.CompletedCount())
	require.NoError(t, cp.Validate())

	require.NoError(t, cp.Refail(KeyFailure{Key: "k0990", Kind: KindPermanent}))
	assert.Error(t, cp.Refail(KeyFailure{Key: "k0991", Kind: KindPermanent}))
	assert.Equal(t, 1, cp.PermanentFailedCount())

	data, err := json.Marshal(cp)
	require.NoError(t, err)
	var loaded Checkpoint
	require.NoError(t, json.Unmarshal(data, &loaded))
	require.NoError(t, loaded.Validate())
	assert.Equal(t, failed, loaded.FailedKeys())
}

func TestCheckpointValidateRejectsEmptyFailedKey(t *testing.T) {
	cp := ReconstructCheckpoint("geo", uuid.New(), 2, "digest", 0, 1,
		[]WorkKey{"a", ""}, nil, time.Now(), time.Now())
	assert.Error(t, cp.Validate())
}

func TestCheckpointValidate(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		cp   *Checkpoint
	}{
		{
			name: "counts disagree with index",
			cp:   ReconstructCheckpoint("geo", uuid.New(), 10, "d", 4, 5, nil, nil, now, now),
		},
		{
			name: "index beyond total",
			cp:   ReconstructCheckpoint("geo", uuid.New(), 3, "d", 4, 3, nil, nil, now, now),
		},
		{
			name: "transient key not failed",
			cp:   ReconstructCheckpoint("geo", uuid.New(), 3, "d", 1, 0, nil, []WorkKey{"x"}, now, now),
		},
		{
			name: "duplicate failed key",
			cp:   ReconstructCheckpoint("geo", uuid.New(), 3, "d", 0, 1, []WorkKey{"x", "x"}, nil, now, now),
		},
		{
			name: "missing digest",
			cp:   ReconstructCheckpoint("geo", uuid.New(), 3, "", 1, 0, nil, nil, now, now),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.cp.Validate())
		})
	}
}

func TestCheckpointJSONFieldNames(t *testing.T) {
	cp, _ := newTestCheckpoint(t, 4)
	require.NoError(t, cp.Advance(&BatchResult{
		Offset:    0,
		Succeeded: []Record{success("a")},
		Failed:    []KeyFailure{{Key: "b", Kind: KindTransient}},
	}))

	data, err := json.Marshal(cp)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, field := range []string{
		"total_keys", "completed_count", "last_completed_index", "failed_keys",
		"transient_failed_keys", "work_set_digest", "started_at", "updated_at",
	} {
		assert.Contains(t, raw, field)
	}
	assert.Equal(t, float64(1), raw["last_completed_index"])

	var decoded Checkpoint
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, cp.RunID(), decoded.RunID())
	assert.Equal(t, cp.TransientFailedKeys(), decoded.TransientFailedKeys())
	require.NoError(t, decoded.Validate())
}

func TestCheckpointMatches(t *testing.T) {
	ws, err := NewWorkSet(items("a", "b"))
	require.NoError(t, err)

	cp := NewCheckpoint("geo", uuid.New(), ws.Len(), ws.Digest())
	assert.True(t, cp.Matches(ws))

	other, err := NewWorkSet(items("a", "c"))
	require.NoError(t, err)
	assert.False(t, cp.Matches(other))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantKind   ErrorKind
		wantReason Reason
	}{
		{"permanent lookup", NewPermanentError(ReasonNotFound, errors.New("404")), KindPermanent, ReasonNotFound},
		{"wrapped transient", errors.Join(errors.New("ctx"), NewTransientError(ReasonRateLimited, nil)), KindTransient, ReasonRateLimited},
		{"deadline", errWrap{contextDeadline()}, KindTransient, ReasonTimeout},
		{"unclassified", errors.New("boom"), KindTransient, ReasonUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, reason := Classify(tt.err)
			assert.Equal(t, tt.wantKind, kind)
			assert.Equal(t, tt.wantReason, reason)
		})
	}
}

func TestLookupErrorIs(t *testing.T) {
	err := NewPermanentError(ReasonMalformedInput, errors.New("bad ip"))
	assert.ErrorIs(t, err, ErrPermanentLookup)
	assert.NotErrorIs(t, err, ErrTransientLookup)
	assert.ErrorIs(t, err, &LookupError{Kind: KindPermanent, Reason: ReasonMalformedInput})
	assert.NotErrorIs(t, err, &LookupError{Kind: KindPermanent, Reason: ReasonNotFound})
}

func TestFatalErrorsMatchByType(t *testing.T) {
	var err error = &CheckpointCorruptError{Location: "/tmp/cp.json", Err: errors.New("bad json")}
	assert.ErrorIs(t, err, &CheckpointCorruptError{})
	assert.NotErrorIs(t, err, &ExtractionError{})

	err = &SinkWriteError{Sink: "bson", Err: errors.New("disk full")}
	assert.ErrorIs(t, err, &SinkWriteError{})
}

type errWrap struct{ err error }

func (e errWrap) Error() string { return "wrapped: " + e.err.Error() }
func (e errWrap) Unwrap() error { return e.err }

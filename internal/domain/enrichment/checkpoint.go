package enrichment

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/event-enricher/pkg/common/timeutil"
)

// Checkpoint is the durable progress marker of one pipeline run. It records
// how far into the work set the run has committed, how many keys succeeded and
// which keys terminally failed.
//
// Every key at a position <= lastCompletedIndex has reached a terminal
// outcome, so completedCount plus the number of failed keys equals
// lastCompletedIndex + 1 after every mutation. transientFailed is the subset of failedKeys whose
// failure was an exhausted transient retry; those keys are eligible for the
// retry-failed pass.
type Checkpoint struct {
	// Identity.
	pipeline string
	runID    uuid.UUID

	// Work set the checkpoint was taken against.
	totalKeys     int
	workSetDigest string

	// Progress.
	completedCount     int
	lastCompletedIndex int
	// failedKeys is in order of failure. A recovered key leaves an empty
	// slot until the next compaction.
	failedKeys      []WorkKey
	failedIndex     map[WorkKey]int
	recovered       int
	transientFailed map[WorkKey]struct{}

	startedAt time.Time
	updatedAt time.Time

	timeProvider timeutil.Provider
}

// CheckpointOption configures optional checkpoint behavior.
type CheckpointOption func(*Checkpoint)

// WithCheckpointTimeProvider overrides the clock used for timestamps.
func WithCheckpointTimeProvider(tp timeutil.Provider) CheckpointOption {
	return func(c *Checkpoint) { c.timeProvider = tp }
}

// NewCheckpoint creates the checkpoint for a fresh run over a work set of
// totalKeys items identified by digest.
func NewCheckpoint(pipeline string, runID uuid.UUID, totalKeys int, digest string, opts ...CheckpointOption) *Checkpoint {
	c := &Checkpoint{
		pipeline:           pipeline,
		runID:              runID,
		totalKeys:          totalKeys,
		workSetDigest:      digest,
		lastCompletedIndex: -1,
		failedIndex:        make(map[WorkKey]int),
		transientFailed:    make(map[WorkKey]struct{}),
		timeProvider:       timeutil.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	now := c.timeProvider.Now()
	c.startedAt = now
	c.updatedAt = now
	return c
}

// ReconstructCheckpoint rebuilds a checkpoint from persisted state. Callers
// should run Validate on the result before trusting it.
func ReconstructCheckpoint(
	pipeline string,
	runID uuid.UUID,
	totalKeys int,
	digest string,
	completedCount int,
	lastCompletedIndex int,
	failedKeys []WorkKey,
	transientFailedKeys []WorkKey,
	startedAt time.Time,
	updatedAt time.Time,
) *Checkpoint {
	transient := make(map[WorkKey]struct{}, len(transientFailedKeys))
	for _, k := range transientFailedKeys {
		transient[k] = struct{}{}
	}
	failed := slices.Clone(failedKeys)
	return &Checkpoint{
		pipeline:           pipeline,
		runID:              runID,
		totalKeys:          totalKeys,
		workSetDigest:      digest,
		completedCount:     completedCount,
		lastCompletedIndex: lastCompletedIndex,
		failedKeys:         failed,
		failedIndex:        indexKeys(failed),
		transientFailed:    transient,
		startedAt:          startedAt,
		updatedAt:          updatedAt,
		timeProvider:       timeutil.Default(),
	}
}

// Getters for Checkpoint.
func (c *Checkpoint) Pipeline() string        { return c.pipeline }
func (c *Checkpoint) RunID() uuid.UUID        { return c.runID }
func (c *Checkpoint) TotalKeys() int          { return c.totalKeys }
func (c *Checkpoint) WorkSetDigest() string   { return c.workSetDigest }
func (c *Checkpoint) CompletedCount() int     { return c.completedCount }
func (c *Checkpoint) LastCompletedIndex() int { return c.lastCompletedIndex }
func (c *Checkpoint) StartedAt() time.Time    { return c.startedAt }
func (c *Checkpoint) UpdatedAt() time.Time    { return c.updatedAt }

// FailedKeys returns every terminally failed key in order of failure.
func (c *Checkpoint) FailedKeys() []WorkKey {
	out := make([]WorkKey, 0, c.failedCount())
	for _, k := range c.failedKeys {
		if k != "" {
			out = append(out, k)
		}
	}
	return out
}

func (c *Checkpoint) failedCount() int { return len(c.failedKeys) - c.recovered }

func indexKeys(keys []WorkKey) map[WorkKey]int {
	idx := make(map[WorkKey]int, len(keys))
	for i, k := range keys {
		if _, dup := idx[k]; !dup {
			idx[k] = i
		}
	}
	return idx
}

// SetTimeProvider replaces the clock, typically after reconstruction.
func (c *Checkpoint) SetTimeProvider(tp timeutil.Provider) { c.timeProvider = tp }

// TransientFailedKeys returns the failed keys whose last failure was an
// exhausted transient retry, in work set order of failure.
func (c *Checkpoint) TransientFailedKeys() []WorkKey {
	out := make([]WorkKey, 0, len(c.transientFailed))
	for _, k := range c.failedKeys {
		if _, ok := c.transientFailed[k]; ok && k != "" {
			out = append(out, k)
		}
	}
	return out
}

// PermanentFailedCount returns the number of failed keys that will not be
// retried.
func (c *Checkpoint) PermanentFailedCount() int { return c.failedCount() - len(c.transientFailed) }

// ResumeOffset is the position of the first key that has not reached a
// terminal outcome.
func (c *Checkpoint) ResumeOffset() int { return c.lastCompletedIndex + 1 }

// IsComplete reports whether every key in the work set has a terminal outcome.
func (c *Checkpoint) IsComplete() bool { return c.ResumeOffset() >= c.totalKeys }

// Matches reports whether the checkpoint was taken against ws.
func (c *Checkpoint) Matches(ws *WorkSet) bool {
	return c.totalKeys == ws.Len() && c.workSetDigest == ws.Digest()
}

// Advance moves the checkpoint past a batch. The batch must start exactly at
// the resume offset so the committed range stays a contiguous prefix of the
// work set.
func (c *Checkpoint) Advance(res *BatchResult) error {
	if res.Offset != c.ResumeOffset() {
		return fmt.Errorf("batch starts at %d but checkpoint resumes at %d", res.Offset, c.ResumeOffset())
	}
	if res.Len() == 0 {
		return nil
	}
	if res.LastIndex() >= c.totalKeys {
		return fmt.Errorf("batch ends at %d beyond work set of %d keys", res.LastIndex(), c.totalKeys)
	}

	for _, f := range res.Failed {
		c.addFailure(f)
	}
	c.completedCount += len(res.Succeeded)
	c.lastCompletedIndex = res.LastIndex()
	c.updatedAt = c.timeProvider.Now()
	return nil
}

func (c *Checkpoint) addFailure(f KeyFailure) {
	if _, ok := c.failedIndex[f.Key]; !ok {
		c.failedIndex[f.Key] = len(c.failedKeys)
		c.failedKeys = append(c.failedKeys, f.Key)
	}
	if f.Kind == KindTransient {
		c.transientFailed[f.Key] = struct{}{}
	} else {
		delete(c.transientFailed, f.Key)
	}
}

// Recover moves a previously failed key into the completed count. Used by the
// retry-failed pass.
func (c *Checkpoint) Recover(key WorkKey) error {
	i, ok := c.failedIndex[key]
	if !ok {
		return fmt.Errorf("key %s is not recorded as failed", key)
	}
	c.failedKeys[i] = ""
	c.recovered++
	delete(c.failedIndex, key)
	delete(c.transientFailed, key)
	if c.recovered > len(c.failedKeys)/2 {
		c.compact()
	}
	c.completedCount++
	c.updatedAt = c.timeProvider.Now()
	return nil
}

func (c *Checkpoint) compact() {
	c.failedKeys = slices.DeleteFunc(c.failedKeys, func(k WorkKey) bool { return k == "" })
	c.failedIndex = indexKeys(c.failedKeys)
	c.recovered = 0
}

// Refail records the outcome of retrying an already failed key. A permanent
// outcome removes the key from the transient set.
func (c *Checkpoint) Refail(f KeyFailure) error {
	if _, ok := c.failedIndex[f.Key]; !ok {
		return fmt.Errorf("key %s is not recorded as failed", f.Key)
	}
	c.addFailure(f)
	c.updatedAt = c.timeProvider.Now()
	return nil
}

// Validate checks the structural invariants of the checkpoint.
func (c *Checkpoint) Validate() error {
	var errs []error
	if c.totalKeys < 0 {
		errs = append(errs, fmt.Errorf("total_keys %d is negative", c.totalKeys))
	}
	if c.completedCount < 0 {
		errs = append(errs, fmt.Errorf("completed_count %d is negative", c.completedCount))
	}
	if c.lastCompletedIndex < -1 || c.lastCompletedIndex >= c.totalKeys {
		errs = append(errs, fmt.Errorf("last_completed_index %d outside [-1, %d)", c.lastCompletedIndex, c.totalKeys))
	}
	if c.completedCount+c.failedCount() != c.lastCompletedIndex+1 {
		errs = append(errs, fmt.Errorf(
			"completed_count %d + failed %d does not equal last_completed_index %d + 1",
			c.completedCount, c.failedCount(), c.lastCompletedIndex,
		))
	}

	seen := make(map[WorkKey]struct{}, len(c.failedKeys))
	empty := 0
	for _, k := range c.failedKeys {
		if k == "" {
			empty++
			continue
		}
		if _, dup := seen[k]; dup {
			errs = append(errs, fmt.Errorf("failed key %s listed twice", k))
		}
		seen[k] = struct{}{}
	}
	if empty != c.recovered {
		errs = append(errs, errors.New("failed_keys contains an empty key"))
	}
	for k := range c.transientFailed {
		if _, ok := seen[k]; !ok {
			errs = append(errs, fmt.Errorf("transient failed key %s missing from failed_keys", k))
		}
	}
	if c.workSetDigest == "" {
		errs = append(errs, errors.New("work_set_digest is empty"))
	}

	return errors.Join(errs...)
}

type checkpointJSON struct {
	Pipeline            string    `json:"pipeline"`
	RunID               string    `json:"run_id"`
	TotalKeys           int       `json:"total_keys"`
	CompletedCount      int       `json:"completed_count"`
	LastCompletedIndex  int       `json:"last_completed_index"`
	FailedKeys          []WorkKey `json:"failed_keys"`
	TransientFailedKeys []WorkKey `json:"transient_failed_keys"`
	WorkSetDigest       string    `json:"work_set_digest"`
	StartedAt           time.Time `json:"started_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// MarshalJSON serializes the Checkpoint into its on-disk representation.
func (c *Checkpoint) MarshalJSON() ([]byte, error) {
	return json.Marshal(&checkpointJSON{
		Pipeline:            c.pipeline,
		RunID:               c.runID.String(),
		TotalKeys:           c.totalKeys,
		CompletedCount:      c.completedCount,
		LastCompletedIndex:  c.lastCompletedIndex,
		FailedKeys:          c.FailedKeys(),
		TransientFailedKeys: c.TransientFailedKeys(),
		WorkSetDigest:       c.workSetDigest,
		StartedAt:           c.startedAt.UTC(),
		UpdatedAt:           c.updatedAt.UTC(),
	})
}

// UnmarshalJSON deserializes a Checkpoint. It does not validate invariants.
func (c *Checkpoint) UnmarshalJSON(data []byte) error {
	var aux checkpointJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	runID, err := uuid.Parse(aux.RunID)
	if err != nil {
		return fmt.Errorf("invalid run_id: %w", err)
	}

	*c = *ReconstructCheckpoint(
		aux.Pipeline,
		runID,
		aux.TotalKeys,
		aux.WorkSetDigest,
		aux.CompletedCount,
		aux.LastCompletedIndex,
		aux.FailedKeys,
		aux.TransientFailedKeys,
		aux.StartedAt,
		aux.UpdatedAt,
	)
	return nil
}

package enrichment

// BatchResult is the outcome of one batch. It only lives until the sink and
// checkpoint have consumed it.
type BatchResult struct {
	// Number is the 1-based batch number within the pass.
	Number int
	// Offset is the work set position of the first key in the batch.
	Offset int

	Succeeded []Record
	Failed    []KeyFailure
}

// Len returns the number of keys with a terminal outcome in the batch.
func (b *BatchResult) Len() int { return len(b.Succeeded) + len(b.Failed) }

// LastIndex returns the position of the last key covered by the batch, or
// Offset-1 for an empty batch.
func (b *BatchResult) LastIndex() int { return b.Offset + b.Len() - 1 }

package enrichment

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"iter"
	"slices"
	"strings"
)

// WorkKey is the unit of resumable work: an IP address for the geo pipeline or
// a product id for the product pipeline. Keys are unique within a work set.
type WorkKey string

// String returns the key as a plain string.
func (k WorkKey) String() string { return string(k) }

// WorkItem pairs a WorkKey with the auxiliary attributes the extractor found
// alongside it (for products: the page url and the shop domain).
type WorkItem struct {
	Key   WorkKey           `json:"key"`
	Attrs map[string]string `json:"attrs,omitempty"`
}

// Attr returns the named attribute or the empty string.
func (w WorkItem) Attr(name string) string {
	if w.Attrs == nil {
		return ""
	}
	return w.Attrs[name]
}

// Well known work item attributes.
const (
	AttrURL    = "url"
	AttrDomain = "domain"
)

// NormalizeItems trims keys, drops empty ones, removes duplicates (the first
// occurrence wins) and sorts the result by key. The output ordering is stable
// across calls with the same membership which is what makes an offset into the
// work set mean the same key across runs.
func NormalizeItems(items []WorkItem) []WorkItem {
	seen := make(map[WorkKey]struct{}, len(items))
	out := make([]WorkItem, 0, len(items))
	for _, it := range items {
		key := WorkKey(strings.TrimSpace(string(it.Key)))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		it.Key = key
		out = append(out, it)
	}

	slices.SortFunc(out, func(a, b WorkItem) int { return strings.Compare(string(a.Key), string(b.Key)) })
	return out
}

// WorkSet is the fixed, ordered sequence of work items for one checkpoint's
// lifetime. It is immutable once constructed.
type WorkSet struct {
	items  []WorkItem
	index  map[WorkKey]int
	digest string
}

// NewWorkSet builds a WorkSet from already ordered items. It rejects empty and
// duplicate keys since either would make offsets ambiguous.
func NewWorkSet(items []WorkItem) (*WorkSet, error) {
	index := make(map[WorkKey]int, len(items))
	h := sha256.New()
	for i, it := range items {
		if it.Key == "" {
			return nil, fmt.Errorf("work item %d has an empty key", i)
		}
		if prev, ok := index[it.Key]; ok {
			return nil, fmt.Errorf("duplicate work key %q at positions %d and %d", it.Key, prev, i)
		}
		index[it.Key] = i
		h.Write([]byte(it.Key))
		h.Write([]byte{'\n'})
	}

	return &WorkSet{
		items:  slices.Clone(items),
		index:  index,
		digest: hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// Len returns the number of items in the set.
func (ws *WorkSet) Len() int { return len(ws.items) }

// At returns the item at position i.
func (ws *WorkSet) At(i int) WorkItem { return ws.items[i] }

// Digest returns a sha256 over the ordered keys. Two work sets with the same
// digest assign every key the same offset.
func (ws *WorkSet) Digest() string { return ws.digest }

// Index returns the position of key within the set.
func (ws *WorkSet) Index(key WorkKey) (int, bool) {
	i, ok := ws.index[key]
	return i, ok
}

// Slice returns at most n items starting at offset. Out of range offsets
// yield an empty slice.
func (ws *WorkSet) Slice(offset, n int) []WorkItem {
	if offset < 0 || offset >= len(ws.items) || n <= 0 {
		return nil
	}
	end := min(offset+n, len(ws.items))
	return ws.items[offset:end:end]
}

// Items returns a copy of every item in order.
func (ws *WorkSet) Items() []WorkItem { return slices.Clone(ws.items) }

// All lazily yields (position, item) pairs starting at offset. The iterator is
// restartable: each range over it starts again from offset.
func (ws *WorkSet) All(offset int) iter.Seq2[int, WorkItem] {
	return func(yield func(int, WorkItem) bool) {
		for i := max(offset, 0); i < len(ws.items); i++ {
			if !yield(i, ws.items[i]) {
				return
			}
		}
	}
}

package buffer

import "time"

// RetryState is stamped on items that come back from a failed send.
// The zero value means the item has never been attempted.
type RetryState struct {
	// Attempt counts consecutive retryable failures of the batch the
	// item last travelled in.
	Attempt int
	// NotBefore is the earliest time the item may be drained again.
	NotBefore time.Time
}

// Item is one serialized envelope waiting for transmission.
// Payload is never modified after NewItem.
type Item struct {
	Payload []byte
	// Kind is the envelope name, kept for logging and metrics only.
	Kind  string
	Retry RetryState
}

// NewItem wraps an already serialized envelope.
func NewItem(payload []byte, kind string) *Item {
	return &Item{Payload: payload, Kind: kind}
}

// Size is the estimated wire size of the item.
func (i *Item) Size() int64 { return int64(len(i.Payload)) }

// Eligible reports whether the item may be sent at now.
func (i *Item) Eligible(now time.Time) bool {
	return !i.Retry.NotBefore.After(now)
}

func (i *Item) fresh() bool { return i.Retry.NotBefore.IsZero() }

// Batch is the ordered set of items handed to one transmission attempt.
// Index i of a batch is the position of Items[i] in the request body.
type Batch struct {
	Items []*Item
	Bytes int64
}

// NewBatch builds a batch from items, preserving their order.
func NewBatch(items []*Item) Batch {
	b := Batch{Items: items}
	for _, it := range items {
		b.Bytes += it.Size()
	}
	return b
}

// Len returns the number of items in the batch.
func (b Batch) Len() int { return len(b.Items) }

// Empty reports whether the batch has no items.
func (b Batch) Empty() bool { return len(b.Items) == 0 }

// Select returns the sub-batch made of the given indices, in batch order.
// Duplicate and out-of-range indices are ignored.
func (b Batch) Select(indices []int) Batch {
	if len(indices) == 0 {
		return Batch{}
	}
	want := make([]bool, len(b.Items))
	for _, i := range indices {
		if i >= 0 && i < len(b.Items) {
			want[i] = true
		}
	}
	var items []*Item
	for i, ok := range want {
		if ok {
			items = append(items, b.Items[i])
		}
	}
	return NewBatch(items)
}

// Without returns the sub-batch of items whose index is not listed.
func (b Batch) Without(indices []int) Batch {
	skip := make(map[int]struct{}, len(indices))
	for _, i := range indices {
		skip[i] = struct{}{}
	}
	var items []*Item
	for i, it := range b.Items {
		if _, ok := skip[i]; !ok {
			items = append(items, it)
		}
	}
	return NewBatch(items)
}

package caption

import (
	"fmt"
	"sort"
)

// PadID fills grid positions beyond a sequence's true length. It is the same
// id as the end marker.
const PadID = EndID

// Item is one collation input: an encoded sequence and its originating image.
type Item struct {
	ImageID int
	Seq     []int
}

// Batch is a rectangular layout over a set of encoded sequences. Tokens is
// time-major: Tokens[t][b] is the id at step t of slot b, PadID beyond slot
// b's true length. Slots are ordered by non-increasing true length, and
// ImageIDs and Lengths carry the same permutation.
type Batch struct {
	ImageIDs []int
	Lengths  []int
	Tokens   [][]int
}

// Size returns the number of slots in the batch.
func (b *Batch) Size() int { return len(b.Lengths) }

// Steps returns the unroll length, i.e. the longest true length.
func (b *Batch) Steps() int { return len(b.Tokens) }

// Collate lays a set of sequences out as one padded batch. Slot order is the
// stable descending-length permutation (equal lengths keep their input order),
// applied consistently to tokens, lengths and image ids. Length-aware masking
// downstream relies on that ordering. An empty batch, or a sequence shorter
// than the start+end minimum, fails at construction time.
func Collate(items []Item) (*Batch, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("cannot collate an empty batch")
	}
	for i, it := range items {
		if len(it.Seq) < 2 {
			return nil, fmt.Errorf("sequence %d (image %d) has length %d, need at least start+end", i, it.ImageID, len(it.Seq))
		}
	}

	sorted := make([]Item, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Seq) > len(sorted[j].Seq)
	})

	steps := len(sorted[0].Seq)
	b := &Batch{
		ImageIDs: make([]int, len(sorted)),
		Lengths:  make([]int, len(sorted)),
		Tokens:   make([][]int, steps),
	}
	for t := range b.Tokens {
		b.Tokens[t] = make([]int, len(sorted)) // PadID == 0 is the zero value
	}
	for slot, it := range sorted {
		b.ImageIDs[slot] = it.ImageID
		b.Lengths[slot] = len(it.Seq)
		for t, id := range it.Seq {
			b.Tokens[t][slot] = id
		}
	}
	return b, nil
}

// Split chunks a corpus of items into consecutive batches of at most
// batchSize sequences, each collated independently.
func Split(items []Item, batchSize int) ([]*Batch, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	var batches []*Batch
	for start := 0; start < len(items); start += batchSize {
		end := start + batchSize
		if end > len(items) {
			end = len(items)
		}
		b, err := Collate(items[start:end])
		if err != nil {
			return nil, fmt.Errorf("collating batch starting at %d: %w", start, err)
		}
		batches = append(batches, b)
	}
	return batches, nil
}

// EncodeCorpus encodes every record through the vocabulary, producing
// collation-ready items in record order.
func EncodeCorpus(records []Record, v *Vocab) []Item {
	items := make([]Item, len(records))
	for i, r := range records {
		items[i] = Item{ImageID: r.ImageID, Seq: v.Encode(r.Caption)}
	}
	return items
}

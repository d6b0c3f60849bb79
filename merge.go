package strata

import (
	"bytes"
	"container/heap"
)

// taggedIterator pairs a record source with the (level, sequence) tag
// that determines its priority during a merge. sequence is only
// meaningful when hasSeq is true, which is only the case for level-0
// sources (the only level where two tagged sources can share a level
// number).
type taggedIterator struct {
	iter     recordIterator
	level    int
	sequence int
	hasSeq   bool
}

// mergeItem is one buffered record sitting in the merge heap, paired
// with the source it came from so the merge can pull the next record
// from that same source once this one is consumed.
type mergeItem struct {
	rec Record
	src *taggedIterator
}

// newerThan reports whether mi should be preferred over other when
// both buffer a record for the same key: lower level wins, and among
// equal levels (only possible at level 0) higher sequence wins.
func (mi mergeItem) newerThan(other mergeItem) bool {
	if mi.src.level != other.src.level {
		return mi.src.level < other.src.level
	}
	if mi.src.hasSeq && other.src.hasSeq {
		return mi.src.sequence > other.src.sequence
	}
	return false
}

type mergeHeap []mergeItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if c := bytes.Compare(h[i].rec.Key, h[j].rec.Key); c != 0 {
		return c < 0
	}
	return h[i].newerThan(h[j])
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(mergeItem)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// MergeIterator performs a k-way merge over any number of tagged
// record sources, resolving duplicate keys to the newest record by
// (level, sequence) priority while preserving tombstones.
type MergeIterator struct {
	heap mergeHeap
	err  error
}

// newMergeIterator primes the heap with one buffered record from each
// non-empty source.
func newMergeIterator(sources []*taggedIterator) (*MergeIterator, error) {
	m := &MergeIterator{}
	for _, s := range sources {
		if err := m.pull(s); err != nil {
			return nil, err
		}
	}
	heap.Init(&m.heap)
	return m, nil
}

func (m *MergeIterator) pull(src *taggedIterator) error {
	rec, ok, err := src.iter.Next()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	heap.Push(&m.heap, mergeItem{rec: rec, src: src})
	return nil
}

// Next returns the next record in strictly ascending key order. For a
// key buffered by more than one source, the winning source is
// advanced and every other source sharing that key is drained and
// advanced too, discarding their older duplicate.
func (m *MergeIterator) Next() (Record, bool, error) {
	if m.err != nil {
		return Record{}, false, m.err
	}
	if m.heap.Len() == 0 {
		return Record{}, false, nil
	}

	top := heap.Pop(&m.heap).(mergeItem)
	winner := top.rec
	if err := m.pull(top.src); err != nil {
		m.err = err
		return Record{}, false, err
	}

	for m.heap.Len() > 0 && bytes.Equal(m.heap[0].rec.Key, winner.Key) {
		stale := heap.Pop(&m.heap).(mergeItem)
		if err := m.pull(stale.src); err != nil {
			m.err = err
			return Record{}, false, err
		}
	}

	return winner, true, nil
}

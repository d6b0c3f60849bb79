package strata

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Compactor folds level 0 plus any overlapping level-1 tables into
// fresh level-1 tables, and is the only component permitted to delete
// table files.
type Compactor struct {
	level0FileLimit int
	tableSizeLimit  int64
}

func newCompactor(opts Options) *Compactor {
	return &Compactor{level0FileLimit: opts.Level0FileLimit, tableSizeLimit: opts.TableSizeLimit}
}

// maybeCompact runs a level-0 compaction if the trigger threshold has
// been reached. Called after every memtable flush.
func (c *Compactor) maybeCompact(cat *Catalog) error {
	if cat.Level0Count() < c.level0FileLimit {
		return nil
	}
	return c.compactLevel0(cat)
}

func (c *Compactor) compactLevel0(cat *Catalog) error {
	l0 := cat.Level(0)
	if len(l0) == 0 {
		return nil
	}

	lo, hi := l0[0].StartKey(), l0[0].EndKey()
	for _, t := range l0[1:] {
		if bytes.Compare(t.StartKey(), lo) < 0 {
			lo = t.StartKey()
		}
		if bytes.Compare(t.EndKey(), hi) > 0 {
			hi = t.EndKey()
		}
	}

	var selected, unaffected []*Table
	for _, t := range cat.Level(1) {
		if rangesOverlap(t.StartKey(), t.EndKey(), lo, hi) {
			selected = append(selected, t)
		} else {
			unaffected = append(unaffected, t)
		}
	}

	sources := make([]*taggedIterator, 0, len(l0)+len(selected))
	for i, t := range l0 {
		sources = append(sources, &taggedIterator{iter: t.Iter(), level: 0, sequence: i, hasSeq: true})
	}
	for _, t := range selected {
		sources = append(sources, &taggedIterator{iter: t.Iter(), level: 1})
	}

	merged, err := newMergeIterator(sources)
	if err != nil {
		return err
	}

	l1Dir := filepath.Join(cat.dir, "1")
	if err := os.MkdirAll(l1Dir, 0755); err != nil {
		return newErr(ErrIo, "create level 1 directory", err)
	}

	var outputs []*Table
	var batch []Record
	var batchBytes int64
	flushBatch := func() error {
		if len(batch) == 0 {
			return nil
		}
		path := filepath.Join(l1Dir, uuid.NewString()+".sst")
		if err := writeTable(path, batch); err != nil {
			return err
		}
		t, err := openTable(path)
		if err != nil {
			return err
		}
		outputs = append(outputs, t)
		batch = nil
		batchBytes = 0
		return nil
	}

	for {
		rec, ok, err := merged.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		n := int64(rec.EncodedLen())
		if len(batch) > 0 && batchBytes+n > c.tableSizeLimit {
			if err := flushBatch(); err != nil {
				return err
			}
		}
		batch = append(batch, rec)
		batchBytes += n
	}
	if err := flushBatch(); err != nil {
		return err
	}

	// All outputs are fsynced (writeTable fsyncs each one as it is
	// written) before any input is deleted.
	cat.SetLevel(1, append(unaffected, outputs...))
	cat.SetLevel(0, nil)

	for _, t := range l0 {
		if err := t.closeAndRemove(); err != nil {
			return err
		}
	}
	for _, t := range selected {
		if err := t.closeAndRemove(); err != nil {
			return err
		}
	}
	return nil
}

// rangesOverlap reports whether [aStart, aEnd] intersects [lo, hi].
func rangesOverlap(aStart, aEnd, lo, hi []byte) bool {
	return bytes.Compare(aStart, hi) <= 0 && bytes.Compare(aEnd, lo) >= 0
}

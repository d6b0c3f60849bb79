package strata

import "sync"

// memValue is what a MemTable stores per key: a value, or a tombstone
// marker with no value.
type memValue struct {
	value     []byte
	tombstone bool
}

// MemTable is the in-RAM overlay of the newest writes, not yet flushed
// to a level-0 table. Safe for concurrent reads; writes are serialized
// by the owning Store.
type MemTable struct {
	entries sync.Map
}

func newMemTable() *MemTable {
	return &MemTable{}
}

// Put records key as mapped to value.
func (mt *MemTable) Put(key, value []byte) {
	mt.entries.Store(string(key), memValue{value: value})
}

// Delete records key as a tombstone.
func (mt *MemTable) Delete(key []byte) {
	mt.entries.Store(string(key), memValue{tombstone: true})
}

// Get reports whether key has an entry, and if so whether it is a live
// value or a tombstone. Callers that need the disk-backed state for an
// absent entry must consult the Catalog.
func (mt *MemTable) Get(key []byte) (value []byte, tombstone bool, found bool) {
	v, ok := mt.entries.Load(string(key))
	if !ok {
		return nil, false, false
	}
	mv := v.(memValue)
	return mv.value, mv.tombstone, true
}

// Drain yields every entry as a write-record, in no particular order.
// The Catalog sorts before writing a table.
func (mt *MemTable) Drain() []Record {
	var out []Record
	mt.entries.Range(func(k, v any) bool {
		mv := v.(memValue)
		key := []byte(k.(string))
		if mv.tombstone {
			out = append(out, NewDeleted(key))
		} else {
			out = append(out, NewExists(key, mv.value))
		}
		return true
	})
	return out
}

// newMemTableFromWAL replays every record from r into a fresh MemTable.
// This is the WAL-recovery entry point invoked at Store open.
func newMemTableFromWAL(r *WALReader) (*MemTable, error) {
	mt := newMemTable()
	for {
		rec, ok, err := r.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if rec.Deleted {
			mt.Delete(rec.Key)
		} else {
			mt.Put(rec.Key, rec.Value)
		}
	}
	return mt, nil
}

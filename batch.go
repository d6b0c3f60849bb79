package strata

// Batch groups multiple puts and deletes into a single WAL append and
// a single fsync, for callers that want group-commit throughput
// without giving up the WAL-before-memtable durability contract.
type Batch struct {
	store   *Store
	records []Record
}

// NewBatch returns an empty batch bound to s.
func (s *Store) NewBatch() *Batch {
	return &Batch{store: s}
}

// Put stages an Exists record.
func (b *Batch) Put(key, value []byte) {
	b.records = append(b.records, NewExists(key, value))
}

// Delete stages a Deleted record.
func (b *Batch) Delete(key []byte) {
	b.records = append(b.records, NewDeleted(key))
}

// Commit appends every staged record to the WAL with a single fsync,
// applies them to the MemTable in staged order, and flushes if the
// WAL has grown past its size limit. An empty batch is a no-op.
func (b *Batch) Commit() error {
	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(b.records) == 0 {
		return nil
	}
	if err := s.wal.AppendBatch(b.records); err != nil {
		return err
	}
	for _, rec := range b.records {
		if rec.Deleted {
			s.mem.Delete(rec.Key)
			s.cache.Remove(string(rec.Key))
		} else {
			s.mem.Put(rec.Key, rec.Value)
			s.cache.Put(string(rec.Key), rec.Value)
		}
	}
	b.records = nil
	return s.maybeFlushLocked()
}

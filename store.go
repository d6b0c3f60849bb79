package strata

import (
	"os"
	"path/filepath"
	"sync"
)

const walFileName = "data.wal"

// Store is the façade wiring the WAL, MemTable, Catalog, and Compactor
// into a single-writer embedded key-value engine. A Store must not be
// shared by more than one process over the same data directory.
type Store struct {
	mu        sync.Mutex
	dir       string
	opts      Options
	catalog   *Catalog
	wal       *WALWriter
	mem       *MemTable
	compactor *Compactor
	cache     *LRUCache
	closed    bool
}

// Open opens (creating if necessary) the store rooted at dir. Any
// non-empty WAL left from a prior run is replayed into a MemTable and
// durably flushed to a level-0 table before a fresh WAL is opened.
func Open(dir string, opts Options) (*Store, error) {
	opts = opts.withDefaults()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, newErr(ErrIo, "create data directory", err)
	}

	cat, err := openCatalog(dir)
	if err != nil {
		return nil, err
	}

	walPath := filepath.Join(dir, walFileName)
	if err := recoverWAL(walPath, cat); err != nil {
		return nil, err
	}

	w, err := newWALWriter(walPath)
	if err != nil {
		return nil, err
	}

	return &Store{
		dir:       dir,
		opts:      opts,
		catalog:   cat,
		wal:       w,
		mem:       newMemTable(),
		compactor: newCompactor(opts),
		cache:     NewLRUCache(4096),
	}, nil
}

func recoverWAL(walPath string, cat *Catalog) error {
	info, err := os.Stat(walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return newErr(ErrWalRecovery, "stat wal", err)
	}
	if info.Size() == 0 {
		return nil
	}

	r, err := openWALReader(walPath)
	if err != nil {
		return err
	}
	mt, err := newMemTableFromWAL(r)
	r.Close()
	if err != nil {
		return err
	}
	if err := cat.Flush(mt.Drain()); err != nil {
		return newErr(ErrWalConversion, "flush recovered wal into a level-0 table", err)
	}
	return nil
}

// Put durably appends an Exists record to the WAL, applies it to the
// MemTable, and flushes if the WAL has grown past its size limit.
func (s *Store) Put(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendAndApplyLocked(NewExists(key, value)); err != nil {
		return err
	}
	s.cache.Put(string(key), value)
	return s.maybeFlushLocked()
}

// Del durably appends a Deleted record (tombstone) to the WAL and
// applies it to the MemTable.
func (s *Store) Del(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendAndApplyLocked(NewDeleted(key)); err != nil {
		return err
	}
	s.cache.Remove(string(key))
	return s.maybeFlushLocked()
}

func (s *Store) appendAndApplyLocked(rec Record) error {
	if _, err := s.wal.Append(rec); err != nil {
		return err
	}
	if rec.Deleted {
		s.mem.Delete(rec.Key)
	} else {
		s.mem.Put(rec.Key, rec.Value)
	}
	return nil
}

func (s *Store) maybeFlushLocked() error {
	if int64(s.wal.Size()) > s.opts.WalSizeLimit {
		return s.flushMemTableLocked()
	}
	return nil
}

// Get returns the value for key if it exists and is not a tombstone.
// The MemTable is always consulted first so reads see the effects of
// every preceding successful put/del from the same Store.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if value, tombstone, found := s.mem.Get(key); found {
		if tombstone {
			return nil, false, nil
		}
		return value, true, nil
	}
	if value, found := s.cache.Get(string(key)); found {
		return value, true, nil
	}

	rec, found, err := s.catalog.Get(key)
	if err != nil {
		return nil, false, err
	}
	if !found || rec.Deleted {
		return nil, false, nil
	}
	s.cache.Put(string(key), rec.Value)
	return rec.Value, true, nil
}

// Flush forces the current MemTable to a level-0 table and truncates
// the WAL, even if the size threshold has not been reached.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushMemTableLocked()
}

func (s *Store) flushMemTableLocked() error {
	records := s.mem.Drain()
	if err := s.catalog.Flush(records); err != nil {
		return err
	}

	if err := s.wal.Close(); err != nil {
		return newErr(ErrIo, "close wal before truncation", err)
	}
	w, err := newWALWriter(filepath.Join(s.dir, walFileName))
	if err != nil {
		return err
	}
	s.wal = w
	s.mem = newMemTable()

	return s.compactor.maybeCompact(s.catalog)
}

// Close releases the Store's open file handles. It does not flush the
// current MemTable; callers that want memtable contents durable
// through the Catalog (rather than only through the WAL) must call
// Flush first.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.wal.Close()
}

package strata

import (
	"io"
	"os"
)

// WALWriter is the append-only log backing the current MemTable. Every
// append is written, flushed, and fsynced before returning: only the
// most recent in-flight append can be incomplete on crash.
type WALWriter struct {
	file *os.File
	size uint32
}

// newWALWriter creates or truncates path for writing. Truncation is
// unconditional: the caller must already have replayed and flushed any
// prior contents (Store enforces this ordering at open).
func newWALWriter(path string) (*WALWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, newErr(ErrWalInitialization, "open wal for writing", err)
	}
	return &WALWriter{file: f}, nil
}

// Append encodes rec, writes it, and fsyncs the file before returning.
func (w *WALWriter) Append(rec Record) (int, error) {
	buf := rec.Encode()
	n, err := w.file.Write(buf)
	if err != nil {
		return n, newErr(ErrIo, "wal append write", err)
	}
	if err := w.file.Sync(); err != nil {
		return n, newErr(ErrIo, "wal append fsync", err)
	}
	w.size += uint32(n)
	return n, nil
}

// AppendBatch writes every record in order and fsyncs once, after the
// last one. Used by Batch to amortize the fsync cost of a group commit
// while still honouring WAL-before-memtable ordering for the batch as
// a whole.
func (w *WALWriter) AppendBatch(records []Record) error {
	for _, rec := range records {
		buf := rec.Encode()
		n, err := w.file.Write(buf)
		if err != nil {
			return newErr(ErrIo, "wal batch append write", err)
		}
		w.size += uint32(n)
	}
	if err := w.file.Sync(); err != nil {
		return newErr(ErrIo, "wal batch append fsync", err)
	}
	return nil
}

// Size reports bytes written since open.
func (w *WALWriter) Size() uint32 { return w.size }

func (w *WALWriter) Close() error {
	if err := w.file.Close(); err != nil {
		return newErr(ErrIo, "close wal", err)
	}
	return nil
}

// WALReader replays a WAL file written by WALWriter. It records the
// file's exact byte length at open and uses that as the termination
// oracle, so a torn tail record surfaces as an error instead of being
// silently treated as end-of-log.
type WALReader struct {
	file      *os.File
	remaining int64
	done      bool
}

func openWALReader(path string) (*WALReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, newErr(ErrWalRecovery, "open wal for reading", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, newErr(ErrWalRecovery, "stat wal", err)
	}
	return &WALReader{file: f, remaining: info.Size()}, nil
}

// Next returns the next record, or ok=false once exactly the file's
// recorded length has been consumed. A premature EOF is an error, not
// a false ok. After the first error the reader latches to ok=false.
func (r *WALReader) Next() (Record, bool, error) {
	if r.done || r.remaining == 0 {
		r.done = true
		return Record{}, false, nil
	}
	rec, err := DecodeRecord(r.file)
	if err != nil {
		r.done = true
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Record{}, false, newErr(ErrWalRecovery, "truncated wal record", err)
		}
		return Record{}, false, newErr(ErrWalRecovery, "decode wal record", err)
	}
	r.remaining -= int64(rec.EncodedLen())
	if r.remaining < 0 {
		r.done = true
		return Record{}, false, newErr(ErrWalRecovery, "wal record overruns declared file length", nil)
	}
	return rec, true, nil
}

func (r *WALReader) Close() error { return r.file.Close() }

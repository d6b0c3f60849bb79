package strata

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sort"
)

// indexEntry is one entry of a table's index section: the byte offset
// of a record from the start of the file, and that record's key.
type indexEntry struct {
	offset uint32
	key    []byte
}

// Table is an immutable on-disk sorted run: a records section, an
// index section, and a trailing footer describing the key range and
// the index's starting offset.
type Table struct {
	path          string
	file          *os.File
	index         []indexEntry
	startKey      []byte
	endKey        []byte
	recordsLength uint32
}

// openTable opens path read-only, reads its footer, and streams the
// index section into memory.
func openTable(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, newErr(ErrCatalogInitialization, "open table", err)
	}

	t, err := loadTable(path, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return t, nil
}

func loadTable(path string, f *os.File) (*Table, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, newErr(ErrCorruption, "stat table", err)
	}
	fileLen := info.Size()
	if fileLen < 4 {
		return nil, newErr(ErrCorruption, "table shorter than footer length field", nil)
	}

	var lenBuf [4]byte
	if _, err := f.ReadAt(lenBuf[:], fileLen-4); err != nil {
		return nil, newErr(ErrCorruption, "read footer length", err)
	}
	footerLen := binary.LittleEndian.Uint32(lenBuf[:])
	if int64(footerLen) > fileLen {
		return nil, newErr(ErrCorruption, "footer length exceeds file size", nil)
	}

	footerBuf := make([]byte, footerLen)
	if _, err := f.ReadAt(footerBuf, fileLen-int64(footerLen)); err != nil {
		return nil, newErr(ErrCorruption, "read footer", err)
	}
	startKey, endKey, indexStart, err := decodeFooter(footerBuf)
	if err != nil {
		return nil, err
	}

	indexSectionLen := fileLen - int64(footerLen) - int64(indexStart)
	if indexSectionLen < 0 {
		return nil, newErr(ErrCorruption, "index section does not fit before the footer", nil)
	}
	indexBuf := make([]byte, indexSectionLen)
	if _, err := f.ReadAt(indexBuf, int64(indexStart)); err != nil {
		return nil, newErr(ErrCorruption, "read index section", err)
	}
	index, err := decodeIndex(indexBuf)
	if err != nil {
		return nil, err
	}

	return &Table{
		path:          path,
		file:          f,
		index:         index,
		startKey:      startKey,
		endKey:        endKey,
		recordsLength: indexStart,
	}, nil
}

func decodeFooter(buf []byte) (startKey, endKey []byte, indexStart uint32, err error) {
	r := bytes.NewReader(buf)
	startKey, err = readLenPrefixed(r)
	if err != nil {
		return nil, nil, 0, newErr(ErrCorruption, "decode footer start key", err)
	}
	endKey, err = readLenPrefixed(r)
	if err != nil {
		return nil, nil, 0, newErr(ErrCorruption, "decode footer end key", err)
	}
	var isBuf [4]byte
	if _, err := io.ReadFull(r, isBuf[:]); err != nil {
		return nil, nil, 0, newErr(ErrCorruption, "decode footer index_start", err)
	}
	return startKey, endKey, binary.LittleEndian.Uint32(isBuf[:]), nil
}

func decodeIndex(buf []byte) ([]indexEntry, error) {
	r := bytes.NewReader(buf)
	var entries []indexEntry
	var prevKey []byte
	for r.Len() > 0 {
		var ob [4]byte
		if _, err := io.ReadFull(r, ob[:]); err != nil {
			return nil, newErr(ErrCorruption, "truncated index entry offset", err)
		}
		offset := binary.LittleEndian.Uint32(ob[:])
		key, err := readLenPrefixed(r)
		if err != nil {
			return nil, newErr(ErrCorruption, "truncated index entry key", err)
		}
		if prevKey != nil && bytes.Compare(prevKey, key) >= 0 {
			return nil, newErr(ErrCorruption, "index keys are not strictly ascending", nil)
		}
		entries = append(entries, indexEntry{offset: offset, key: key})
		prevKey = key
	}
	return entries, nil
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	var lb [4]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lb[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeLenPrefixed(w io.Writer, b []byte) error {
	var lb [4]byte
	binary.LittleEndian.PutUint32(lb[:], uint32(len(b)))
	if _, err := w.Write(lb[:]); err != nil {
		return newErr(ErrIo, "write length prefix", err)
	}
	if _, err := w.Write(b); err != nil {
		return newErr(ErrIo, "write length-prefixed bytes", err)
	}
	return nil
}

// StartKey returns the table's first record's key.
func (t *Table) StartKey() []byte { return t.startKey }

// EndKey returns the table's last record's key.
func (t *Table) EndKey() []byte { return t.endKey }

// Get looks up key via the in-memory index, doing one positional read
// on a hit.
func (t *Table) Get(key []byte) (Record, bool, error) {
	i := sort.Search(len(t.index), func(i int) bool {
		return bytes.Compare(t.index[i].key, key) >= 0
	})
	if i >= len(t.index) || !bytes.Equal(t.index[i].key, key) {
		return Record{}, false, nil
	}
	offset := int64(t.index[i].offset)
	sr := io.NewSectionReader(t.file, offset, int64(t.recordsLength)-offset)
	rec, err := DecodeRecord(sr)
	if err != nil {
		return Record{}, false, newErr(ErrCorruption, "decode record at indexed offset", err)
	}
	if !bytes.Equal(rec.Key, key) {
		return Record{}, false, newErr(ErrCorruption, "index offset resolves to a mismatched key", nil)
	}
	return rec, true, nil
}

// tableIter streams the records section in ascending key order,
// stopping precisely at recordsLength rather than parsing into the
// index section.
type tableIter struct {
	sr   *io.SectionReader
	pos  int64
	size int64
}

// Iter returns a fresh, independent iterator over t's records. Safe to
// call concurrently with Get and with other Iter calls: each uses its
// own SectionReader over the shared read-only file descriptor.
func (t *Table) Iter() *tableIter {
	return &tableIter{
		sr:   io.NewSectionReader(t.file, 0, int64(t.recordsLength)),
		size: int64(t.recordsLength),
	}
}

func (it *tableIter) Next() (Record, bool, error) {
	if it.pos >= it.size {
		return Record{}, false, nil
	}
	rec, err := DecodeRecord(it.sr)
	if err != nil {
		return Record{}, false, newErr(ErrCorruption, "decode table record", err)
	}
	it.pos += int64(rec.EncodedLen())
	return rec, true, nil
}

// Scan materializes every record in ascending key order.
func (t *Table) Scan() ([]Record, error) {
	it := t.Iter()
	var out []Record
	for {
		rec, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		out = append(out, rec)
	}
	return out, nil
}

func (t *Table) Close() error { return t.file.Close() }

// closeAndRemove closes the underlying handle and deletes the file.
// Only the Compactor calls this, and only after every output table of
// the same compaction has been fsynced.
func (t *Table) closeAndRemove() error {
	if err := t.file.Close(); err != nil {
		return newErr(ErrIo, "close compaction input table", err)
	}
	if err := os.Remove(t.path); err != nil {
		return newErr(ErrIo, "remove compaction input table", err)
	}
	return nil
}

// writeTable writes records (which must already be sorted ascending by
// unique key) as a table at path: records, then index, then footer,
// flushing and fsyncing before returning.
func writeTable(path string, records []Record) error {
	if len(records) == 0 {
		return newErr(ErrIo, "cannot write an empty table", nil)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return newErr(ErrIo, "create table file", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	entries := make([]indexEntry, 0, len(records))
	var offset uint32
	for _, rec := range records {
		buf := rec.Encode()
		if _, err := w.Write(buf); err != nil {
			return newErr(ErrIo, "write table record", err)
		}
		entries = append(entries, indexEntry{offset: offset, key: rec.Key})
		offset += uint32(len(buf))
	}
	indexStart := offset

	for _, e := range entries {
		var ob [4]byte
		binary.LittleEndian.PutUint32(ob[:], e.offset)
		if _, err := w.Write(ob[:]); err != nil {
			return newErr(ErrIo, "write index offset", err)
		}
		if err := writeLenPrefixed(w, e.key); err != nil {
			return err
		}
	}

	var footer bytes.Buffer
	if err := writeLenPrefixed(&footer, records[0].Key); err != nil {
		return err
	}
	if err := writeLenPrefixed(&footer, records[len(records)-1].Key); err != nil {
		return err
	}
	var isBuf [4]byte
	binary.LittleEndian.PutUint32(isBuf[:], indexStart)
	footer.Write(isBuf[:])
	footerLen := uint32(footer.Len() + 4)
	var flBuf [4]byte
	binary.LittleEndian.PutUint32(flBuf[:], footerLen)
	footer.Write(flBuf[:])

	if _, err := w.Write(footer.Bytes()); err != nil {
		return newErr(ErrIo, "write table footer", err)
	}
	if err := w.Flush(); err != nil {
		return newErr(ErrIo, "flush table writer", err)
	}
	if err := f.Sync(); err != nil {
		return newErr(ErrIo, "fsync table", err)
	}
	return nil
}

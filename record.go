package strata

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	opExists  byte = '0'
	opDeleted byte = '1'
)

// recordHeaderLen is the fixed-size prefix of every encoded record:
// op byte, key_len, val_len.
const recordHeaderLen = 9

// Record is the unit of change in the store: either a key mapped to a
// value, or a tombstone marking a key as removed.
type Record struct {
	Key     []byte
	Value   []byte
	Deleted bool
}

// NewExists builds a Record representing a live key/value pair.
func NewExists(key, value []byte) Record {
	return Record{Key: key, Value: value}
}

// NewDeleted builds a tombstone Record for key.
func NewDeleted(key []byte) Record {
	return Record{Key: key, Deleted: true}
}

// EncodedLen returns the number of bytes Encode will produce.
func (r Record) EncodedLen() int {
	return recordHeaderLen + len(r.Key) + len(r.Value)
}

// Encode renders r in its on-wire form: op | key_len | val_len | key | value?.
func (r Record) Encode() []byte {
	buf := make([]byte, r.EncodedLen())
	if r.Deleted {
		buf[0] = opDeleted
	} else {
		buf[0] = opExists
	}
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(r.Key)))
	valLen := uint32(0)
	if !r.Deleted {
		valLen = uint32(len(r.Value))
	}
	binary.LittleEndian.PutUint32(buf[5:9], valLen)
	n := copy(buf[recordHeaderLen:], r.Key)
	if !r.Deleted {
		copy(buf[recordHeaderLen+n:], r.Value)
	}
	return buf
}

// DecodeRecord reads exactly one record from r. io.EOF means no byte of
// a record was left; a read that stops anywhere inside a record returns
// io.ErrUnexpectedEOF, so callers can distinguish "nothing left" from
// "torn tail".
func DecodeRecord(r io.Reader) (Record, error) {
	var head [recordHeaderLen]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Record{}, err
	}
	op := head[0]
	if op != opExists && op != opDeleted {
		return Record{}, newErr(ErrCorruption, fmt.Sprintf("invalid record op byte %q", op), nil)
	}
	keyLen := binary.LittleEndian.Uint32(head[1:5])
	valLen := binary.LittleEndian.Uint32(head[5:9])
	if op == opDeleted && valLen != 0 {
		return Record{}, newErr(ErrCorruption, "deleted record carries a nonzero value length", nil)
	}
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Record{}, err
	}
	if op == opDeleted {
		return Record{Key: key, Deleted: true}, nil
	}
	value := make([]byte, valLen)
	if _, err := io.ReadFull(r, value); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Record{}, err
	}
	return Record{Key: key, Value: value}, nil
}

// recordIterator is the minimal shape consumed by the merge engine: a
// fallible pull-based sequence of records.
type recordIterator interface {
	Next() (Record, bool, error)
}

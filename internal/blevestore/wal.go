package blevestore

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Blob name kinds.
const (
	kindWAL      = "wal"
	kindSnapshot = "snap"
)

// Record operations.
const (
	opSet byte = iota
	opDelete
)

// walMagic prefixes every snapshot and write-ahead blob.
var walMagic = []byte("LSKV")

const walVersion byte = 1

// record is one mutation. Merge operands are resolved before logging, so
// replay never needs the merge operator.
type record struct {
	op  byte
	key []byte
	val []byte
}

func walName(seq uint64) string      { return fmt.Sprintf("%s.%016d", kindWAL, seq) }
func snapshotName(seq uint64) string { return fmt.Sprintf("%s.%016d", kindSnapshot, seq) }

// parseBlobName splits "wal.<seq>" / "snap.<seq>". Foreign names (the
// engine's internal blobs use their own prefixes) report ok=false.
func parseBlobName(name string) (kind string, seq uint64, ok bool) {
	kind, rest, found := strings.Cut(name, ".")
	if !found || (kind != kindWAL && kind != kindSnapshot) {
		return "", 0, false
	}
	seq, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return kind, seq, true
}

// encodeRecords writes the framed record list to w.
//
// Layout: magic, version byte, uvarint count, then per record an op byte,
// uvarint key length, key bytes, and for sets a uvarint value length plus
// value bytes.
func encodeRecords(w io.Writer, recs []record) error {
	var scratch [binary.MaxVarintLen64]byte

	if _, err := w.Write(walMagic); err != nil {
		return err
	}
	if _, err := w.Write([]byte{walVersion}); err != nil {
		return err
	}
	n := binary.PutUvarint(scratch[:], uint64(len(recs)))
	if _, err := w.Write(scratch[:n]); err != nil {
		return err
	}

	for _, rec := range recs {
		if _, err := w.Write([]byte{rec.op}); err != nil {
			return err
		}
		n = binary.PutUvarint(scratch[:], uint64(len(rec.key)))
		if _, err := w.Write(scratch[:n]); err != nil {
			return err
		}
		if _, err := w.Write(rec.key); err != nil {
			return err
		}
		if rec.op != opSet {
			continue
		}
		n = binary.PutUvarint(scratch[:], uint64(len(rec.val)))
		if _, err := w.Write(scratch[:n]); err != nil {
			return err
		}
		if _, err := w.Write(rec.val); err != nil {
			return err
		}
	}
	return nil
}

// decodeRecords reads one framed record list.
func decodeRecords(r io.Reader) ([]record, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(data) < len(walMagic)+1 || string(data[:len(walMagic)]) != string(walMagic) {
		return nil, fmt.Errorf("bad blob header")
	}
	if data[len(walMagic)] != walVersion {
		return nil, fmt.Errorf("unsupported blob version %d", data[len(walMagic)])
	}
	pos := len(walMagic) + 1

	count, n := binary.Uvarint(data[pos:])
	if n <= 0 {
		return nil, fmt.Errorf("truncated record count")
	}
	pos += n

	readBytes := func() ([]byte, error) {
		l, n := binary.Uvarint(data[pos:])
		if n <= 0 {
			return nil, fmt.Errorf("truncated length at offset %d", pos)
		}
		pos += n
		if uint64(len(data)-pos) < l {
			return nil, fmt.Errorf("truncated payload at offset %d", pos)
		}
		b := data[pos : pos+int(l)]
		pos += int(l)
		return b, nil
	}

	recs := make([]record, 0, count)
	for i := uint64(0); i < count; i++ {
		if pos >= len(data) {
			return nil, fmt.Errorf("truncated record %d", i)
		}
		rec := record{op: data[pos]}
		pos++
		if rec.op != opSet && rec.op != opDelete {
			return nil, fmt.Errorf("unknown record op %d", rec.op)
		}
		if rec.key, err = readBytes(); err != nil {
			return nil, err
		}
		if rec.op == opSet {
			if rec.val, err = readBytes(); err != nil {
				return nil, err
			}
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

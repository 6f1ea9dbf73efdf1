package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Record is one journaled block update.
type Record struct {
	Seq     uint64
	Dev     uint32
	Blockno uint32
	Data    []byte
}

// ErrCorruptRecord reports a payload that cannot be decoded.
var ErrCorruptRecord = errors.New("wal: corrupted record")

const recordHeaderSize = 8 + 4 + 4

// encodeRecord lays the record out as [seq:8][dev:4][blockno:4][data].
func encodeRecord(rec *Record) []byte {
	buf := make([]byte, recordHeaderSize+len(rec.Data))
	binary.LittleEndian.PutUint64(buf[0:8], rec.Seq)
	binary.LittleEndian.PutUint32(buf[8:12], rec.Dev)
	binary.LittleEndian.PutUint32(buf[12:16], rec.Blockno)
	copy(buf[recordHeaderSize:], rec.Data)
	return buf
}

func decodeRecord(b []byte) (*Record, error) {
	if len(b) < recordHeaderSize {
		return nil, fmt.Errorf("%w: payload of %d bytes", ErrCorruptRecord, len(b))
	}
	return &Record{
		Seq:     binary.LittleEndian.Uint64(b[0:8]),
		Dev:     binary.LittleEndian.Uint32(b[8:12]),
		Blockno: binary.LittleEndian.Uint32(b[12:16]),
		Data:    append([]byte(nil), b[recordHeaderSize:]...),
	}, nil
}

package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
)

// ErrCRCMismatch reports a frame whose checksum does not match its payload.
var ErrCRCMismatch = errors.New("wal: crc mismatch")

// Reader iterates every record in a journal directory: the sealed segments
// in index order, then the current segment.
type Reader struct {
	paths []string
	file  *os.File
	rec   *Record
	err   error
}

// OpenReader prepares to read the journal in dir.
func OpenReader(dir string) (*Reader, error) {
	entries, err := LoadIndex(dir)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, e := range entries {
		paths = append(paths, filepath.Join(dir, e.File))
	}
	current := filepath.Join(dir, currentFile)
	if _, err := os.Stat(current); err == nil {
		paths = append(paths, current)
	}
	return &Reader{paths: paths}, nil
}

// Next advances to the next record. It returns false at the end of the
// journal or on the first error; Err distinguishes the two.
func (r *Reader) Next() bool {
	for {
		if r.file == nil {
			if len(r.paths) == 0 {
				return false
			}
			f, err := os.Open(r.paths[0])
			r.paths = r.paths[1:]
			if err != nil {
				r.err = err
				return false
			}
			r.file = f
		}

		rec, err := readFrame(r.file)
		if err == io.EOF {
			_ = r.file.Close()
			r.file = nil
			continue
		}
		if err != nil {
			r.err = err
			return false
		}
		r.rec = rec
		return true
	}
}

// Record returns the record Next positioned on.
func (r *Reader) Record() *Record { return r.rec }

// Err returns the error that stopped iteration, if any.
func (r *Reader) Err() error { return r.err }

// Close releases the currently open segment, if any.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// Replay feeds every record in dir to fn in journal order and returns the
// last sequence number seen.
func Replay(dir string, fn func(*Record) error) (uint64, error) {
	r, err := OpenReader(dir)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	var lastSeq uint64
	for r.Next() {
		rec := r.Record()
		if rec.Seq <= lastSeq {
			return lastSeq, fmt.Errorf("wal: non-monotonic seq %d", rec.Seq)
		}
		lastSeq = rec.Seq
		if err := fn(rec); err != nil {
			return lastSeq, err
		}
	}
	return lastSeq, r.Err()
}

func readFrame(f io.Reader) (*Record, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF // torn tail, already truncated on append side
		}
		return nil, err
	}
	payloadLen := binary.LittleEndian.Uint32(header[:4])
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(f, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(header[4:]) {
		return nil, ErrCRCMismatch
	}
	return decodeRecord(payload)
}

// Package wal is a write journal for block updates. Every write the service
// accepts is framed, checksummed, and appended here before it reaches the
// device, so a crash between acknowledgement and device write is repaired by
// replaying the journal on startup.
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const frameHeaderSize = 8

const currentFile = "current.wal"

// Config sizes the journal.
type Config struct {
	Dir             string
	SegmentSize     uint64        // rotate when the current segment would exceed this
	SegmentDuration time.Duration // rotate when the current segment is older than this

	// OnRotate, when set, is called with each sealed segment's index
	// entry after rotation. Used for shipping notifications.
	OnRotate func(IndexEntry)
}

// Journal is the append side. It is not safe for concurrent use; the
// service serializes appends.
type Journal struct {
	cfg             Config
	file            *os.File
	writer          *bufio.Writer
	seq             uint64
	segmentID       int
	segmentStartSeq uint64
	bytesWritten    uint64
	lastRotationAt  time.Time
}

// Open opens the journal directory, restores the sequence from the index
// and the current segment, and truncates any torn frame at the tail.
func Open(cfg Config) (*Journal, error) {
	if cfg.SegmentSize == 0 {
		cfg.SegmentSize = 2 * 1024 * 1024
	}
	if cfg.SegmentDuration == 0 {
		cfg.SegmentDuration = time.Hour
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}

	last, err := loadLastIndex(cfg.Dir)
	if err != nil {
		return nil, err
	}
	var segID int
	var seq uint64
	if last != nil {
		id, _ := strconv.Atoi(strings.TrimSuffix(last.File, ".wal"))
		segID = id
		seq = last.LastSeq
	}

	path := filepath.Join(cfg.Dir, currentFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	j := &Journal{
		cfg:             cfg,
		file:            f,
		segmentID:       segID,
		segmentStartSeq: seq + 1,
		seq:             seq,
		lastRotationAt:  time.Now(),
	}

	if err := j.recoverCurrentState(); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := j.file.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}
	j.writer = bufio.NewWriterSize(f, 1<<20)

	return j, nil
}

// Append assigns the next sequence number to the record and frames it into
// the current segment.
func (j *Journal) Append(rec *Record) error {
	rec.Seq = j.seq + 1
	data := encodeRecord(rec)

	// frame = length(4) + CRC(4) + payload
	recordSize := frameHeaderSize + len(data)
	if j.shouldRotate(recordSize) {
		if err := j.rotate(); err != nil {
			return err
		}
	}

	j.seq++
	if err := writeFrame(j.writer, data); err != nil {
		return err
	}
	j.bytesWritten += uint64(recordSize)
	return nil
}

// Sync flushes buffered frames to stable storage.
func (j *Journal) Sync() error {
	if err := j.writer.Flush(); err != nil {
		return err
	}
	return j.file.Sync()
}

// Seq returns the last assigned sequence number.
func (j *Journal) Seq() uint64 { return j.seq }

// Close seals the current segment and records it in the index.
func (j *Journal) Close() error {
	_ = j.writer.Flush()
	_ = j.file.Sync()
	_ = j.file.Close()

	if j.bytesWritten == 0 {
		return nil
	}
	return j.seal()
}

func (j *Journal) shouldRotate(nextSize int) bool {
	return j.bytesWritten+uint64(nextSize) >= j.cfg.SegmentSize ||
		time.Since(j.lastRotationAt) >= j.cfg.SegmentDuration
}

func (j *Journal) rotate() error {
	_ = j.writer.Flush()
	_ = j.file.Sync()
	_ = j.file.Close()

	if err := j.seal(); err != nil {
		return err
	}

	f, err := os.OpenFile(filepath.Join(j.cfg.Dir, currentFile),
		os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	j.file = f
	j.writer = bufio.NewWriterSize(f, 1<<20)
	j.segmentStartSeq = j.seq + 1
	j.bytesWritten = 0
	j.lastRotationAt = time.Now()
	return nil
}

// seal renames current.wal to the next numbered segment and indexes it.
func (j *Journal) seal() error {
	j.segmentID++
	newFile := fmt.Sprintf("%06d.wal", j.segmentID)
	oldPath := filepath.Join(j.cfg.Dir, currentFile)
	newPath := filepath.Join(j.cfg.Dir, newFile)

	if err := os.Rename(oldPath, newPath); err != nil {
		return err
	}

	entry := IndexEntry{
		File:      newFile,
		FirstSeq:  j.segmentStartSeq,
		LastSeq:   j.seq,
		Timestamp: timestamp(),
	}
	if err := appendIndexEntry(j.cfg.Dir, entry); err != nil {
		return err
	}
	if j.cfg.OnRotate != nil {
		j.cfg.OnRotate(entry)
	}
	log.Printf("[wal] sealed %s (seq %d-%d)", newFile, entry.FirstSeq, entry.LastSeq)
	return nil
}

// recoverCurrentState scans the current segment, restoring seq and byte
// counts, and truncates at the first torn or corrupt frame.
func (j *Journal) recoverCurrentState() error {
	info, err := j.file.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		j.bytesWritten = 0
		return nil
	}

	r, err := os.Open(filepath.Join(j.cfg.Dir, currentFile))
	if err != nil {
		return err
	}
	defer r.Close()

	var (
		validBytes int64
		header     [frameHeaderSize]byte
	)
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if err == io.EOF {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return j.truncateCurrent(validBytes)
			}
			return err
		}
		payloadLen := binary.LittleEndian.Uint32(header[:4])
		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
				return j.truncateCurrent(validBytes)
			}
			return err
		}
		checksum := binary.LittleEndian.Uint32(header[4:])
		if crc32.ChecksumIEEE(payload) != checksum {
			return j.truncateCurrent(validBytes)
		}
		rec, err := decodeRecord(payload)
		if err != nil {
			return j.truncateCurrent(validBytes)
		}
		j.seq = rec.Seq
		validBytes += int64(frameHeaderSize + len(payload))
	}
	j.bytesWritten = uint64(validBytes)
	return nil
}

func (j *Journal) truncateCurrent(validBytes int64) error {
	if err := j.file.Truncate(validBytes); err != nil {
		return err
	}
	if _, err := j.file.Seek(validBytes, io.SeekStart); err != nil {
		return err
	}
	j.bytesWritten = uint64(validBytes)
	return nil
}

func writeFrame(wr io.Writer, payload []byte) error {
	var header [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(header[:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:], crc32.ChecksumIEEE(payload))
	if _, err := wr.Write(header[:]); err != nil {
		return err
	}
	_, err := wr.Write(payload)
	return err
}

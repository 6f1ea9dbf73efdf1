package wal

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// IndexEntry describes one sealed journal segment.
type IndexEntry struct {
	File      string `json:"file"`
	FirstSeq  uint64 `json:"first_seq"`
	LastSeq   uint64 `json:"last_seq"`
	Timestamp string `json:"timestamp"`
}

const indexFile = "journal_index.json"

// appendIndexEntry records a sealed segment in the index, one JSON object
// per line.
func appendIndexEntry(dir string, entry IndexEntry) error {
	path := filepath.Join(dir, indexFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

// LoadIndex reads all segment entries; a missing index file is an empty
// journal, not an error.
func LoadIndex(dir string) ([]IndexEntry, error) {
	b, err := os.ReadFile(filepath.Join(dir, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entries []IndexEntry
	for _, line := range bytes.Split(b, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var e IndexEntry
		if err := json.Unmarshal(line, &e); err == nil {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// loadLastIndex returns the newest sealed segment entry, if any.
func loadLastIndex(dir string) (*IndexEntry, error) {
	entries, err := LoadIndex(dir)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[len(entries)-1], nil
}

func timestamp() string {
	return time.Now().Format(time.RFC3339)
}

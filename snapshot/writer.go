package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"blockd/service"
)

// Writer saves snapshots into a directory, one file per sample.
type Writer struct {
	dir string
	svc *service.BlockService
	seq *Sequencer
}

// NewWriter prepares the snapshot directory and resumes the sequence from
// the newest snapshot already present.
func NewWriter(dir string, svc *service.BlockService) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	last, err := LoadLatest(dir)
	if err != nil {
		return nil, err
	}
	var start uint64
	if last != nil {
		start = last.Seq
	}
	return &Writer{dir: dir, svc: svc, seq: NewSequencer(start)}, nil
}

// Save persists one sample and returns it.
func (w *Writer) Save() (*Snapshot, error) {
	snap := &Snapshot{
		Seq:     w.seq.Next(),
		Created: time.Now(),
		Stats:   w.svc.Stats(),
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, err
	}
	path := filepath.Join(w.dir, fmt.Sprintf("snapshot_%d.json", snap.Seq))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, err
	}
	return snap, nil
}

// LoadLatest finds and loads the newest snapshot file, or nil when the
// directory holds none.
func LoadLatest(dir string) (*Snapshot, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var latestFile string
	var latestSeq uint64
	for _, f := range files {
		var seq uint64
		n, _ := fmt.Sscanf(f.Name(), "snapshot_%d.json", &seq)
		if n == 1 && seq > latestSeq {
			latestSeq = seq
			latestFile = f.Name()
		}
	}
	if latestFile == "" {
		return nil, nil
	}

	data, err := os.ReadFile(filepath.Join(dir, latestFile))
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

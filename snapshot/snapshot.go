// Package snapshot persists periodic views of the service counters, so a
// restarted node can show its history and operators can diff behavior
// across restarts. Snapshots are observational; they are never replayed.
package snapshot

import (
	"sync/atomic"
	"time"

	"blockd/service"
)

// Snapshot is one persisted stats sample.
type Snapshot struct {
	Seq     uint64        `json:"seq"`
	Created time.Time     `json:"created"`
	Stats   service.Stats `json:"stats"`
}

// Sequencer hands out monotonic snapshot sequence numbers.
type Sequencer struct {
	next atomic.Uint64
}

// NewSequencer starts from the given value, normally the last persisted
// snapshot's sequence.
func NewSequencer(start uint64) *Sequencer {
	s := &Sequencer{}
	s.next.Store(start)
	return s
}

// Next returns the next sequence number.
func (s *Sequencer) Next() uint64 {
	return s.next.Add(1)
}

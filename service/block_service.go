// Package service coordinates the domain (cache, allocator) with the infra
// (journal, devices). It is the only write entry point into the system.
package service

import (
	"fmt"
	"sync"

	"blockd/domain/bcache"
	"blockd/domain/physmem"
	"blockd/infra/wal"
)

// BlockService serves reads and writes through the buffer cache, journaling
// every write before it reaches the device.
type BlockService struct {
	cache *bcache.Cache
	mem   *physmem.Allocator

	mu      sync.Mutex // serializes journal appends
	journal *wal.Journal
}

// Stats merges the cache and allocator counters.
type Stats struct {
	Cache      bcache.Stats `json:"cache"`
	FreePages  int          `json:"free_pages"`
	JournalSeq uint64       `json:"journal_seq"`
}

// New wires all dependencies. No globals.
func New(cache *bcache.Cache, mem *physmem.Allocator, journal *wal.Journal) *BlockService {
	return &BlockService{
		cache:   cache,
		mem:     mem,
		journal: journal,
	}
}

// Read returns a copy of the block's contents.
func (s *BlockService) Read(dev, blockno uint32) ([]byte, error) {
	b := s.cache.Bread(dev, blockno)
	out := make([]byte, s.cache.BlockSize())
	copy(out, b.Data())
	s.cache.Brelse(b)
	return out, nil
}

// Write journals the update and then writes it through the cache to the
// device. The payload is staged in a page from the caller's core so the
// buffer's exclusive lock is not held across journal I/O; the buffer stays
// pinned instead, which keeps its identity frozen until the device write.
func (s *BlockService) Write(core int, dev, blockno uint32, data []byte) error {
	bs := s.cache.BlockSize()
	if len(data) != bs {
		return fmt.Errorf("service: payload size %d != block size %d", len(data), bs)
	}
	if bs > s.mem.PageSize() {
		return fmt.Errorf("service: block size %d exceeds page size %d", bs, s.mem.PageSize())
	}

	page, err := s.mem.Alloc(core)
	if err != nil {
		return err
	}
	defer s.mem.Free(core, page)
	stage := page.Data[:bs]
	copy(stage, data)

	// Fill the buffer, then drop the lock but keep the buffer pinned
	// while the record goes to the journal.
	b := s.cache.Bread(dev, blockno)
	copy(b.Data(), stage)
	s.cache.Bpin(b)
	s.cache.Brelse(b)

	s.mu.Lock()
	err = s.journal.Append(&wal.Record{Dev: dev, Blockno: blockno, Data: stage})
	if err == nil {
		err = s.journal.Sync()
	}
	s.mu.Unlock()
	if err != nil {
		s.cache.Bunpin(b)
		return err
	}

	// Re-acquire: the pin guarantees this hits the same buffer.
	b = s.cache.Bread(dev, blockno)
	s.cache.Bwrite(b)
	s.cache.Brelse(b)
	s.cache.Bunpin(b)
	return nil
}

// Stats returns a point-in-time view of the system counters.
func (s *BlockService) Stats() Stats {
	return Stats{
		Cache:      s.cache.ReadStats(),
		FreePages:  s.mem.FreeTotal(),
		JournalSeq: s.journal.Seq(),
	}
}

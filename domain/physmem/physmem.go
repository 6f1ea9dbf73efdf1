// Package physmem is a per-core physical page allocator over a fixed byte
// arena. Each core owns an independently locked free list; allocation falls
// back to stealing from peer cores, and frees always return the page to the
// freeing core's list, so imbalance self-corrects.
package physmem

import (
	"encoding/binary"
	"errors"
	"fmt"

	"blockd/internal/ksync"
)

// ErrNoMemory is returned by Alloc when every core's free list is empty.
// Exhaustion is an ordinary, recoverable failure; callers decide what to do.
var ErrNoMemory = errors.New("physmem: out of memory")

const (
	// allocFill is written over a page before Alloc returns it, so a read
	// of never-initialized memory is distinguishable in tests.
	allocFill = 0x05
	// freeFill is written over a page on Free, so use of a stale reference
	// to freed memory is distinguishable in tests.
	freeFill = 0x01

	// nilLink terminates a free list. Offset 0 is always inside the
	// reserved prefix, never a page, so it is safe as the sentinel too,
	// but an explicit out-of-band value keeps the intent readable.
	nilLink = ^uint64(0)
)

// Page is one allocated page: its offset within the arena and a slice
// aliasing the arena's bytes. The caller owns the page until it is freed.
type Page struct {
	Off  uint64
	Data []byte
}

// Config sizes the allocator.
type Config struct {
	PageSize int    // bytes per page; must be a power of two >= 16
	NumCores int    // number of independent free lists
	Reserved uint64 // bytes at the bottom of the arena that are never pages
	Total    uint64 // total arena size in bytes
}

type coreList struct {
	lock ksync.SpinLock
	head uint64 // arena offset of the first free page, or nilLink
	n    int    // current list length
}

// Allocator carves [Reserved, Total) into pages and hands them out one at a
// time. A free page stores the offset of the next free page in its own first
// eight bytes; no side metadata is kept per page.
type Allocator struct {
	cfg   Config
	arena []byte
	base  uint64 // first page offset (Reserved rounded up to a page)
	cores []coreList
}

// New builds the allocator and frees every page onto core 0's list, the way
// kernel init hands the whole range to whichever core boots first.
func New(cfg Config) (*Allocator, error) {
	if cfg.PageSize < 16 || cfg.PageSize&(cfg.PageSize-1) != 0 {
		return nil, fmt.Errorf("physmem: page size %d is not a power of two >= 16", cfg.PageSize)
	}
	if cfg.NumCores < 1 {
		return nil, fmt.Errorf("physmem: need at least one core, got %d", cfg.NumCores)
	}
	ps := uint64(cfg.PageSize)
	base := (cfg.Reserved + ps - 1) &^ (ps - 1)
	if base+ps > cfg.Total {
		return nil, fmt.Errorf("physmem: range [%d, %d) holds no pages", base, cfg.Total)
	}

	a := &Allocator{
		cfg:   cfg,
		arena: make([]byte, cfg.Total),
		base:  base,
		cores: make([]coreList, cfg.NumCores),
	}
	for i := range a.cores {
		a.cores[i].head = nilLink
	}
	for off := a.base; off+ps <= cfg.Total; off += ps {
		a.Free(0, Page{Off: off, Data: a.arena[off : off+ps]})
	}
	return a, nil
}

// Alloc returns one page for the given core, stealing from a peer when the
// local list is empty. The page comes back filled with the alloc pattern.
func (a *Allocator) Alloc(core int) (Page, error) {
	if p, ok := a.pop(core); ok {
		return p, nil
	}
	for i := range a.cores {
		if i == core {
			continue
		}
		if p, ok := a.pop(i); ok {
			return p, nil
		}
	}
	return Page{}, ErrNoMemory
}

// Free validates the page and pushes it onto the freeing core's list.
// A misaligned or out-of-range page is a memory-safety violation, not a
// resource condition, and panics.
func (a *Allocator) Free(core int, p Page) {
	ps := uint64(a.cfg.PageSize)
	if p.Off%ps != 0 || p.Off < a.base || p.Off+ps > uint64(len(a.arena)) {
		panic(fmt.Sprintf("physmem: free of invalid page at offset %d", p.Off))
	}

	data := a.arena[p.Off : p.Off+ps]
	for i := range data {
		data[i] = freeFill
	}

	c := &a.cores[core]
	c.lock.Lock()
	binary.LittleEndian.PutUint64(data[:8], c.head)
	c.head = p.Off
	c.n++
	c.lock.Unlock()
}

// FreeCount reports the length of one core's free list.
func (a *Allocator) FreeCount(core int) int {
	c := &a.cores[core]
	c.lock.Lock()
	n := c.n
	c.lock.Unlock()
	return n
}

// FreeTotal reports the number of free pages across all cores.
func (a *Allocator) FreeTotal() int {
	total := 0
	for i := range a.cores {
		total += a.FreeCount(i)
	}
	return total
}

// PageSize returns the configured page size.
func (a *Allocator) PageSize() int { return a.cfg.PageSize }

// NumCores returns the number of per-core free lists.
func (a *Allocator) NumCores() int { return a.cfg.NumCores }

func (a *Allocator) pop(core int) (Page, bool) {
	c := &a.cores[core]
	c.lock.Lock()
	off := c.head
	if off == nilLink {
		c.lock.Unlock()
		return Page{}, false
	}
	ps := uint64(a.cfg.PageSize)
	data := a.arena[off : off+ps]
	c.head = binary.LittleEndian.Uint64(data[:8])
	c.n--
	c.lock.Unlock()

	for i := range data {
		data[i] = allocFill
	}
	return Page{Off: off, Data: data}, true
}

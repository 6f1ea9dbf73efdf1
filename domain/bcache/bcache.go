// Package bcache is a hash-sharded cache of disk-block buffers over a fixed
// pool. Buckets are independently locked doubly-linked lists; a hit never
// touches anything but its own bucket. When a bucket runs out of reusable
// buffers, a single global lock serializes the cross-bucket search that
// migrates a free buffer in from another bucket.
//
// Interface:
//   - Bread returns a locked buffer holding the block's contents.
//   - Bwrite flushes a locked buffer to its device.
//   - Brelse gives a locked buffer back; call it exactly once per Bread.
//   - Bpin/Bunpin keep a buffer resident across sections where the
//     exclusive lock is dropped, e.g. while a write sits in the journal.
package bcache

import (
	"fmt"
	"sync/atomic"

	"blockd/infra/device"
	"blockd/internal/ksync"
)

// Config sizes the cache. Zero values fall back to the defaults.
type Config struct {
	NumBufs    int // buffers in the pool
	NumBuckets int // hash buckets
	NumDevs    int // device table slots
	BlockSize  int // bytes per block; attached devices must match
}

const (
	defaultNumBufs    = 30
	defaultNumBuckets = 13
	defaultNumDevs    = 4
	defaultBlockSize  = 4096
)

const nilIdx = int32(-1)

// Buf is one cache slot: the identity of the block it holds, its payload,
// and the exclusive-use lock that guards the payload. List linkage is by
// arena index; a buffer is on exactly one bucket's list at any instant.
type Buf struct {
	dev     uint32
	blockno uint32
	valid   bool
	refcnt  int
	data    []byte
	lock    *ksync.SleepLock

	idx        int32
	prev, next int32
}

// Dev returns the device slot this buffer currently belongs to.
func (b *Buf) Dev() uint32 { return b.dev }

// Blockno returns the block number this buffer currently holds.
func (b *Buf) Blockno() uint32 { return b.blockno }

// Data returns the payload. Only the holder of the exclusive lock may read
// or mutate it.
func (b *Buf) Data() []byte { return b.data }

// Stats is a point-in-time snapshot of the cache counters.
type Stats struct {
	Hits       uint64 `json:"hits"`
	Misses     uint64 `json:"misses"`
	Recycles   uint64 `json:"recycles"`
	Migrations uint64 `json:"migrations"`
}

// Cache is the buffer cache. Construct one with New and share it by
// reference; there are no package-level singletons.
type Cache struct {
	cfg Config

	// arena holds NumBufs buffers followed by NumBuckets sentinel nodes,
	// one per bucket, each the head of a circular list. next from a
	// sentinel walks most-recently-used first; prev walks oldest first.
	arena []Buf

	locks  []ksync.SpinLock // one per bucket
	global ksync.SpinLock   // serializes cross-bucket migration

	devs []device.Device

	hits       atomic.Uint64
	misses     atomic.Uint64
	recycles   atomic.Uint64
	migrations atomic.Uint64
}

// New builds the cache and distributes the buffers round-robin across the
// buckets.
func New(cfg Config) *Cache {
	if cfg.NumBufs == 0 {
		cfg.NumBufs = defaultNumBufs
	}
	if cfg.NumBuckets == 0 {
		cfg.NumBuckets = defaultNumBuckets
	}
	if cfg.NumDevs == 0 {
		cfg.NumDevs = defaultNumDevs
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = defaultBlockSize
	}

	c := &Cache{
		cfg:   cfg,
		arena: make([]Buf, cfg.NumBufs+cfg.NumBuckets),
		locks: make([]ksync.SpinLock, cfg.NumBuckets),
		devs:  make([]device.Device, cfg.NumDevs),
	}

	for i := range c.arena {
		b := &c.arena[i]
		b.idx = int32(i)
		if i < cfg.NumBufs {
			b.data = make([]byte, cfg.BlockSize)
			b.lock = ksync.NewSleepLock()
		} else {
			// bucket sentinel: empty circular list
			b.prev, b.next = b.idx, b.idx
		}
	}
	for i := 0; i < cfg.NumBufs; i++ {
		c.pushFront(i%cfg.NumBuckets, int32(i))
	}
	return c
}

// AttachDevice mounts a device into a numbered slot.
func (c *Cache) AttachDevice(dev uint32, d device.Device) error {
	if int(dev) >= len(c.devs) {
		return fmt.Errorf("bcache: device slot %d out of range", dev)
	}
	if c.devs[dev] != nil {
		return fmt.Errorf("bcache: device slot %d busy", dev)
	}
	if d.BlockSize() != c.cfg.BlockSize {
		return fmt.Errorf("bcache: device block size %d != cache block size %d",
			d.BlockSize(), c.cfg.BlockSize)
	}
	c.devs[dev] = d
	return nil
}

// DetachDevice unmounts a device slot.
func (c *Cache) DetachDevice(dev uint32) {
	c.devs[dev] = nil
}

// Bread returns a buffer holding the contents of the given block, with the
// exclusive-use lock held by the caller.
func (c *Cache) Bread(dev, blockno uint32) *Buf {
	b := c.bget(dev, blockno)
	if !b.valid {
		if err := c.devs[dev].ReadBlock(blockno, b.data); err != nil {
			panic(fmt.Sprintf("bcache: read dev %d block %d: %v", dev, blockno, err))
		}
		b.valid = true
	}
	return b
}

// Bwrite flushes the buffer's payload to its device. The caller must hold
// the buffer's exclusive lock; calling it unlocked is a contract violation.
func (c *Cache) Bwrite(b *Buf) {
	if !b.lock.Held() {
		panic("bcache: bwrite of unlocked buffer")
	}
	if err := c.devs[b.dev].WriteBlock(b.blockno, b.data); err != nil {
		panic(fmt.Sprintf("bcache: write dev %d block %d: %v", b.dev, b.blockno, err))
	}
}

// Brelse releases a locked buffer. When the reference count reaches zero the
// buffer moves to the most-recently-used end of its bucket, making it the
// last candidate for reuse.
func (c *Cache) Brelse(b *Buf) {
	if !b.lock.Held() {
		panic("bcache: brelse of unlocked buffer")
	}
	b.lock.Release()

	key := c.hash(b.blockno)
	c.locks[key].Lock()
	b.refcnt--
	if b.refcnt == 0 {
		c.unlink(b.idx)
		c.pushFront(int(key), b.idx)
	}
	c.locks[key].Unlock()
}

// Bpin takes an extra reference without holding the exclusive lock, keeping
// the buffer resident while the lock is dropped.
func (c *Cache) Bpin(b *Buf) {
	key := c.hash(b.blockno)
	c.locks[key].Lock()
	b.refcnt++
	c.locks[key].Unlock()
}

// Bunpin drops a reference taken by Bpin.
func (c *Cache) Bunpin(b *Buf) {
	key := c.hash(b.blockno)
	c.locks[key].Lock()
	b.refcnt--
	c.locks[key].Unlock()
}

// ReadStats returns the current counters.
func (c *Cache) ReadStats() Stats {
	return Stats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Recycles:   c.recycles.Load(),
		Migrations: c.migrations.Load(),
	}
}

// BlockSize returns the cache's block size.
func (c *Cache) BlockSize() int { return c.cfg.BlockSize }

// bget finds or allocates the buffer for (dev, blockno) and returns it with
// the exclusive lock held and refcnt raised.
//
// Lock order: at most one bucket lock at a time, except during migration,
// where the order is source bucket, then global, then target bucket nested
// inside the global lock. The global lock stays held across the entire
// cross-bucket scan, so at most one goroutine ever holds two bucket locks
// at once, which rules out circular wait.
func (c *Cache) bget(dev, blockno uint32) *Buf {
	key := c.hash(blockno)
	c.locks[key].Lock()

	// Hit: scan from the most-recently-used end.
	head := c.sentinel(int(key))
	for i := c.arena[head].next; i != head; i = c.arena[i].next {
		b := &c.arena[i]
		if b.dev == dev && b.blockno == blockno {
			b.refcnt++
			c.locks[key].Unlock()
			c.hits.Add(1)
			b.lock.Acquire()
			return b
		}
	}
	c.misses.Add(1)

	// Miss: recycle the oldest unreferenced buffer in this bucket.
	for i := c.arena[head].prev; i != head; i = c.arena[i].prev {
		b := &c.arena[i]
		if b.refcnt == 0 {
			b.dev = dev
			b.blockno = blockno
			b.valid = false
			b.refcnt = 1
			c.locks[key].Unlock()
			c.recycles.Add(1)
			b.lock.Acquire()
			return b
		}
	}

	// Nothing reusable here: migrate a free buffer from another bucket.
	// The global lock covers the whole search, so the nested target-bucket
	// acquisition below can never deadlock against a second migration.
	c.locks[key].Unlock()
	c.global.Lock()

	for src := 0; src < c.cfg.NumBuckets; src++ {
		if src == int(key) {
			continue
		}
		c.locks[src].Lock()
		srcHead := c.sentinel(src)
		for i := c.arena[srcHead].prev; i != srcHead; i = c.arena[i].prev {
			b := &c.arena[i]
			if b.refcnt != 0 {
				continue
			}
			b.dev = dev
			b.blockno = blockno
			b.valid = false
			b.refcnt = 1

			c.unlink(b.idx)

			// Migrated buffers arrive cold: splice in at the
			// oldest end of the target bucket.
			c.locks[key].Lock()
			c.pushBack(int(key), b.idx)
			c.locks[key].Unlock()

			c.locks[src].Unlock()
			c.global.Unlock()
			c.migrations.Add(1)
			b.lock.Acquire()
			return b
		}
		c.locks[src].Unlock()
	}

	c.global.Unlock()
	panic("bcache: no buffers")
}

func (c *Cache) hash(blockno uint32) uint32 {
	return blockno % uint32(c.cfg.NumBuckets)
}

func (c *Cache) sentinel(bucket int) int32 {
	return int32(c.cfg.NumBufs + bucket)
}

// unlink removes a buffer from whatever list it is on. Caller holds that
// bucket's lock (plus the global lock during migration).
func (c *Cache) unlink(i int32) {
	b := &c.arena[i]
	c.arena[b.prev].next = b.next
	c.arena[b.next].prev = b.prev
	b.prev, b.next = nilIdx, nilIdx
}

// pushFront inserts at the most-recently-used end.
func (c *Cache) pushFront(bucket int, i int32) {
	head := c.sentinel(bucket)
	b := &c.arena[i]
	b.prev = head
	b.next = c.arena[head].next
	c.arena[c.arena[head].next].prev = i
	c.arena[head].next = i
}

// pushBack inserts at the oldest end.
func (c *Cache) pushBack(bucket int, i int32) {
	head := c.sentinel(bucket)
	b := &c.arena[i]
	b.next = head
	b.prev = c.arena[head].prev
	c.arena[c.arena[head].prev].next = i
	c.arena[head].prev = i
}

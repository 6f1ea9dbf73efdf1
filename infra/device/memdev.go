package device

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// MemDevice is a RAM-backed device for tests and demos. Fresh blocks read
// as their block number in the first byte so tests can tell blocks apart
// without a write phase.
//
// Reads and Writes counters let tests assert how many operations actually
// reached the device. Gate, when set, makes every I/O announce itself on
// HasBlocked and wait for a token on Unblock, so tests can hold a device
// operation in flight deliberately.
type MemDevice struct {
	blocksize int
	mu        sync.Mutex
	blocks    [][]byte

	Reads  atomic.Uint64
	Writes atomic.Uint64

	Gate       bool
	HasBlocked chan struct{}
	Unblock    chan struct{}
}

// NewMemDevice creates a device of numblocks blocks of blocksize bytes.
func NewMemDevice(blocksize int, numblocks uint32) *MemDevice {
	d := &MemDevice{
		blocksize:  blocksize,
		blocks:     make([][]byte, numblocks),
		HasBlocked: make(chan struct{}, 16),
		Unblock:    make(chan struct{}),
	}
	for i := range d.blocks {
		d.blocks[i] = make([]byte, blocksize)
		d.blocks[i][0] = byte(i)
	}
	return d
}

func (d *MemDevice) BlockSize() int    { return d.blocksize }
func (d *MemDevice) NumBlocks() uint32 { return uint32(len(d.blocks)) }

func (d *MemDevice) ReadBlock(blockno uint32, p []byte) error {
	if err := d.check(blockno, p); err != nil {
		return err
	}
	d.gate()
	d.Reads.Add(1)
	d.mu.Lock()
	copy(p, d.blocks[blockno])
	d.mu.Unlock()
	return nil
}

func (d *MemDevice) WriteBlock(blockno uint32, p []byte) error {
	if err := d.check(blockno, p); err != nil {
		return err
	}
	d.gate()
	d.Writes.Add(1)
	d.mu.Lock()
	copy(d.blocks[blockno], p)
	d.mu.Unlock()
	return nil
}

func (d *MemDevice) Close() error { return nil }

func (d *MemDevice) check(blockno uint32, p []byte) error {
	if int(blockno) >= len(d.blocks) {
		return fmt.Errorf("memdev: block %d out of range", blockno)
	}
	if len(p) != d.blocksize {
		return fmt.Errorf("memdev: buffer size %d != block size %d", len(p), d.blocksize)
	}
	return nil
}

func (d *MemDevice) gate() {
	if !d.Gate {
		return
	}
	d.HasBlocked <- struct{}{}
	<-d.Unblock
}

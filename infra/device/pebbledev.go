package device

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// PebbleDevice is a durable device storing each block under its own key in
// a pebble store. Blocks that were never written read as all zeroes.
type PebbleDevice struct {
	db        *pebble.DB
	blocksize int
	numblocks uint32
}

// OpenPebbleDevice opens (or creates) a pebble-backed device in dir.
func OpenPebbleDevice(dir string, blocksize int, numblocks uint32) (*PebbleDevice, error) {
	db, err := pebble.Open(dir, &pebble.Options{
		DisableWAL: false, // we WANT durability
	})
	if err != nil {
		return nil, err
	}
	return &PebbleDevice{db: db, blocksize: blocksize, numblocks: numblocks}, nil
}

func (d *PebbleDevice) BlockSize() int    { return d.blocksize }
func (d *PebbleDevice) NumBlocks() uint32 { return d.numblocks }

func (d *PebbleDevice) ReadBlock(blockno uint32, p []byte) error {
	if err := d.check(blockno, p); err != nil {
		return err
	}
	val, closer, err := d.db.Get(keyFor(blockno))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			for i := range p {
				p[i] = 0
			}
			return nil
		}
		return err
	}
	defer closer.Close()
	if len(val) != d.blocksize {
		return fmt.Errorf("pebbledev: stored block %d has size %d", blockno, len(val))
	}
	copy(p, val)
	return nil
}

func (d *PebbleDevice) WriteBlock(blockno uint32, p []byte) error {
	if err := d.check(blockno, p); err != nil {
		return err
	}
	return d.db.Set(keyFor(blockno), p, pebble.Sync)
}

func (d *PebbleDevice) Close() error {
	return d.db.Close()
}

func (d *PebbleDevice) check(blockno uint32, p []byte) error {
	if blockno >= d.numblocks {
		return fmt.Errorf("pebbledev: block %d out of range", blockno)
	}
	if len(p) != d.blocksize {
		return fmt.Errorf("pebbledev: buffer size %d != block size %d", len(p), d.blocksize)
	}
	return nil
}

func keyFor(blockno uint32) []byte {
	return []byte(fmt.Sprintf("block/%012d", blockno))
}

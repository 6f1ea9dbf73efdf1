package device

import (
	"fmt"
	"os"
)

// FileDevice stores blocks in one flat file at offset blockno*blocksize.
type FileDevice struct {
	file      *os.File
	blocksize int
	numblocks uint32
}

// OpenFileDevice opens (creating if needed) a file-backed device and
// extends the file to its full size up front.
func OpenFileDevice(path string, blocksize int, numblocks uint32) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	size := int64(blocksize) * int64(numblocks)
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &FileDevice{file: f, blocksize: blocksize, numblocks: numblocks}, nil
}

func (d *FileDevice) BlockSize() int    { return d.blocksize }
func (d *FileDevice) NumBlocks() uint32 { return d.numblocks }

func (d *FileDevice) ReadBlock(blockno uint32, p []byte) error {
	if err := d.check(blockno, p); err != nil {
		return err
	}
	_, err := d.file.ReadAt(p, int64(blockno)*int64(d.blocksize))
	return err
}

func (d *FileDevice) WriteBlock(blockno uint32, p []byte) error {
	if err := d.check(blockno, p); err != nil {
		return err
	}
	if _, err := d.file.WriteAt(p, int64(blockno)*int64(d.blocksize)); err != nil {
		return err
	}
	return d.file.Sync()
}

func (d *FileDevice) Close() error {
	return d.file.Close()
}

func (d *FileDevice) check(blockno uint32, p []byte) error {
	if blockno >= d.numblocks {
		return fmt.Errorf("filedev: block %d out of range", blockno)
	}
	if len(p) != d.blocksize {
		return fmt.Errorf("filedev: buffer size %d != block size %d", len(p), d.blocksize)
	}
	return nil
}

// Package device defines the synchronous block-device contract the cache
// runs against, plus RAM, file, and pebble-backed implementations.
package device

// Device is a synchronous fixed-block-size store. ReadBlock and WriteBlock
// may suspend the calling goroutine for the duration of the I/O; they never
// return partial blocks.
type Device interface {
	BlockSize() int
	NumBlocks() uint32
	ReadBlock(blockno uint32, p []byte) error
	WriteBlock(blockno uint32, p []byte) error
	Close() error
}

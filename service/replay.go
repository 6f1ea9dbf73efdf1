package service

import (
	"fmt"
	"log"

	"blockd/infra/device"
	"blockd/infra/wal"
)

// ReplayJournal re-applies every journaled block update to its device.
// It MUST run before the service accepts traffic: a write acknowledged
// after its journal append but lost before the device write only exists
// here.
func ReplayJournal(dir string, devs map[uint32]device.Device) error {
	count := 0
	lastSeq, err := wal.Replay(dir, func(rec *wal.Record) error {
		d, ok := devs[rec.Dev]
		if !ok {
			return fmt.Errorf("service: journal names unattached device %d", rec.Dev)
		}
		if len(rec.Data) != d.BlockSize() {
			return fmt.Errorf("service: journaled block %d has size %d, device wants %d",
				rec.Blockno, len(rec.Data), d.BlockSize())
		}
		count++
		return d.WriteBlock(rec.Blockno, rec.Data)
	})
	if err != nil {
		return err
	}
	log.Printf("[service] journal replay complete (%d records, last seq %d)", count, lastSeq)
	return nil
}

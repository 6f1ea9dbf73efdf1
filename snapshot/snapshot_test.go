package snapshot

import (
	"path/filepath"
	"testing"

	"blockd/domain/bcache"
	"blockd/domain/physmem"
	"blockd/infra/device"
	"blockd/infra/wal"
	"blockd/service"
)

func openTestService(t *testing.T) *service.BlockService {
	t.Helper()

	cache := bcache.New(bcache.Config{NumBufs: 10, NumBuckets: 4, BlockSize: 64})
	if err := cache.AttachDevice(0, device.NewMemDevice(64, 128)); err != nil {
		t.Fatalf("attach: %v", err)
	}
	mem, err := physmem.New(physmem.Config{PageSize: 64, NumCores: 1, Reserved: 64, Total: 64 * 16})
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}
	j, err := wal.Open(wal.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return service.New(cache, mem, j)
}

func TestSaveAndLoadLatest(t *testing.T) {
	svc := openTestService(t)
	dir := t.TempDir()

	w, err := NewWriter(dir, svc)
	if err != nil {
		t.Fatalf("writer: %v", err)
	}

	for i := uint32(0); i < 3; i++ {
		if _, err := svc.Read(0, i); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
	}

	first, err := w.Save()
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if first.Seq != 1 {
		t.Fatalf("first snapshot seq = %d, want 1", first.Seq)
	}
	second, err := w.Save()
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if second.Seq != 2 {
		t.Fatalf("second snapshot seq = %d, want 2", second.Seq)
	}

	got, err := LoadLatest(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got == nil || got.Seq != 2 {
		t.Fatalf("latest snapshot = %+v, want seq 2", got)
	}
	if got.Stats.Cache.Misses == 0 {
		t.Fatal("expected recorded cache misses after cold reads")
	}
}

func TestWriterResumesSequence(t *testing.T) {
	svc := openTestService(t)
	dir := t.TempDir()

	w, err := NewWriter(dir, svc)
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	if _, err := w.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := w.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	// A fresh writer over the same directory continues the numbering.
	w2, err := NewWriter(dir, svc)
	if err != nil {
		t.Fatalf("reopen writer: %v", err)
	}
	snap, err := w2.Save()
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if snap.Seq != 3 {
		t.Fatalf("resumed snapshot seq = %d, want 3", snap.Seq)
	}
}

func TestLoadLatestEmptyDir(t *testing.T) {
	snap, err := LoadLatest(filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap != nil {
		t.Fatalf("expected nil snapshot, got %+v", snap)
	}
}

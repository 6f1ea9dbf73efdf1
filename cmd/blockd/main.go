package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"blockd/api/grpcserver"
	"blockd/domain/bcache"
	"blockd/domain/physmem"
	"blockd/infra/device"
	"blockd/infra/kafka"
	"blockd/infra/wal"
	"blockd/jobs/broadcaster"
	"blockd/service"
	"blockd/snapshot"
)

func main() {
	var (
		addr       = flag.String("addr", ":50051", "gRPC listen address")
		dataDir    = flag.String("data", "./data", "data directory (device, journal, snapshots)")
		backend    = flag.String("backend", "pebble", "device backend: pebble, file or mem")
		blockSize  = flag.Int("block-size", 4096, "device block size in bytes")
		numBlocks  = flag.Int("blocks", 1<<16, "device size in blocks")
		numBufs    = flag.Int("bufs", 30, "buffer cache size")
		numBuckets = flag.Int("buckets", 13, "buffer cache hash buckets")
		pages      = flag.Int("pages", 1<<12, "physical pages in the staging pool")
		brokers    = flag.String("brokers", "", "comma-separated Kafka brokers (empty disables publishing)")
		statsTopic = flag.String("stats-topic", "blockd-stats", "Kafka topic for stats samples")
		shipTopic  = flag.String("ship-topic", "blockd-segments", "Kafka topic for sealed segment notifications")
		node       = flag.String("node", hostname(), "node name used as Kafka key")
	)
	flag.Parse()

	// ---------------- Device ----------------

	dev, err := openDevice(*backend, *dataDir, *blockSize, uint32(*numBlocks))
	if err != nil {
		log.Fatalf("device init failed: %v", err)
	}
	defer dev.Close()

	// ---------------- Journal ----------------

	walDir := filepath.Join(*dataDir, "journal")
	walCfg := wal.Config{Dir: walDir}

	var shipper *kafka.Producer
	if *brokers != "" {
		shipper = kafka.NewProducer(strings.Split(*brokers, ","), *shipTopic)
		defer shipper.Close()
		walCfg.OnRotate = func(e wal.IndexEntry) {
			payload, err := json.Marshal(e)
			if err != nil {
				log.Printf("[main] encode segment notice: %v", err)
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shipper.Send(ctx, []byte(*node), payload); err != nil {
				log.Printf("[main] segment notice: %v", err)
			}
		}
	}

	// ---------------- Journal replay ----------------

	// Replay runs against the raw device, before the cache exists, so the
	// cache never sees pre-repair contents.
	if err := service.ReplayJournal(walDir, map[uint32]device.Device{0: dev}); err != nil {
		log.Fatalf("journal replay failed: %v", err)
	}

	journal, err := wal.Open(walCfg)
	if err != nil {
		log.Fatalf("journal init failed: %v", err)
	}
	defer journal.Close()

	// ---------------- Cache ----------------

	cache := bcache.New(bcache.Config{
		NumBufs:    *numBufs,
		NumBuckets: *numBuckets,
		BlockSize:  *blockSize,
	})
	if err := cache.AttachDevice(0, dev); err != nil {
		log.Fatalf("attach device: %v", err)
	}

	// ---------------- Allocator ----------------

	pageSize := nextPow2(*blockSize)
	mem, err := physmem.New(physmem.Config{
		PageSize: pageSize,
		NumCores: runtime.NumCPU(),
		Total:    uint64(pageSize) * uint64(*pages),
	})
	if err != nil {
		log.Fatalf("allocator init failed: %v", err)
	}

	// ---------------- Service ----------------

	svc := service.New(cache, mem, journal)

	// ---------------- Background jobs ----------------

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snapWriter, err := snapshot.NewWriter(filepath.Join(*dataDir, "snapshots"), svc)
	if err != nil {
		log.Fatalf("snapshot init failed: %v", err)
	}
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := snapWriter.Save(); err != nil {
					log.Printf("[main] snapshot: %v", err)
				}
			}
		}
	}()

	if *brokers != "" {
		bc, err := broadcaster.New(svc, strings.Split(*brokers, ","), *statsTopic, *node, 2*time.Second)
		if err != nil {
			log.Fatalf("broadcaster init failed: %v", err)
		}
		defer bc.Close()
		go bc.Run(ctx)
	}

	// ---------------- gRPC ----------------

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("listen failed: %v", err)
	}

	grpcSrv := grpcserver.NewGRPCServer(grpcserver.NewServer(svc))

	fmt.Printf("blockd serving on %s (%s backend, %d-byte blocks)\n", *addr, *backend, *blockSize)

	if err := grpcSrv.Serve(lis); err != nil {
		log.Fatalf("gRPC server exited: %v", err)
	}
}

func openDevice(backend, dataDir string, blockSize int, numBlocks uint32) (device.Device, error) {
	switch backend {
	case "pebble":
		return device.OpenPebbleDevice(filepath.Join(dataDir, "blocks"), blockSize, numBlocks)
	case "file":
		return device.OpenFileDevice(filepath.Join(dataDir, "blocks.img"), blockSize, numBlocks)
	case "mem":
		return device.NewMemDevice(blockSize, numBlocks), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}

func nextPow2(n int) int {
	p := 16
	for p < n {
		p <<= 1
	}
	return p
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "blockd"
	}
	return h
}

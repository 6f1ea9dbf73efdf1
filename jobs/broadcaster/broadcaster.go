// Package broadcaster periodically publishes service counters to a Kafka
// topic, so fleet dashboards can watch cache behavior without scraping
// every node.
package broadcaster

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/IBM/sarama"

	"blockd/service"
)

// Event is one published stats sample.
type Event struct {
	V          int    `json:"v"`
	Node       string `json:"node"`
	Hits       uint64 `json:"hits"`
	Misses     uint64 `json:"misses"`
	Recycles   uint64 `json:"recycles"`
	Migrations uint64 `json:"migrations"`
	FreePages  int    `json:"free_pages"`
	JournalSeq uint64 `json:"journal_seq"`
	Time       int64  `json:"time"`
}

// Broadcaster samples a BlockService on an interval and publishes each
// sample to Kafka.
type Broadcaster struct {
	svc      *service.BlockService
	producer sarama.SyncProducer
	topic    string
	node     string
	interval time.Duration
}

// New connects a synchronous producer to the given brokers.
func New(svc *service.BlockService, brokers []string, topic, node string, interval time.Duration) (*Broadcaster, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}

	return &Broadcaster{
		svc:      svc,
		producer: producer,
		topic:    topic,
		node:     node,
		interval: interval,
	}, nil
}

// Run publishes until the context is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	log.Println("[broadcaster] started")
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.publishOnce()
		}
	}
}

func (b *Broadcaster) publishOnce() {
	st := b.svc.Stats()
	ev := Event{
		V:          1,
		Node:       b.node,
		Hits:       st.Cache.Hits,
		Misses:     st.Cache.Misses,
		Recycles:   st.Cache.Recycles,
		Migrations: st.Cache.Migrations,
		FreePages:  st.FreePages,
		JournalSeq: st.JournalSeq,
		Time:       time.Now().UnixNano(),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[broadcaster] encode: %v", err)
		return
	}

	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(b.node),
		Value: sarama.ByteEncoder(payload),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		log.Printf("[broadcaster] publish: %v", err) // retry next tick
	}
}

// Close shuts the producer down.
func (b *Broadcaster) Close() error {
	return b.producer.Close()
}

// Package publish fans committed crossing events out to Kafka.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/banshee-data/zonecount/internal/config"
	"github.com/banshee-data/zonecount/internal/crossing"
	"github.com/banshee-data/zonecount/internal/monitoring"
)

var logf = monitoring.Component("publish")

// producer is the subset of *kafka.Producer the publisher uses.
type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Flush(timeoutMs int) int
	Close()
}

// Publisher is a crossing.EventWriter that stores a batch with the wrapped
// writer and, once that commits, publishes each event to a Kafka topic.
// Publishing is best effort: a Kafka failure is logged and counted but
// never fails the batch, since the database is the record of truth.
type Publisher struct {
	next     crossing.EventWriter
	producer producer
	topic    string

	deliveries chan kafka.Event
	wg         sync.WaitGroup
	closeOnce  sync.Once

	sent   atomic.Int64
	acked  atomic.Int64
	failed atomic.Int64
}

// NewKafkaPublisher connects a producer using cfg and wraps next.
func NewKafkaPublisher(cfg config.KafkaConfig, next crossing.EventWriter) (*Publisher, error) {
	cm, err := producerConfig(cfg)
	if err != nil {
		return nil, err
	}
	p, err := kafka.NewProducer(cm)
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}
	logf("publishing crossings to %s on %s", cfg.Topic, cfg.BootstrapServers)
	return newPublisher(p, cfg.Topic, next), nil
}

func producerConfig(cfg config.KafkaConfig) (*kafka.ConfigMap, error) {
	cm := &kafka.ConfigMap{
		"bootstrap.servers":  cfg.BootstrapServers,
		"security.protocol":  cfg.SecurityProtocol,
		"acks":               cfg.Acks,
		"linger.ms":          cfg.LingerMS,
		"enable.idempotence": true,
	}
	if cfg.SASLMechanism == "" {
		return cm, nil
	}
	for _, kv := range [][2]string{
		{"sasl.mechanism", cfg.SASLMechanism},
		{"sasl.username", cfg.SASLUsername},
		{"sasl.password", cfg.SASLPassword},
	} {
		if err := cm.SetKey(kv[0], kv[1]); err != nil {
			return nil, fmt.Errorf("kafka config %s: %w", kv[0], err)
		}
	}
	return cm, nil
}

func newPublisher(p producer, topic string, next crossing.EventWriter) *Publisher {
	pub := &Publisher{
		next:       next,
		producer:   p,
		topic:      topic,
		deliveries: make(chan kafka.Event, 1024),
	}
	pub.wg.Add(1)
	go pub.handleDeliveryReports()
	return pub
}

func (p *Publisher) handleDeliveryReports() {
	defer p.wg.Done()
	for e := range p.deliveries {
		m, ok := e.(*kafka.Message)
		if !ok {
			continue
		}
		if m.TopicPartition.Error != nil {
			p.failed.Add(1)
			logf("delivery failed: %v", m.TopicPartition.Error)
			continue
		}
		p.acked.Add(1)
	}
}

// WriteEvents implements crossing.EventWriter.
func (p *Publisher) WriteEvents(ctx context.Context, events []crossing.Event) error {
	if err := p.next.WriteEvents(ctx, events); err != nil {
		return err
	}
	for _, ev := range events {
		msg, err := p.message(ev)
		if err != nil {
			p.failed.Add(1)
			logf("encode event for track %d: %v", ev.TrackID, err)
			continue
		}
		if err := p.producer.Produce(msg, p.deliveries); err != nil {
			p.failed.Add(1)
			logf("produce event for track %d: %v", ev.TrackID, err)
			continue
		}
		p.sent.Add(1)
	}
	return nil
}

// message keys by zone so one zone's crossings stay ordered in a partition.
func (p *Publisher) message(ev crossing.Event) (*kafka.Message, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &p.topic, Partition: kafka.PartitionAny},
		Key:            []byte(strconv.FormatInt(ev.ZoneID, 10)),
		Value:          payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Kind.String())},
			{Key: "run_id", Value: []byte(ev.RunID)},
		},
		Timestamp: ev.Timestamp,
	}, nil
}

// Stats are the publisher's delivery counters.
type Stats struct {
	Sent   int64 `json:"sent"`
	Acked  int64 `json:"acked"`
	Failed int64 `json:"failed"`
}

func (p *Publisher) Stats() Stats {
	return Stats{Sent: p.sent.Load(), Acked: p.acked.Load(), Failed: p.failed.Load()}
}

// Close flushes outstanding messages for up to timeout and shuts the
// producer down.
func (p *Publisher) Close(timeout time.Duration) {
	p.closeOnce.Do(func() {
		if remaining := p.producer.Flush(int(timeout.Milliseconds())); remaining > 0 {
			logf("%d messages still queued after flush timeout", remaining)
		}
		p.producer.Close()
		close(p.deliveries)
		p.wg.Wait()
		s := p.Stats()
		logf("closed: sent=%d acked=%d failed=%d", s.Sent, s.Acked, s.Failed)
	})
}

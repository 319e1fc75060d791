// Package kafkasink mirrors analysis progress events onto a Kafka topic.
package kafkasink

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/veda-ui/veda-analysis/internal/core/observability"
	"github.com/veda-ui/veda-analysis/internal/timeseries"
)

const sinkName = "kafka"

var errDropped = errors.New("kafkasink: queue full")

type Config struct {
	Brokers   []string
	Topic     string
	QueueSize int
}

// Message is the value written for every progress event.
type Message struct {
	BatchID string           `json:"batchId"`
	Type    string           `json:"type"`
	Index   int              `json:"index"`
	Data    *timeseries.Data `json:"data,omitempty"`
	TS      time.Time        `json:"ts"`
}

type Publisher struct {
	topic string
	prod  sarama.SyncProducer
	log   *slog.Logger

	msgs    chan *sarama.ProducerMessage
	stopped chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewSyncProducer dials brokers with acks from all in-sync replicas.
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	prod, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafkasink: create sync producer: %w", err)
	}
	return prod, nil
}

// New takes ownership of prod; Close closes it.
func New(cfg Config, prod sarama.SyncProducer, log *slog.Logger) *Publisher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Publisher{
		topic:   cfg.Topic,
		prod:    prod,
		log:     log,
		msgs:    make(chan *sarama.ProducerMessage, cfg.QueueSize),
		stopped: make(chan struct{}),
	}
	go p.loop()
	return p
}

func (p *Publisher) loop() {
	defer close(p.stopped)
	for msg := range p.msgs {
		_, _, err := p.prod.SendMessage(msg)
		observability.IncSinkPublish(sinkName, err)
		if err != nil {
			p.log.Warn("kafkasink: send failed", "topic", p.topic, "err", err)
		}
	}
}

// Attach forwards every data and done event of h. Call it before h.Start.
func (p *Publisher) Attach(h *timeseries.Handle) {
	id := h.ID()
	layers := h.Layers()
	h.On(timeseries.EventData, func(e timeseries.Event) {
		d := e.Data
		p.Publish(id+"/"+layers[e.Index].ID, Message{BatchID: id, Type: "data", Index: e.Index, Data: &d, TS: time.Now().UTC()})
	})
	h.On(timeseries.EventDone, func(e timeseries.Event) {
		p.Publish(id, Message{BatchID: id, Type: "done", Index: e.Index, TS: time.Now().UTC()})
	})
}

// Publish queues m without blocking the caller. Messages are dropped when the
// queue is full or the publisher is closed.
func (p *Publisher) Publish(key string, m Message) {
	b, err := json.Marshal(m)
	if err != nil {
		p.log.Error("kafkasink: marshal", "err", err)
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(b),
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.msgs <- msg:
	default:
		observability.IncSinkPublish(sinkName, errDropped)
		p.log.Debug("kafkasink: queue full, dropping event", "key", key)
	}
}

// Close flushes queued messages and closes the producer.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.msgs)
	p.mu.Unlock()

	<-p.stopped
	if err := p.prod.Close(); err != nil {
		return fmt.Errorf("kafkasink: close producer: %w", err)
	}
	return nil
}

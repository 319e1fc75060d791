// Package kafkaconsumer drops cached upstream responses when catalog change
// events arrive on a Kafka topic.
package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	obs "github.com/veda-ui/veda-analysis/internal/core/observability"
	"github.com/veda-ui/veda-analysis/internal/invalidation"
	"github.com/veda-ui/veda-analysis/internal/logger"
)

// Invalidator drops every cached response recorded under a tag.
type Invalidator interface {
	Invalidate(ctx context.Context, tag string) (int, error)
}

type Consumer struct {
	cfg    Config
	logger *slog.Logger
	cache  Invalidator
	retry  time.Duration
}

func New(cfg Config, logger *slog.Logger, c Invalidator) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{cfg: cfg, logger: logger, cache: c, retry: 2 * time.Second}
}

// Start consumes invalidation events until ctx is done.
func (c *Consumer) Start(ctx context.Context) error {
	if c.cache == nil {
		return errors.New("kafkaconsumer: missing cache")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	ctx = logger.WithComponent(ctx, "kafka_consumer")
	handler := &groupHandler{process: c.ProcessOne}

	c.logger.InfoContext(ctx, "kafka invalidation consumer starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID)

	for {
		if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil && ctx.Err() == nil {
			obs.IncKafkaConsumerError("consume")
			c.logger.Error("kafka consumer error",
				"err", err, "brokers", c.cfg.Brokers, "topic", c.cfg.Topic)
			select {
			case <-ctx.Done():
			case <-time.After(c.retry):
			}
		}
		if ctx.Err() != nil {
			c.logger.Info("kafka invalidation consumer shutting down")
			return nil
		}
	}
}

// ProcessOne handles a single catalog change message. Malformed events are
// logged and skipped so they do not block the partition.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		obs.IncKafkaConsumerError("decode")
		c.logger.WarnContext(ctx, "skipping undecodable invalidation event",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}
	if err := ev.Validate(); err != nil {
		obs.IncKafkaConsumerError("invalid")
		c.logger.WarnContext(ctx, "skipping invalid invalidation event",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}

	n, err := c.cache.Invalidate(ctx, ev.Collection)
	obs.IncInvalidationEvent(ev.Op, err)
	if err != nil {
		obs.IncKafkaConsumerError("invalidate")
		return fmt.Errorf("invalidate %q: %w", ev.Collection, err)
	}

	c.logger.DebugContext(ctx, "invalidated cached responses",
		"collection", ev.Collection, "op", ev.Op, "items", len(ev.Items), "entries", n)
	return nil
}

// Package eventbus ingests audit entries published to Kafka by services
// running in other processes.
package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/clinicops/audittrail/internal/domain/auditlog"
	"github.com/clinicops/audittrail/internal/platform/metrics"
)

// Config selects the brokers, topic and consumer group.
type Config struct {
	Brokers []string
	Topic   string
	Group   string
}

// Fetcher is the part of *kgo.Client the consumer uses.
type Fetcher interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
}

// NewClient connects a group consumer with manual commits: offsets are only
// committed after the records were handed to the recorder.
func NewClient(ctx context.Context, cfg Config) (*kgo.Client, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" || cfg.Group == "" {
		return nil, fmt.Errorf("kafka brokers, topic and group are required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
		kgo.FetchMaxWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping kafka: %w", err)
	}
	return client, nil
}

type Consumer struct {
	client   Fetcher
	recorder auditlog.EntryRecorder
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

func NewConsumer(client Fetcher, recorder auditlog.EntryRecorder, m *metrics.Metrics, logger zerolog.Logger) *Consumer {
	return &Consumer{
		client:   client,
		recorder: recorder,
		metrics:  m,
		logger:   logger.With().Str("component", "kafka_consumer").Logger(),
	}
}

// Run polls until ctx is cancelled or the client is closed. Malformed
// messages are logged, counted and committed so they do not block the
// partition.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error().Err(err).Str("topic", topic).Int32("partition", partition).Msg("fetch failed")
		})

		var handled []*kgo.Record
		fetches.EachRecord(func(r *kgo.Record) {
			c.handle(ctx, r)
			handled = append(handled, r)
		})
		if len(handled) == 0 {
			continue
		}
		if err := c.client.CommitRecords(ctx, handled...); err != nil {
			c.logger.Warn().Err(err).Int("records", len(handled)).Msg("commit failed, records may be redelivered")
		}
	}
}

func (c *Consumer) handle(ctx context.Context, r *kgo.Record) {
	entry, err := auditlog.DecodeEntry(r.Value)
	if err != nil {
		c.metrics.IncConsumed("invalid")
		c.logger.Warn().Err(err).
			Str("topic", r.Topic).
			Int32("partition", r.Partition).
			Int64("offset", r.Offset).
			Msg("discarding malformed audit message")
		return
	}
	// the producer's timestamp is closer to the audited action than ours
	if entry.Timestamp.IsZero() && !r.Timestamp.IsZero() {
		entry.Timestamp = r.Timestamp
	}
	c.recorder.Record(ctx, entry)
	c.metrics.IncConsumed("recorded")
}

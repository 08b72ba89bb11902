// Package bus wraps a franz-go producer client for the three topics the
// sequencer pipeline publishes to: blockchain (committed block headers and
// feed actions), aggregated_updates (per-network update batches) and
// aggregation_consensus (two-round Safe multisig signature exchange).
package bus

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

const (
	TopicBlockchain          = "blockchain"
	TopicAggregatedUpdates   = "aggregated_updates"
	TopicAggregationConsensus = "aggregation_consensus"
)

// Producer wraps a franz-go client configured for synchronous, acked
// publication: every topic here carries data the rest of the pipeline or a
// peer sequencer depends on, so silent drops are not acceptable.
type Producer struct {
	client *kgo.Client
	logger zerolog.Logger
}

// NewProducer dials the given brokers, mirroring the consumer-side client
// construction in the shared Kafka package this module descends from.
func NewProducer(brokers []string, logger zerolog.Logger) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerBatchMaxBytes(4*1024*1024),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer client: %w", err)
	}

	return &Producer{client: client, logger: logger}, nil
}

// Close flushes any buffered records and closes the underlying client.
func (p *Producer) Close() {
	p.client.Close()
}

// Publish synchronously produces one record, keyed so consumers can
// partition by key (e.g. network name, block height) when ordering matters.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	record := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}

	results := p.client.ProduceSync(ctx, record)
	if err := results.FirstErr(); err != nil {
		p.logger.Error().Err(err).Str("topic", topic).Str("key", key).Msg("kafka publish failed")
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// PublishBlock implements blockcreator.BlockchainPublisher.
func (p *Producer) PublishBlock(ctx context.Context, blockHeaderHex, feedActionsHex string) error {
	payload := []byte(`{"block_header":"` + blockHeaderHex + `","feed_actions":"` + feedActionsHex + `"}`)
	return p.Publish(ctx, TopicBlockchain, blockHeaderHex, payload)
}

// PublishAggregatedUpdates implements dispatcher.UpdatesPublisher.
func (p *Producer) PublishAggregatedUpdates(ctx context.Context, network string, payload []byte) error {
	return p.Publish(ctx, TopicAggregatedUpdates, network, payload)
}

// PublishConsensusMessage implements consensus.BusPublisher.
func (p *Producer) PublishConsensusMessage(ctx context.Context, network string, payload []byte) error {
	return p.Publish(ctx, TopicAggregationConsensus, network, payload)
}

package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
)

const produceTimeout = 5 * time.Second

// recordClient is the subset of *kgo.Client the producer needs.
type recordClient interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Producer publishes JSON records synchronously.
type Producer struct {
	client recordClient
	kgo    *kgo.Client
	logger *logrus.Logger
}

// NewProducer creates a franz-go backed producer.
func NewProducer(brokers []string, clientID string, logger *logrus.Logger) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one kafka broker is required")
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10 * time.Millisecond),
		kgo.ProducerBatchMaxBytes(1000000),
		kgo.RecordRetries(3),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Producer{client: client, kgo: client, logger: logger}, nil
}

func newProducerWithClient(client recordClient, logger *logrus.Logger) *Producer {
	return &Producer{client: client, logger: logger}
}

// Close flushes nothing further and closes the client.
func (p *Producer) Close() error {
	p.client.Close()
	return nil
}

// Client returns the underlying kgo.Client for health checks; nil in tests.
func (p *Producer) Client() *kgo.Client {
	return p.kgo
}

// ProduceMessage writes one record and waits for the broker ack.
func (p *Producer) ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	record := &kgo.Record{
		Topic: topic,
		Key:   key,
		Value: value,
	}
	for k, v := range headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	ctx, cancel := context.WithTimeout(ctx, produceTimeout)
	defer cancel()

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"topic": topic,
		"key":   string(key),
	}).Debug("Produced kafka record")
	return nil
}

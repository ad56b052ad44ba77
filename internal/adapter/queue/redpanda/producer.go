// Package redpanda provides the Redpanda/Kafka work queue between the
// submitter and the workers.
//
// The producer uses a transactional client so a job is either durably on the
// topic or not at all; the consumer runs a group transact session with
// read-committed isolation and a bounded worker pool.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/clipscrub/clipscrub/internal/domain"
)

const (
	// TopicJobs carries watermark-removal work items.
	TopicJobs = "watermark-removal"
	// TopicDLQ receives jobs that exhausted their retry budget.
	TopicDLQ = "watermark-removal-dlq"
)

// Producer wraps a transactional Kafka producer and implements domain.Queue.
type Producer struct {
	client *kgo.Client
	topic  string
	// transactions are serialized through this buffered channel
	transactionChan chan struct{}
}

// NewProducer constructs a Producer for the jobs topic.
func NewProducer(brokers []string) (*Producer, error) {
	return NewProducerForTopic(brokers, TopicJobs, "clipscrub-producer")
}

// NewProducerForTopic constructs a Producer with a custom topic and
// transactional id. Tests and the DLQ path use this directly.
func NewProducerForTopic(brokers []string, topic, transactionalID string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	slog.Info("creating queue producer",
		slog.Any("brokers", brokers),
		slog.String("topic", topic),
		slog.String("transactional_id", transactionalID))

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
	)
	if err != nil {
		return nil, fmt.Errorf("queue client: %w", err)
	}

	if err := createTopicIfNotExists(context.Background(), client, topic, 8, 1); err != nil {
		slog.Warn("topic creation failed, it may already exist",
			slog.String("topic", topic), slog.Any("error", err))
	}

	return &Producer{
		client:          client,
		topic:           topic,
		transactionChan: make(chan struct{}, 1),
	}, nil
}

// NewDLQClient returns a plain (non-transactional) client for parking
// exhausted jobs on the dead-letter topic.
func NewDLQClient(brokers []string) (*kgo.Client, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
	)
	if err != nil {
		return nil, fmt.Errorf("dlq client: %w", err)
	}
	if err := createTopicIfNotExists(context.Background(), client, TopicDLQ, 1, 1); err != nil {
		slog.Warn("dlq topic creation failed, it may already exist", slog.Any("error", err))
	}
	return client, nil
}

// Enqueue publishes a work payload inside a producer transaction and returns
// the job id as the task id.
func (p *Producer) Enqueue(ctx domain.Context, payload domain.WorkPayload) (string, error) {
	select {
	case p.transactionChan <- struct{}{}:
		defer func() { <-p.transactionChan }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	if err := p.client.BeginTransaction(); err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}

	b, err := json.Marshal(payload)
	if err != nil {
		if abortErr := p.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("failed to abort transaction", slog.Any("error", abortErr))
		}
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(payload.JobID), // job id as key for per-job ordering
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "job_id", Value: []byte(payload.JobID)},
			{Key: "platform", Value: []byte(payload.Platform)},
			{Key: "attempt", Value: []byte(fmt.Sprintf("%d", payload.Attempt))},
		},
	}

	e := kgo.AbortingFirstErrPromise(p.client)
	p.client.Produce(ctx, record, e.Promise())
	if err := e.Err(); err != nil {
		if abortErr := p.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("failed to abort transaction", slog.Any("error", abortErr))
		}
		return "", fmt.Errorf("produce: %w", err)
	}

	if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return "", fmt.Errorf("commit transaction: %w", err)
	}

	slog.Info("work enqueued",
		slog.String("topic", p.topic),
		slog.String("job_id", payload.JobID),
		slog.Int("attempt", payload.Attempt))
	return payload.JobID, nil
}

// Remove is best effort: a record already on the topic cannot be unpublished,
// so cancellation relies on the consumer's status check before processing.
func (p *Producer) Remove(_ domain.Context, jobID string) error {
	slog.Debug("queue remove is a no-op; consumer skips cancelled jobs", slog.String("job_id", jobID))
	return nil
}

// Ping checks broker connectivity.
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close closes the producer.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}

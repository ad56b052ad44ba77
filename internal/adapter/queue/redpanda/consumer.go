package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/clipscrub/clipscrub/internal/domain"
	"github.com/clipscrub/clipscrub/internal/observability"
)

// Handler processes one work payload. A nil return commits the record; a
// non-nil return routes the payload through the retry manager.
type Handler interface {
	Handle(ctx context.Context, payload domain.WorkPayload) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, payload domain.WorkPayload) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, payload domain.WorkPayload) error {
	return f(ctx, payload)
}

// Consumer wraps a transactional Kafka consumer feeding a bounded worker
// pool. Concurrency is fixed: video transforms saturate CPU and disk, so the
// pool size is the real throughput knob, not the fetch loop.
type Consumer struct {
	session *kgo.GroupTransactSession
	handler Handler
	retries *RetryManager

	groupID     string
	topic       string
	concurrency int

	jobQueue chan *kgo.Record
	shutdown chan struct{}
}

// NewConsumer constructs a Consumer with exactly-once fetch semantics.
func NewConsumer(brokers []string, groupID string, handler Handler, concurrency int) (*Consumer, error) {
	return NewConsumerForTopic(brokers, groupID, "clipscrub-consumer", TopicJobs, handler, concurrency)
}

// NewConsumerForTopic constructs a Consumer with a custom topic and
// transactional id. Tests use this for isolation.
func NewConsumerForTopic(brokers []string, groupID, transactionalID, topic string, handler Handler, concurrency int) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("missing required group ID")
	}
	if concurrency <= 0 {
		concurrency = 2
	}

	// Ensure the topic exists before the group session subscribes.
	tempClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("temp client: %w", err)
	}
	defer tempClient.Close()
	if err := createTopicIfNotExists(context.Background(), tempClient, topic, 8, 1); err != nil {
		slog.Warn("topic creation failed, it may already exist",
			slog.String("topic", topic), slog.Any("error", err))
	}

	kotelTracer := kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))
	kotelService := kotel.NewKotel(kotel.WithTracer(kotelTracer))

	session, err := kgo.NewGroupTransactSession(
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.RequireStableFetchOffsets(),
		kgo.WithHooks(kotelService.Hooks()...),

		kgo.DialTimeout(10*time.Second),
		kgo.RequestTimeoutOverhead(5*time.Second),
		kgo.RetryTimeout(30*time.Second),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
		kgo.RebalanceTimeout(10*time.Second),

		kgo.FetchMaxBytes(10*1024*1024),
		kgo.FetchMaxWait(10*time.Second),
		kgo.FetchMinBytes(512),

		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("queue transact session: %w", err)
	}

	slog.Info("queue consumer created",
		slog.String("group_id", groupID),
		slog.String("topic", topic),
		slog.Int("concurrency", concurrency))
	return &Consumer{
		session:     session,
		handler:     handler,
		groupID:     groupID,
		topic:       topic,
		concurrency: concurrency,
		jobQueue:    make(chan *kgo.Record, concurrency*2),
		shutdown:    make(chan struct{}),
	}, nil
}

// WithRetryManager attaches a RetryManager routing handler failures through
// delayed re-enqueue or the DLQ.
func (c *Consumer) WithRetryManager(rm *RetryManager) *Consumer {
	c.retries = rm
	return c
}

// Start runs the fetch loop and worker pool until the context is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	slog.Info("starting queue consumer",
		slog.String("group_id", c.groupID),
		slog.String("topic", c.topic),
		slog.Int("workers", c.concurrency))

	for i := 0; i < c.concurrency; i++ {
		go c.worker(ctx, i)
	}
	go c.fetchLoop(ctx)

	<-ctx.Done()
	close(c.shutdown)
	return ctx.Err()
}

func (c *Consumer) fetchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		default:
		}

		fetches := c.session.PollFetches(ctx)
		if errs := fetches.Errors(); len(errs) > 0 {
			fatal := false
			for _, fe := range errs {
				slog.Error("fetch error",
					slog.String("topic", fe.Topic),
					slog.Int("partition", int(fe.Partition)),
					slog.Any("error", fe.Err))
				if fe.Err != nil && fe.Err.Error() == "context canceled" {
					fatal = true
				}
			}
			if fatal {
				return
			}
			time.Sleep(2 * time.Second)
			continue
		}
		if fetches.NumRecords() == 0 {
			continue
		}

		fetches.EachRecord(func(record *kgo.Record) {
			select {
			case c.jobQueue <- record:
			case <-ctx.Done():
			}
		})
	}
}

func (c *Consumer) worker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case record := <-c.jobQueue:
			if record == nil {
				return
			}
			if err := c.processRecord(ctx, record); err != nil {
				slog.Error("record processing failed",
					slog.Int("worker_id", id),
					slog.Int64("offset", record.Offset),
					slog.Any("error", err))
			}
		}
	}
}

// processRecord unmarshals one record, restores request correlation and runs
// the handler. Handler failures go to the retry manager when one is attached.
func (c *Consumer) processRecord(ctx context.Context, record *kgo.Record) error {
	tracer := otel.Tracer("queue.consumer")
	ctx, span := tracer.Start(ctx, "ProcessWorkItem")
	defer span.End()

	var payload domain.WorkPayload
	if err := json.Unmarshal(record.Value, &payload); err != nil {
		// Unparseable records cannot be retried; drop with a log.
		slog.Error("unmarshal payload failed",
			slog.Int64("offset", record.Offset),
			slog.Any("error", err))
		return nil
	}

	if payload.RequestID != "" {
		ctx = observability.ContextWithRequestID(ctx, payload.RequestID)
	}
	lg := observability.LoggerFromContext(ctx).With(
		slog.String("job_id", payload.JobID),
		slog.String("platform", payload.Platform),
		slog.Int("attempt", payload.Attempt),
	)
	ctx = observability.ContextWithLogger(ctx, lg)

	lg.Info("processing work item")
	err := c.handler.Handle(ctx, payload)
	if err == nil {
		lg.Info("work item completed")
		return nil
	}

	lg.Warn("work item failed", slog.Any("error", err))
	if c.retries != nil {
		if rErr := c.retries.HandleFailure(ctx, payload, err); rErr != nil {
			lg.Error("retry handling failed", slog.Any("error", rErr))
		}
		return nil
	}
	return err
}

// Ping checks broker connectivity.
func (c *Consumer) Ping(ctx context.Context) error {
	return c.session.Client().Ping(ctx)
}

// Close closes the consumer session.
func (c *Consumer) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	select {
	case <-c.shutdown:
	default:
		close(c.shutdown)
	}
	return nil
}

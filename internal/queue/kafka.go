package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// Kafka carries match requests through a Kafka topic. Offsets are committed
// only after the handler succeeded, so a crash redelivers the request.
type Kafka struct {
	opts   Options
	writer *kafka.Writer
	reader *kafka.Reader
}

// NewKafka creates a producer and a consumer group reader for topic
func NewKafka(brokers []string, topic, group string, opts Options) *Kafka {
	return &Kafka{
		opts: opts.withDefaults(),
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: brokers,
			Topic:   topic,
			GroupID: group,
		}),
	}
}

func encodeOrderID(orderID int64) []byte {
	return []byte(strconv.FormatInt(orderID, 10))
}

func decodeOrderID(b []byte) (int64, error) {
	id, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid match request %q: %w", b, err)
	}
	return id, nil
}

// Schedule publishes a match request for orderID
func (q *Kafka) Schedule(ctx context.Context, orderID int64) error {
	key := encodeOrderID(orderID)
	if err := q.writer.WriteMessages(ctx, kafka.Message{Key: key, Value: key}); err != nil {
		return fmt.Errorf("failed to publish match request: %w", err)
	}
	return nil
}

// Start consumes match requests until ctx is cancelled or Close is called
func (q *Kafka) Start(ctx context.Context, h Handler) {
	go func() {
		for {
			msg, err := q.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, io.EOF) {
					return
				}
				q.opts.Logger.Error("failed to fetch match request", "error", err)
				continue
			}

			orderID, err := decodeOrderID(msg.Value)
			if err != nil {
				q.opts.Logger.Error("skipping match request", "offset", msg.Offset, "error", err)
			} else if err := deliver(ctx, q.opts, h, orderID); err != nil {
				if ctx.Err() != nil {
					return
				}
				q.opts.Logger.Error("match request dropped", "order_id", orderID, "error", err)
			}

			if err := q.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
				q.opts.Logger.Error("failed to commit match request", "offset", msg.Offset, "error", err)
			}
		}
	}()
}

// Close flushes the producer and closes the consumer
func (q *Kafka) Close() error {
	werr := q.writer.Close()
	rerr := q.reader.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

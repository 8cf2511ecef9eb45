package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/xtrntr/spotexchange/internal/models"
)

// messageWriter is the part of *kafka.Writer the sink uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes events as JSON envelopes. Book events are keyed by symbol,
// trade events by trade id.
type Kafka struct {
	writer messageWriter
	logger *slog.Logger
}

// NewKafka creates a sink writing to topic
func NewKafka(brokers []string, topic string, logger *slog.Logger) *Kafka {
	if logger == nil {
		logger = slog.Default()
	}
	return &Kafka{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			Async:        true,
			BatchTimeout: 10 * time.Millisecond,
		},
		logger: logger,
	}
}

func (k *Kafka) publish(ctx context.Context, key string, env Envelope) {
	value, err := json.Marshal(env)
	if err != nil {
		k.logger.Error("failed to marshal event", "event", env.Event, "error", err)
		return
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: value}); err != nil {
		k.logger.Warn("failed to publish event", "event", env.Event, "error", err)
	}
}

func (k *Kafka) OrderbookUpdated(ctx context.Context, book models.Orderbook) {
	k.publish(ctx, string(book.Symbol), Envelope{
		Event:   KindOrderbookUpdated,
		Channel: OrderbookChannel(book.Symbol),
		Data:    book,
	})
}

func (k *Kafka) TradeExecuted(ctx context.Context, ev TradeExecuted) {
	k.publish(ctx, strconv.FormatInt(ev.Trade.ID, 10), Envelope{
		Event:   KindOrderMatched,
		Channel: "trades." + string(ev.Trade.Symbol),
		Data:    ev,
	})
}

// Close flushes pending events
func (k *Kafka) Close() error {
	return k.writer.Close()
}

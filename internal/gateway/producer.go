package gateway

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/hongzhonglu/vivarium/internal/envelope"
	"github.com/hongzhonglu/vivarium/internal/metrics"
)

// Publisher is the outbound half of the broker gateway.
type Publisher interface {
	Send(ctx context.Context, topic string, msg envelope.Message) error
}

// Producer publishes encoded envelopes onto broker topics through one
// long-lived kafka writer.
type Producer struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewProducer returns a producer addressing the given broker host.
func NewProducer(host string, logger *zap.Logger) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(host),
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: true,
		},
		logger: logger,
	}
}

// Send encodes msg and enqueues it on topic. Errors propagate to the caller;
// the broker's own retry semantics apply underneath.
func (p *Producer) Send(ctx context.Context, topic string, msg envelope.Message) error {
	payload, err := envelope.Encode(msg)
	if err != nil {
		return fmt.Errorf("gateway: encode for %s: %w", topic, err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Value: payload}); err != nil {
		return fmt.Errorf("gateway: send to %s: %w", topic, err)
	}
	metrics.MessagesProduced.WithLabelValues(topic).Inc()
	p.logger.Debug("Published message",
		zap.String("topic", topic),
		zap.String("event", msg.Event()),
		zap.Int("bytes", len(payload)))
	return nil
}

// Close releases the underlying writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

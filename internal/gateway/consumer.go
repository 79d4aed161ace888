package gateway

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Consumer owns the gateway's single broker subscription: one reader joined
// to the configured consumer group across the subscription topic list, and a
// dedicated poll loop that blocks until records arrive and hands each one to
// the dispatcher.
type Consumer struct {
	reader     *kafka.Reader
	dispatcher *Dispatcher
	logger     *zap.Logger
}

// NewConsumer subscribes to topics on the given broker host as group.
func NewConsumer(host, group string, topics []string, d *Dispatcher, logger *zap.Logger) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     []string{host},
			GroupID:     group,
			GroupTopics: topics,
			MinBytes:    1,
			MaxBytes:    10 * 1024 * 1024,
		}),
		dispatcher: d,
		logger:     logger,
	}
}

// Run is the poll loop. It blocks on broker IO, dispatches records in
// arrival order per topic, and exits only when ctx is cancelled. The
// dispatcher completes each record before the next is read, which preserves
// FIFO per topic end-to-end. Poll errors are logged and retried with
// backoff; the loop never stops on them.
func (c *Consumer) Run(ctx context.Context) {
	retryDelay := time.Second
	const maxRetryDelay = 30 * time.Second

	c.logger.Info("Consumer poll loop starting")
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("Consumer poll loop stopping")
				return
			}
			c.logger.Error("Poll failed",
				zap.Duration("retry_in", retryDelay),
				zap.Error(err))
			select {
			case <-time.After(retryDelay):
				if retryDelay *= 2; retryDelay > maxRetryDelay {
					retryDelay = maxRetryDelay
				}
			case <-ctx.Done():
				return
			}
			continue
		}
		retryDelay = time.Second
		c.dispatcher.Dispatch(m.Topic, m.Value)
	}
}

// Close releases the underlying reader and leaves the consumer group.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

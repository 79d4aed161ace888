package gateway

import (
	"time"

	"go.uber.org/zap"

	"github.com/hongzhonglu/vivarium/internal/bus"
	"github.com/hongzhonglu/vivarium/internal/envelope"
	"github.com/hongzhonglu/vivarium/internal/jsonx"
	"github.com/hongzhonglu/vivarium/internal/metrics"
)

// Handler consumes one decoded envelope from a topic.
type Handler func(topic string, msg envelope.Message) error

// Dispatcher routes each decoded record: the registered handler runs first,
// then the blob-stripped envelope is cached as the topic's last message and
// fanned out on the event bus. A handler failure is logged and skips the
// cache and bus updates for that record; subsequent records are unaffected.
type Dispatcher struct {
	cache   *Cache
	bus     *bus.Bus
	handler Handler
	logger  *zap.Logger
}

// NewDispatcher wires the dispatcher. handler may be nil when no control
// routing is wanted (fan-out only).
func NewDispatcher(cache *Cache, b *bus.Bus, handler Handler, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{cache: cache, bus: b, handler: handler, logger: logger}
}

// Dispatch decodes one raw broker record and routes it. All failures are
// contained here so the caller's poll loop continues regardless.
func (d *Dispatcher) Dispatch(topic string, raw []byte) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			metrics.DispatchErrors.WithLabelValues(topic).Inc()
			d.logger.Error("Handler panicked",
				zap.String("topic", topic),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
		metrics.DispatchDuration.WithLabelValues(topic).Observe(time.Since(start).Seconds())
	}()

	msg, err := envelope.Decode(raw, d.logger)
	if err != nil {
		metrics.DecodeErrors.WithLabelValues(topic).Inc()
		d.logger.Error("Dropping undecodable record",
			zap.String("topic", topic),
			zap.Int("bytes", len(raw)),
			zap.Error(err))
		return
	}
	metrics.MessagesConsumed.WithLabelValues(topic).Inc()

	if d.handler != nil {
		if err := d.handler(topic, msg); err != nil {
			metrics.DispatchErrors.WithLabelValues(topic).Inc()
			d.logger.Error("Handler failed",
				zap.String("topic", topic),
				zap.String("event", msg.Event()),
				zap.Error(err))
			return
		}
	}

	stripped := msg.WithoutBlobs()
	d.cache.Set(topic, stripped)

	payload, err := jsonx.Marshal(map[string]any(stripped))
	if err != nil {
		d.logger.Error("Re-serialization failed",
			zap.String("topic", topic),
			zap.String("event", msg.Event()),
			zap.Error(err))
		return
	}
	d.bus.Publish(topic, payload)
}

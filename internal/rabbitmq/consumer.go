package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// deliveryFunc processes one delivery, including its acknowledgement.
type deliveryFunc func(ctx context.Context, ch Channel, delivery amqp.Delivery)

// consumer is one running consume loop on its own channel.
type consumer struct {
	queue string
	tag   string
	ch    Channel
	done  chan struct{}
}

// running reports whether the loop is still reading deliveries.
func (c *consumer) running() bool {
	if c == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return !c.ch.IsClosed()
	}
}

// startConsumer opens a channel, declares topology, sets the prefetch and starts
// a loop that hands deliveries to process one at a time.
func startConsumer(ctx context.Context, conn Connection, queue string, prefetch int, topology Topology, process deliveryFunc, logger *slog.Logger) (*consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelSetupError{Name: queue, Op: "open", Err: err, Timestamp: time.Now()}
	}

	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, &ChannelSetupError{Name: queue, Op: "qos", Err: err, Timestamp: time.Now()}
	}

	if err := declareTopology(ch, topology); err != nil {
		ch.Close()
		return nil, &ChannelSetupError{Name: queue, Op: "declare", Err: err, Timestamp: time.Now()}
	}

	tag := queue + "-" + uuid.NewString()
	deliveries, err := ch.Consume(
		queue,
		tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, &ChannelSetupError{Name: queue, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	c := &consumer{
		queue: queue,
		tag:   tag,
		ch:    ch,
		done:  make(chan struct{}),
	}
	go c.processMessages(ctx, deliveries, process, logger)

	logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", prefetch,
	)

	return c, nil
}

func (c *consumer) processMessages(ctx context.Context, deliveries <-chan amqp.Delivery, process deliveryFunc, logger *slog.Logger) {
	defer func() {
		close(c.done)
		logger.Info("consumer stopped", "queue", c.queue)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				logger.Warn("delivery channel closed", "queue", c.queue)
				return
			}
			process(ctx, c.ch, delivery)
		}
	}
}

func (c *consumer) stop() {
	if c == nil {
		return
	}
	if !c.ch.IsClosed() {
		c.ch.Close()
	}
}

// ack acknowledges a single delivery and logs a failure.
func ack(delivery amqp.Delivery, logger *slog.Logger) {
	if err := delivery.Ack(false); err != nil {
		logger.Error("failed to ack message",
			"error", err,
			"messageId", delivery.MessageId,
		)
	}
}

package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one delivery. queue is the queue the delivery came from, so a
// handler invoked from the retry consumer sees the suffixed retry queue name.
type Handler func(ctx context.Context, delivery amqp.Delivery, ch Channel, queue string) error

// JSONHandler decodes the delivery body as T before calling fn.
func JSONHandler[T any](fn func(ctx context.Context, payload T) error) Handler {
	return func(ctx context.Context, delivery amqp.Delivery, _ Channel, _ string) error {
		var payload T
		if err := json.Unmarshal(delivery.Body, &payload); err != nil {
			return fmt.Errorf("decode message body: %w", err)
		}
		return fn(ctx, payload)
	}
}

// RetryPolicy is the merged retry configuration of one consumer.
type RetryPolicy RetryOptions

// Exhausted reports whether a message carrying count retries must be dead-lettered.
func (p RetryPolicy) Exhausted(count int) bool {
	return count >= p.MaxCount
}

// Retry republishes the delivery body towards the retry queue of queue. Existing
// headers are kept and take precedence over the delay header.
func (p RetryPolicy) Retry(ctx context.Context, ch Channel, delivery amqp.Delivery, queue string) error {
	suffix := p.Suffix
	if suffix == "" {
		suffix = DefaultRetrySuffix
	}
	if !strings.HasSuffix(queue, suffix) {
		queue += suffix
	}

	exchange := p.Exchange
	if exchange == "" {
		exchange = queue
	}

	headers := amqp.Table{DelayHeader: p.Delay.Milliseconds()}
	for k, v := range delivery.Headers {
		headers[k] = v
	}

	contentType := delivery.ContentType
	if contentType == "" {
		contentType = "application/json"
	}

	err := ch.PublishWithContext(ctx, exchange, queue, false, false, amqp.Publishing{
		Headers:      headers,
		ContentType:  contentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    delivery.MessageId,
		AppId:        delivery.AppId,
		Timestamp:    time.Now(),
		Body:         delivery.Body,
	})
	if err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: queue, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// wrapWithRetry turns handler failures, panics included, into a retry publish.
func wrapWithRetry(handler Handler, policy RetryPolicy, logger *slog.Logger) Handler {
	return func(ctx context.Context, delivery amqp.Delivery, ch Channel, queue string) error {
		err := invoke(ctx, handler, delivery, ch, queue)
		if err == nil {
			return nil
		}

		logger.Error("message handler failed",
			"queue", queue,
			"messageId", delivery.MessageId,
			"error", err)

		if policy.Disabled {
			return err
		}

		logger.Warn("retrying message", "queue", queue, "messageId", delivery.MessageId)
		if retryErr := policy.Retry(ctx, ch, delivery, queue); retryErr != nil {
			logger.Error("failed to publish retry",
				"queue", queue,
				"messageId", delivery.MessageId,
				"error", retryErr)
			return errors.Join(err, retryErr)
		}
		return err
	}
}

func invoke(ctx context.Context, handler Handler, delivery amqp.Delivery, ch Channel, queue string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{Queue: queue, MessageID: delivery.MessageId, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if err := handler(ctx, delivery, ch, queue); err != nil {
		return &HandlerError{Queue: queue, MessageID: delivery.MessageId, Err: err}
	}
	return nil
}

// RetryCount reads the retry counter embedded in a JSON object body. A missing
// or zero counter reads as one: the message is on its first retry.
func RetryCount(body []byte) (int, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return 0, ErrInvalidRetryPayload
	}

	raw, ok := fields[RetryCountField]
	if !ok || string(raw) == "null" {
		return 1, nil
	}

	var count int
	if err := json.Unmarshal(raw, &count); err != nil {
		return 0, fmt.Errorf("%w: %s is not an integer", ErrInvalidRetryPayload, RetryCountField)
	}
	if count == 0 {
		count = 1
	}
	return count, nil
}

// WithRetryCount rewrites the body with the retry counter set to count. Other
// fields are carried over untouched.
func WithRetryCount(body []byte, count int) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return nil, ErrInvalidRetryPayload
	}
	fields[RetryCountField] = json.RawMessage(strconv.Itoa(count))
	return json.Marshal(fields)
}

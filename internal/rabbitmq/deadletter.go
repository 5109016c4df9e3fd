package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeadLetter is the body published to the dead-letter exchange. Content holds the
// parsed JSON payload, or the raw body as a JSON string when it was not JSON.
type DeadLetter struct {
	Content    json.RawMessage      `json:"content"`
	Fields     DeadLetterFields     `json:"fields"`
	Properties DeadLetterProperties `json:"properties"`
}

// DeadLetterFields carries the delivery fields of the dead-lettered message.
type DeadLetterFields struct {
	Exchange    string `json:"exchange"`
	RoutingKey  string `json:"routingKey"`
	DeliveryTag uint64 `json:"deliveryTag"`
	Redelivered bool   `json:"redelivered"`
}

// DeadLetterProperties carries the publish properties of the dead-lettered message.
type DeadLetterProperties struct {
	MessageID   string         `json:"messageId,omitempty"`
	ContentType string         `json:"contentType,omitempty"`
	Headers     map[string]any `json:"headers,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// NewDeadLetter builds the envelope for a delivery.
func NewDeadLetter(delivery amqp.Delivery) DeadLetter {
	content := json.RawMessage(delivery.Body)
	if !json.Valid(delivery.Body) {
		raw, _ := json.Marshal(string(delivery.Body))
		content = raw
	}

	var headers map[string]any
	if len(delivery.Headers) > 0 {
		headers = make(map[string]any, len(delivery.Headers))
		for k, v := range delivery.Headers {
			headers[k] = v
		}
	}

	return DeadLetter{
		Content: content,
		Fields: DeadLetterFields{
			Exchange:    delivery.Exchange,
			RoutingKey:  delivery.RoutingKey,
			DeliveryTag: delivery.DeliveryTag,
			Redelivered: delivery.Redelivered,
		},
		Properties: DeadLetterProperties{
			MessageID:   delivery.MessageId,
			ContentType: delivery.ContentType,
			Headers:     headers,
			Timestamp:   delivery.Timestamp,
		},
	}
}

// deadLetter acknowledges the delivery and republishes it to the dead-letter
// exchange. Dead-lettered messages are never replayed automatically.
func deadLetter(ctx context.Context, ch Channel, delivery amqp.Delivery) error {
	if err := delivery.Ack(false); err != nil {
		return fmt.Errorf("ack before dead-letter: %w", err)
	}

	body, err := json.Marshal(NewDeadLetter(delivery))
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}

	err = ch.PublishWithContext(ctx, DeadLetterExchange, DeadLetterQueue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    delivery.MessageId,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return &PublishError{Exchange: DeadLetterExchange, RoutingKey: DeadLetterQueue, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// PeekDeadLetters reads up to limit messages from the dead-letter queue and puts
// them back, so the queue is left as it was found.
func PeekDeadLetters(ctx context.Context, conn Connection, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		return nil, nil
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelSetupError{Name: DeadLetterQueue, Op: "open", Err: err, Timestamp: time.Now()}
	}
	defer ch.Close()

	var (
		letters []DeadLetter
		lastTag uint64
	)
	for len(letters) < limit {
		if err := ctx.Err(); err != nil {
			break
		}

		delivery, ok, err := ch.Get(DeadLetterQueue, false)
		if err != nil {
			return letters, fmt.Errorf("get from %s: %w", DeadLetterQueue, err)
		}
		if !ok {
			break
		}
		lastTag = delivery.DeliveryTag

		var letter DeadLetter
		if err := json.Unmarshal(delivery.Body, &letter); err != nil || letter.Content == nil {
			letter = NewDeadLetter(delivery)
		}
		letters = append(letters, letter)
	}

	if lastTag > 0 {
		if err := ch.Nack(lastTag, true, true); err != nil {
			return letters, fmt.Errorf("requeue dead letters: %w", err)
		}
	}

	return letters, ctx.Err()
}

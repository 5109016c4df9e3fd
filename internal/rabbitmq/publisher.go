package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// confirmBuffer is the size of the confirm channel handed to NotifyPublish.
const confirmBuffer = 16

// ChannelHandle is a publish channel bound to one exchange. Every publish gets
// the next delivery tag, and confirmations are routed back to the waiting caller
// by tag. A confirm whose caller gave up is discarded.
type ChannelHandle struct {
	Name         string
	ExchangeType string
	Channel      Channel

	// mu serializes publishes so tags are assigned in publish order.
	mu      sync.Mutex
	nextTag uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan amqp.Confirmation
	done      bool
}

// openPublishChannel opens a channel, declares the exchange and puts the channel
// in confirm mode.
func openPublishChannel(conn Connection, exchange, exchangeType string) (*ChannelHandle, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelSetupError{Name: exchange, Op: "open", Err: err, Timestamp: time.Now()}
	}

	topology := Topology{
		Exchanges: []ExchangeDeclaration{{Name: exchange, Type: exchangeType, Durable: true}},
	}
	if err := declareTopology(ch, topology); err != nil {
		ch.Close()
		return nil, &ChannelSetupError{Name: exchange, Op: "declare", Err: err, Timestamp: time.Now()}
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, &ChannelSetupError{Name: exchange, Op: "confirm", Err: err, Timestamp: time.Now()}
	}

	h := &ChannelHandle{
		Name:         exchange,
		ExchangeType: exchangeType,
		Channel:      ch,
		pending:      make(map[uint64]chan amqp.Confirmation),
	}
	go h.dispatchConfirms(ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer)))
	return h, nil
}

// dispatchConfirms drains confirms until the channel closes. The confirm channel
// must never back up, or the client stops reading from the connection.
func (h *ChannelHandle) dispatchConfirms(confirms <-chan amqp.Confirmation) {
	for confirm := range confirms {
		h.pendingMu.Lock()
		waiter, ok := h.pending[confirm.DeliveryTag]
		delete(h.pending, confirm.DeliveryTag)
		h.pendingMu.Unlock()

		if ok {
			waiter <- confirm
		}
	}

	h.pendingMu.Lock()
	h.done = true
	for tag, waiter := range h.pending {
		close(waiter)
		delete(h.pending, tag)
	}
	h.pendingMu.Unlock()
}

// publish sends msg and waits for the broker to confirm it.
func (h *ChannelHandle) publish(ctx context.Context, routingKey string, msg amqp.Publishing, timeout time.Duration) error {
	tag, waiter, err := h.send(ctx, routingKey, msg)
	if err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case confirm, ok := <-waiter:
		if !ok {
			return ErrChannelClosed
		}
		if !confirm.Ack {
			return ErrPublishNotConfirmed
		}
		return nil

	case <-timer.C:
		h.forget(tag)
		return ErrPublishTimeout

	case <-ctx.Done():
		h.forget(tag)
		return ctx.Err()
	}
}

func (h *ChannelHandle) send(ctx context.Context, routingKey string, msg amqp.Publishing) (uint64, chan amqp.Confirmation, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.Channel.IsClosed() {
		return 0, nil, ErrChannelClosed
	}

	tag := h.nextTag + 1
	waiter := make(chan amqp.Confirmation, 1)

	h.pendingMu.Lock()
	if h.done {
		h.pendingMu.Unlock()
		return 0, nil, ErrChannelClosed
	}
	h.pending[tag] = waiter
	h.pendingMu.Unlock()

	if err := h.Channel.PublishWithContext(
		ctx,
		h.Name,
		routingKey,
		false, // mandatory
		false, // immediate
		msg,
	); err != nil {
		h.forget(tag)
		return 0, nil, fmt.Errorf("failed to publish: %w", err)
	}

	h.nextTag = tag
	return tag, waiter, nil
}

func (h *ChannelHandle) forget(tag uint64) {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	delete(h.pending, tag)
}

func (h *ChannelHandle) close() error {
	if h.Channel.IsClosed() {
		return nil
	}
	return h.Channel.Close()
}

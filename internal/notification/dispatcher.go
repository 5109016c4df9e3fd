// Package notification consumes delivered messages, marks them sent and pushes
// the outcome to the sender's and receiver's live sessions.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/beehive/internal/rabbitmq"
	"github.com/glimte/beehive/internal/session"
	"github.com/glimte/beehive/internal/store"
)

// Push event types
const (
	EventNewMessage   = "message.new"
	EventUpdateStatus = "message.update_status"
)

var ErrMissingMessageID = errors.New("notification: queued message has no id")

// QueuedMessage is the body published for every new message
type QueuedMessage struct {
	ID         string       `json:"_id"`
	Sender     string       `json:"sender"`
	Receive    string       `json:"receive"`
	Content    string       `json:"content"`
	Status     store.Status `json:"status"`
	CreatedAt  time.Time    `json:"createdAt"`
	RetryCount int          `json:"rmq_retry_count,omitempty"`
}

// NewQueuedMessage builds the queue body for a stored message
func NewQueuedMessage(msg *store.Message) QueuedMessage {
	return QueuedMessage{
		ID:        msg.ID,
		Sender:    msg.Sender.ID,
		Receive:   msg.Receiver.ID,
		Content:   msg.Content,
		Status:    msg.Status,
		CreatedAt: msg.CreatedAt,
	}
}

// NewMessageData is the payload of a message.new event
type NewMessageData struct {
	ID        string       `json:"id"`
	Sender    string       `json:"sender"`
	Receive   string       `json:"receive"`
	Content   string       `json:"content"`
	Status    store.Status `json:"status"`
	CreatedAt time.Time    `json:"createdAt"`
}

// StatusData is the payload of a message.update_status event
type StatusData struct {
	ID     string       `json:"id"`
	Status store.Status `json:"status"`
}

// SessionLookup finds the live session of a bee
type SessionLookup interface {
	GetSession(key string) (*session.Session, bool)
}

// Dispatcher turns queued messages into push events
type Dispatcher struct {
	messages store.MessageStore
	names    store.NameResolver
	sessions SessionLookup
	logger   *slog.Logger
}

// DispatcherOption configures the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher creates a dispatcher
func NewDispatcher(messages store.MessageStore, names store.NameResolver, sessions SessionLookup, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		messages: messages,
		names:    names,
		sessions: sessions,
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// Handler adapts ProcessMessage to a queue consumer
func (d *Dispatcher) Handler() rabbitmq.Handler {
	return rabbitmq.JSONHandler(d.ProcessMessage)
}

// ProcessMessage marks the message sent, then notifies the receiver with the
// message and the sender with the new status. Missing sessions are logged and
// skipped; only lookup and persistence failures are returned.
func (d *Dispatcher) ProcessMessage(ctx context.Context, queued QueuedMessage) error {
	if queued.ID == "" {
		return ErrMissingMessageID
	}

	msg, err := d.messages.FindMessageByID(ctx, queued.ID)
	if err != nil {
		return fmt.Errorf("failed to load message %s: %w", queued.ID, err)
	}

	senderName := d.resolveName(ctx, msg.Sender)
	receiverName := d.resolveName(ctx, msg.Receiver)

	if err := d.messages.UpdateMessageStatus(ctx, msg.ID, store.StatusSent); err != nil {
		return fmt.Errorf("failed to update message %s: %w", msg.ID, err)
	}

	d.push(receiverName, "receiver", session.Event{
		Type: EventNewMessage,
		Data: NewMessageData{
			ID:        msg.ID,
			Sender:    msg.Sender.ID,
			Receive:   msg.Receiver.ID,
			Content:   msg.Content,
			Status:    store.StatusSent,
			CreatedAt: msg.CreatedAt,
		},
	})
	d.push(senderName, "sender", session.Event{
		Type: EventUpdateStatus,
		Data: StatusData{ID: msg.ID, Status: store.StatusSent},
	})

	return nil
}

func (d *Dispatcher) resolveName(ctx context.Context, bee store.Bee) string {
	if bee.Name != "" || bee.ID == "" {
		return bee.Name
	}

	name, err := d.names.ResolveName(ctx, bee.ID)
	if err != nil {
		d.logger.Warn("could not resolve bee name", "bee", bee.ID, "error", err)
		return ""
	}
	return name
}

func (d *Dispatcher) push(name, role string, event session.Event) {
	if name == "" {
		d.logger.Warn(role+" session not found", "event", event.Type)
		return
	}

	s, ok := d.sessions.GetSession(name)
	if !ok || s.Sink.Closed() {
		d.logger.Warn(role+" session not found", "bee", name, "event", event.Type)
		return
	}

	if err := s.Sink.Send(event); err != nil {
		d.logger.Warn("failed to push event", "bee", name, "event", event.Type, "error", err)
	}
}

// Package hive implements bee registration and message sending on top of the
// store, the session broker and the message queue.
package hive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/glimte/beehive/internal/notification"
	"github.com/glimte/beehive/internal/session"
	"github.com/glimte/beehive/internal/store"
)

const (
	// MessageExchange receives every new message
	MessageExchange = "bee-message"

	DefaultPageLimit = 25
)

var ErrNameInUse = errors.New("hive: name already in use")

// InvalidBeeError reports that the sender or receiver of a message does not exist
type InvalidBeeError struct {
	Role string // "sender" or "receive"
	Name string
}

func (e *InvalidBeeError) Error() string {
	return fmt.Sprintf("hive: %s bee %q not found", e.Role, e.Name)
}

// Code is the error code returned to clients, e.g. "senderInvalid"
func (e *InvalidBeeError) Code() string {
	return e.Role + "Invalid"
}

// Publisher publishes a message to an exchange
type Publisher interface {
	Publish(ctx context.Context, exchange string, message any, routingKey ...string) error
}

// Sessions is the part of the session broker the service drives
type Sessions interface {
	AddSession(key string) *session.Session
	GetSession(key string) (*session.Session, bool)
	MarkForDelete(key string) bool
	DeleteSession(key string) bool
	IsCurrent(s *session.Session) bool
}

// Service registers bees and sends messages between them
type Service struct {
	bees      store.BeeStore
	messages  store.MessageStore
	sessions  Sessions
	publisher Publisher
	logger    *slog.Logger
}

// ServiceOption configures the Service
type ServiceOption func(*Service)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates the bee and message service
func NewService(bees store.BeeStore, messages store.MessageStore, sessions Sessions, publisher Publisher, options ...ServiceOption) *Service {
	s := &Service{
		bees:      bees,
		messages:  messages,
		sessions:  sessions,
		publisher: publisher,
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// NormalizeName lowercases a bee name
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// RegisterBee stores a new bee and returns its live session. An open session left
// for the same name is reused; otherwise a new one is created.
func (s *Service) RegisterBee(ctx context.Context, name string) (*session.Session, error) {
	name = NormalizeName(name)

	if _, err := s.bees.FindBeeByName(ctx, name); err == nil {
		return nil, ErrNameInUse
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to check bee name: %w", err)
	}

	if _, err := s.bees.CreateBee(ctx, name); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrNameInUse
		}
		return nil, fmt.Errorf("failed to create bee: %w", err)
	}

	if existing, ok := s.sessions.GetSession(name); ok && !existing.Sink.Closed() {
		s.logger.Debug("reusing session", "bee", name)
		return existing, nil
	}

	s.logger.Info("bee registered", "bee", name)
	return s.sessions.AddSession(name), nil
}

// Disconnect deletes the bee record and tears down its session.
func (s *Service) Disconnect(ctx context.Context, name string) error {
	if err := s.bees.DeleteBeeByName(ctx, name); err != nil {
		return fmt.Errorf("failed to delete bee %s: %w", name, err)
	}
	if s.sessions.MarkForDelete(name) {
		s.sessions.DeleteSession(name)
	}
	s.logger.Info("bee disconnected", "bee", name)
	return nil
}

// ExpiryHook is the session broker's expiry hook. It removes the bee of an
// expired session unless a newer session has taken over the name.
func (s *Service) ExpiryHook() session.ExpiryHook {
	return func(expired *session.Session) {
		if !s.sessions.IsCurrent(expired) {
			s.logger.Debug("expired session was replaced", "bee", expired.Key)
			return
		}

		expired.MarkForDelete()
		if err := s.bees.DeleteBeeByName(context.Background(), expired.Key); err != nil {
			s.logger.Error("failed to remove expired bee", "bee", expired.Key, "error", err)
			return
		}
		s.sessions.DeleteSession(expired.Key)
		s.logger.Info("bee disconnected", "bee", expired.Key)
	}
}

// ListBees returns one page of registered bees ordered by name
func (s *Service) ListBees(ctx context.Context, page, limit int) ([]store.Bee, error) {
	if page < 0 {
		page = 0
	}
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	return s.bees.ListBees(ctx, page, limit)
}

// SendMessage stores a pending message from sender to receive and queues it for
// delivery. Publish failures are returned; the message stays pending.
func (s *Service) SendMessage(ctx context.Context, sender, receive, content string) (*store.Message, error) {
	from, err := s.checkBee(ctx, sender, "sender")
	if err != nil {
		return nil, err
	}
	to, err := s.checkBee(ctx, receive, "receive")
	if err != nil {
		return nil, err
	}

	msg, err := s.messages.CreateMessage(ctx, *from, *to, content)
	if err != nil {
		return nil, fmt.Errorf("failed to store message: %w", err)
	}

	if err := s.publisher.Publish(ctx, MessageExchange, notification.NewQueuedMessage(msg)); err != nil {
		return nil, err
	}

	s.logger.Debug("message queued", "message", msg.ID, "sender", from.Name, "receive", to.Name)
	return msg, nil
}

func (s *Service) checkBee(ctx context.Context, name, role string) (*store.Bee, error) {
	bee, err := s.bees.FindBeeByName(ctx, NormalizeName(name))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &InvalidBeeError{Role: role, Name: name}
		}
		return nil, fmt.Errorf("failed to check %s: %w", role, err)
	}
	return bee, nil
}

// Reset removes every bee. It runs at startup so no bee outlives its session.
func (s *Service) Reset(ctx context.Context) error {
	n, err := s.bees.DeleteAllBees(ctx)
	if err != nil {
		return fmt.Errorf("failed to reset bees: %w", err)
	}
	s.logger.Info("bees database has been restarted", "deleted", n)
	return nil
}

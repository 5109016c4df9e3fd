// Package memory is an in-process store.Store backed by maps. It is used when no
// MongoDB URI is configured and in tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/glimte/beehive/internal/store"
	"github.com/google/uuid"
)

type messageRecord struct {
	id         string
	senderID   string
	receiverID string
	content    string
	status     store.Status
	createdAt  time.Time
}

// Store implements store.Store with mutex-protected maps
type Store struct {
	mu       sync.RWMutex
	bees     map[string]store.Bee // key: bee ID
	names    map[string]string    // key: name, value: bee ID
	messages map[string]*messageRecord
}

var _ store.Store = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{
		bees:     make(map[string]store.Bee),
		names:    make(map[string]string),
		messages: make(map[string]*messageRecord),
	}
}

// CreateBee stores a new bee
func (s *Store) CreateBee(ctx context.Context, name string) (*store.Bee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.names[name]; exists {
		return nil, store.ErrDuplicate
	}

	bee := store.Bee{ID: uuid.NewString(), Name: name}
	s.bees[bee.ID] = bee
	s.names[name] = bee.ID
	return &bee, nil
}

// FindBeeByName looks a bee up by its unique name
func (s *Store) FindBeeByName(ctx context.Context, name string) (*store.Bee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.names[name]
	if !exists {
		return nil, store.ErrNotFound
	}
	bee := s.bees[id]
	return &bee, nil
}

// ListBees returns one page of bees sorted by name
func (s *Store) ListBees(ctx context.Context, page, limit int) ([]store.Bee, error) {
	s.mu.RLock()
	bees := make([]store.Bee, 0, len(s.bees))
	for _, bee := range s.bees {
		bees = append(bees, bee)
	}
	s.mu.RUnlock()

	sort.Slice(bees, func(i, j int) bool { return bees[i].Name < bees[j].Name })

	offset := store.Offset(page, limit)
	if offset >= len(bees) {
		return []store.Bee{}, nil
	}
	bees = bees[offset:]
	if limit > 0 && len(bees) > limit {
		bees = bees[:limit]
	}
	return bees, nil
}

// DeleteBeeByName removes a bee. Deleting an unknown name is not an error.
func (s *Store) DeleteBeeByName(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, exists := s.names[name]; exists {
		delete(s.bees, id)
		delete(s.names, name)
	}
	return nil
}

// DeleteAllBees removes every bee
func (s *Store) DeleteAllBees(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := int64(len(s.bees))
	s.bees = make(map[string]store.Bee)
	s.names = make(map[string]string)
	return n, nil
}

// CreateMessage stores a pending message
func (s *Store) CreateMessage(ctx context.Context, sender, receiver store.Bee, content string) (*store.Message, error) {
	record := &messageRecord{
		id:         uuid.NewString(),
		senderID:   sender.ID,
		receiverID: receiver.ID,
		content:    content,
		status:     store.StatusPending,
		createdAt:  time.Now().UTC(),
	}

	s.mu.Lock()
	s.messages[record.id] = record
	msg := s.populate(record)
	s.mu.Unlock()

	return msg, nil
}

// FindMessageByID returns the message with both bees resolved
func (s *Store) FindMessageByID(ctx context.Context, id string) (*store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, exists := s.messages[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return s.populate(record), nil
}

// UpdateMessageStatus sets the status of a stored message
func (s *Store) UpdateMessageStatus(ctx context.Context, id string, status store.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, exists := s.messages[id]
	if !exists {
		return store.ErrNotFound
	}
	record.status = status
	return nil
}

// ResolveName returns the name of the bee with the given ID
func (s *Store) ResolveName(ctx context.Context, id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bee, exists := s.bees[id]
	if !exists {
		return "", store.ErrNotFound
	}
	return bee.Name, nil
}

// Ping always succeeds
func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (s *Store) Close(ctx context.Context) error {
	return nil
}

// populate must be called with s.mu held
func (s *Store) populate(record *messageRecord) *store.Message {
	msg := &store.Message{
		ID:        record.id,
		Sender:    store.Bee{ID: record.senderID},
		Receiver:  store.Bee{ID: record.receiverID},
		Content:   record.content,
		Status:    record.status,
		CreatedAt: record.createdAt,
	}
	if bee, ok := s.bees[record.senderID]; ok {
		msg.Sender = bee
	}
	if bee, ok := s.bees[record.receiverID]; ok {
		msg.Receiver = bee
	}
	return msg
}

// Package store defines the persistence collaborators used by the bee and
// message services and by the notification dispatcher.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrDuplicate = errors.New("store: duplicate key")
)

// Status is the delivery state of a message
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
)

// Bee is a registered client. Names are unique and lowercase.
type Bee struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Message is a stored message with its sender and receiver resolved. A side whose
// bee record is gone carries only its ID.
type Message struct {
	ID        string    `json:"id"`
	Sender    Bee       `json:"sender"`
	Receiver  Bee       `json:"receive"`
	Content   string    `json:"content"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// BeeStore persists bees
type BeeStore interface {
	// CreateBee stores a new bee. It returns ErrDuplicate if the name is taken.
	CreateBee(ctx context.Context, name string) (*Bee, error)

	// FindBeeByName returns ErrNotFound when no bee has the name
	FindBeeByName(ctx context.Context, name string) (*Bee, error)

	// ListBees returns one page of bees ordered by name
	ListBees(ctx context.Context, page, limit int) ([]Bee, error)

	DeleteBeeByName(ctx context.Context, name string) error

	// DeleteAllBees removes every bee and returns how many were removed
	DeleteAllBees(ctx context.Context) (int64, error)
}

// MessageStore persists messages
type MessageStore interface {
	// CreateMessage stores a pending message between two existing bees
	CreateMessage(ctx context.Context, sender, receiver Bee, content string) (*Message, error)

	// FindMessageByID returns the message with sender and receiver resolved
	FindMessageByID(ctx context.Context, id string) (*Message, error)

	UpdateMessageStatus(ctx context.Context, id string, status Status) error
}

// NameResolver maps a bee ID to its name
type NameResolver interface {
	ResolveName(ctx context.Context, id string) (string, error)
}

// Store is the full persistence backend
type Store interface {
	BeeStore
	MessageStore
	NameResolver

	// Ping reports whether the backend is reachable
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Offset converts a zero-based page and a page size into the number of records
// to skip. Negative inputs count as zero.
func Offset(page, limit int) int {
	if page < 0 || limit < 0 {
		return 0
	}
	return page * limit
}

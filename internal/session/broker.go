// Package session keeps the live push destinations of connected clients.
package session

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultTTL is how long a session lives before it is torn down.
	DefaultTTL = 4 * time.Hour
	// DefaultBufferSize is the number of events a sink holds for a slow reader.
	DefaultBufferSize = 64
)

// Session is the push destination registered for one client key.
type Session struct {
	Key       string
	Sink      *Sink
	CreatedAt time.Time

	marked     atomic.Bool
	generation uint64
	timer      *time.Timer
}

// MarkedForDeletion reports whether the session was marked for deletion.
func (s *Session) MarkedForDeletion() bool {
	return s.marked.Load()
}

// MarkForDelete marks this session only. A session that replaced it under the
// same key is not affected.
func (s *Session) MarkForDelete() {
	s.marked.Store(true)
}

// ExpiryHook runs when a session reaches its TTL, before it is removed. The
// session may have been replaced under its key by the time the hook runs.
type ExpiryHook func(expired *Session)

// Broker is a mutex-guarded registry of sessions keyed by client key.
type Broker struct {
	ttl        time.Duration
	bufferSize int
	onExpire   ExpiryHook
	logger     *slog.Logger

	mu         sync.Mutex
	sessions   map[string]*Session
	generation uint64
}

// Option configures the Broker
type Option func(*Broker)

// WithTTL sets the session lifetime. Zero disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(b *Broker) {
		b.ttl = ttl
	}
}

// WithBufferSize sets the per-sink event buffer
func WithBufferSize(size int) Option {
	return func(b *Broker) {
		b.bufferSize = size
	}
}

// WithExpiryHook sets the function called when a session expires
func WithExpiryHook(hook ExpiryHook) Option {
	return func(b *Broker) {
		b.onExpire = hook
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// NewBroker creates an empty session registry.
func NewBroker(options ...Option) *Broker {
	b := &Broker{
		ttl:        DefaultTTL,
		bufferSize: DefaultBufferSize,
		logger:     slog.Default(),
		sessions:   make(map[string]*Session),
	}

	for _, opt := range options {
		opt(b)
	}

	return b
}

// SetExpiryHook replaces the expiry hook. It is meant for wiring that needs the
// broker before the hook's owner exists.
func (b *Broker) SetExpiryHook(hook ExpiryHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onExpire = hook
}

// AddSession creates a fresh sink for key and stores it, replacing any previous
// session for the same key. The replaced session's timer is stopped; its sink is
// left to its reader.
func (b *Broker) AddSession(key string) *Session {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.sessions[key]; ok && old.timer != nil {
		old.timer.Stop()
	}

	b.generation++
	s := &Session{
		Key:        key,
		Sink:       NewSink(b.bufferSize),
		CreatedAt:  time.Now(),
		generation: b.generation,
	}
	if b.ttl > 0 {
		generation := s.generation
		s.timer = time.AfterFunc(b.ttl, func() { b.expire(key, generation) })
	}
	b.sessions[key] = s

	b.logger.Debug("session added", "key", key, "ttl", b.ttl)
	return s
}

// GetSession looks up the session for key.
func (b *Broker) GetSession(key string) (*Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[key]
	return s, ok
}

// MarkForDelete flags the session for key so a later DeleteSession removes it.
func (b *Broker) MarkForDelete(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[key]
	if !ok {
		return false
	}
	s.marked.Store(true)
	return true
}

// DeleteSession removes the session for key and closes its sink, but only when
// it was marked first. Otherwise it does nothing and returns false.
func (b *Broker) DeleteSession(key string) bool {
	b.mu.Lock()
	s, ok := b.sessions[key]
	if !ok || !s.marked.Load() {
		b.mu.Unlock()
		return false
	}
	delete(b.sessions, key)
	if s.timer != nil {
		s.timer.Stop()
	}
	b.mu.Unlock()

	s.Sink.Close()
	b.logger.Debug("session deleted", "key", key)
	return true
}

// IsCurrent reports whether s is still the session stored under its key.
func (b *Broker) IsCurrent(s *Session) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	current, ok := b.sessions[s.Key]
	return ok && current == s
}

// expire tears down the session for key if it is still the one the timer was
// armed for. The expired sink is always closed; the registry entry is removed
// only while it still holds the expired session.
func (b *Broker) expire(key string, generation uint64) {
	b.mu.Lock()
	s, ok := b.sessions[key]
	if !ok || s.generation != generation {
		b.mu.Unlock()
		return
	}
	hook := b.onExpire
	b.mu.Unlock()

	b.logger.Info("session expired", "key", key)
	if hook != nil {
		hook(s)
	}

	s.MarkForDelete()
	b.deleteGeneration(key, generation)
	s.Sink.Close()
}

func (b *Broker) deleteGeneration(key string, generation uint64) {
	b.mu.Lock()
	s, ok := b.sessions[key]
	if !ok || s.generation != generation || !s.marked.Load() {
		b.mu.Unlock()
		return
	}
	delete(b.sessions, key)
	b.mu.Unlock()

	s.Sink.Close()
}

// Len returns the number of live sessions.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Keys returns the keys of all live sessions.
func (b *Broker) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := make([]string, 0, len(b.sessions))
	for key := range b.sessions {
		keys = append(keys, key)
	}
	return keys
}

// Close stops every timer and closes every sink.
func (b *Broker) Close() {
	b.mu.Lock()
	sessions := b.sessions
	b.sessions = make(map[string]*Session)
	b.mu.Unlock()

	for _, s := range sessions {
		if s.timer != nil {
			s.timer.Stop()
		}
		s.Sink.Close()
	}
}

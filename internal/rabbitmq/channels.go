package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultPublishTimeout bounds the wait for a publisher confirm.
const DefaultPublishTimeout = 5 * time.Second

// ConnectionProvider is what the channel manager needs from the connection
// manager.
type ConnectionProvider interface {
	Connection() (Connection, error)
	State() ConnectionState
	AppName() string
	AddStateListener(listener ConnectionStateListener)
}

// ChannelManager owns publish and consume channels. Publish channels and consumer
// registrations are remembered and set up again every time the connection comes
// back.
type ChannelManager struct {
	conn           ConnectionProvider
	logger         *slog.Logger
	publishTimeout time.Duration
	delayedRetry   bool

	ctx    context.Context
	cancel context.CancelFunc

	// setupMu serializes channel setup between callers and reconnects.
	setupMu sync.Mutex

	mu            sync.RWMutex
	exchanges     map[string]string // exchange -> type
	publishers    map[string]*ChannelHandle
	registrations map[string]*registration
}

type registration struct {
	opts    ConsumerOptions
	policy  RetryPolicy
	handler Handler

	mu      sync.Mutex
	primary *consumer
	retry   *consumer
}

// ChannelOption configures the ChannelManager
type ChannelOption func(*ChannelManager)

// WithChannelLogger sets the logger
func WithChannelLogger(logger *slog.Logger) ChannelOption {
	return func(m *ChannelManager) {
		m.logger = logger
	}
}

// WithPublishTimeout sets how long Publish waits for the broker confirm
func WithPublishTimeout(timeout time.Duration) ChannelOption {
	return func(m *ChannelManager) {
		m.publishTimeout = timeout
	}
}

// WithDelayedRetry declares retry exchanges with the delayed message exchange type.
// The broker must have the delayed message plugin enabled.
func WithDelayedRetry(enabled bool) ChannelOption {
	return func(m *ChannelManager) {
		m.delayedRetry = enabled
	}
}

// NewChannelManager creates a channel manager and subscribes it to connection
// state changes.
func NewChannelManager(conn ConnectionProvider, options ...ChannelOption) *ChannelManager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &ChannelManager{
		conn:           conn,
		logger:         slog.Default(),
		publishTimeout: DefaultPublishTimeout,
		ctx:            ctx,
		cancel:         cancel,
		exchanges:      make(map[string]string),
		publishers:     make(map[string]*ChannelHandle),
		registrations:  make(map[string]*registration),
	}

	for _, opt := range options {
		opt(m)
	}

	conn.AddStateListener(m)
	return m
}

// CreatePublishChannel declares a durable exchange and keeps a confirm-mode
// channel for publishing to it. Calling it again replaces the handle.
func (m *ChannelManager) CreatePublishChannel(ctx context.Context, exchange, exchangeType string) error {
	if exchange == "" {
		return fmt.Errorf("%w: exchange name is required", ErrInvalidConfiguration)
	}
	if exchangeType == "" {
		exchangeType = DefaultExchangeType
	}

	m.setupMu.Lock()
	defer m.setupMu.Unlock()

	m.mu.Lock()
	m.exchanges[exchange] = exchangeType
	m.mu.Unlock()

	conn, err := m.conn.Connection()
	if err != nil {
		m.logger.Debug("publish channel recorded, waiting for connection", "exchange", exchange)
		return nil
	}
	return m.openPublisher(ctx, conn, exchange, exchangeType)
}

func (m *ChannelManager) openPublisher(ctx context.Context, conn Connection, exchange, exchangeType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	handle, err := openPublishChannel(conn, exchange, exchangeType)
	if err != nil {
		m.logger.Error("failed to create publish channel", "exchange", exchange, "error", err)
		return err
	}

	m.mu.Lock()
	old := m.publishers[exchange]
	m.publishers[exchange] = handle
	m.mu.Unlock()

	if old != nil {
		old.close()
	}

	m.logger.Info("publish channel ready", "exchange", exchange, "type", exchangeType)
	return nil
}

// PublishChannel returns the handle for exchange, if one is open.
func (m *ChannelManager) PublishChannel(exchange string) (*ChannelHandle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	handle, ok := m.publishers[exchange]
	return handle, ok
}

// Publish serializes message as JSON and publishes it to exchange, waiting for
// the broker confirm. The routing key defaults to the exchange name. While the
// connection is disabled Publish does nothing and returns nil.
func (m *ChannelManager) Publish(ctx context.Context, exchange string, message any, routingKey ...string) error {
	key := exchange
	if len(routingKey) > 0 && routingKey[0] != "" {
		key = routingKey[0]
	}

	if m.conn.State() == StateDisabled {
		m.logger.Warn("broker connection disabled, message not published", "exchange", exchange)
		return nil
	}

	if _, err := m.conn.Connection(); err != nil {
		m.logger.Error("connection with broker is closed, cannot publish", "exchange", exchange)
		return &PublishError{Exchange: exchange, RoutingKey: key, Err: ErrBrokerUnavailable, Timestamp: time.Now()}
	}

	handle, ok := m.PublishChannel(exchange)
	if !ok {
		return &PublishError{Exchange: exchange, RoutingKey: key, Err: ErrChannelNotFound, Timestamp: time.Now()}
	}

	body, err := json.Marshal(message)
	if err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: key, Err: fmt.Errorf("encode message: %w", err), Timestamp: time.Now()}
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		AppId:        m.conn.AppName(),
		Timestamp:    time.Now(),
		Body:         body,
	}

	if err := handle.publish(ctx, key, msg, m.publishTimeout); err != nil {
		if errors.Is(err, ErrChannelClosed) {
			err = errors.Join(err, ErrBrokerUnavailable)
		}
		return &PublishError{Exchange: exchange, RoutingKey: key, Err: err, Timestamp: time.Now()}
	}

	m.logger.Debug("message published", "exchange", exchange, "routingKey", key, "messageId", msg.MessageId)
	return nil
}

// ConsumeQueue registers handler for opts.Queue. The primary queue and, unless
// retries are disabled, the retry queue are consumed now if connected and again
// after every reconnect.
func (m *ChannelManager) ConsumeQueue(ctx context.Context, opts ConsumerOptions, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("%w: handler is required", ErrInvalidConfiguration)
	}

	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return err
	}

	policy := RetryPolicy(opts.Retry)
	reg := &registration{
		opts:    opts,
		policy:  policy,
		handler: wrapWithRetry(handler, policy, m.logger),
	}

	m.mu.Lock()
	if _, exists := m.registrations[opts.Queue]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: queue %q already has a consumer", ErrInvalidConfiguration, opts.Queue)
	}
	m.registrations[opts.Queue] = reg
	m.mu.Unlock()

	conn, err := m.conn.Connection()
	if err != nil {
		m.logger.Debug("consumer recorded, waiting for connection", "queue", opts.Queue)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.startRegistration(conn, reg)
}

func (m *ChannelManager) startRegistration(conn Connection, reg *registration) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	logger := m.logger.With("queue", reg.opts.Queue)

	if !reg.primary.running() {
		c, err := startConsumer(m.ctx, conn, reg.opts.Queue, reg.opts.Prefetch,
			PrimaryTopology(reg.opts), m.processPrimary(reg), m.logger)
		if err != nil {
			logger.Error("failed to set up consumer channel", "error", err)
			return err
		}
		reg.primary = c
		logger.Info("queue consumer enabled")
	}

	if reg.opts.Retry.Disabled || reg.retry.running() {
		return nil
	}

	retryQueue := reg.opts.RetryQueue()
	c, err := startConsumer(m.ctx, conn, retryQueue, reg.opts.Prefetch,
		RetryTopology(reg.opts, m.delayedRetry), m.processRetry(reg), m.logger)
	if err != nil {
		logger.Error("failed to set up retry channel", "retryQueue", retryQueue, "error", err)
		return err
	}
	reg.retry = c
	logger.Info("retry consumer enabled", "retryQueue", retryQueue)
	return nil
}

// processPrimary always acknowledges the delivery. A failed handler has already
// published a retry copy, so the original must not be requeued.
func (m *ChannelManager) processPrimary(reg *registration) deliveryFunc {
	return func(ctx context.Context, ch Channel, delivery amqp.Delivery) {
		defer ack(delivery, m.logger)
		_ = reg.handler(ctx, delivery, ch, reg.opts.Queue)
	}
}

// processRetry dead-letters exhausted or unreadable messages and otherwise runs
// the handler again with the retry counter incremented.
func (m *ChannelManager) processRetry(reg *registration) deliveryFunc {
	retryQueue := reg.opts.RetryQueue()

	return func(ctx context.Context, ch Channel, delivery amqp.Delivery) {
		count, err := RetryCount(delivery.Body)
		if err == nil && !reg.policy.Exhausted(count) {
			delivery.Body, err = WithRetryCount(delivery.Body, count+1)
		}
		if err != nil || reg.policy.Exhausted(count) {
			m.logger.Warn("sending message to dead letter",
				"queue", retryQueue,
				"messageId", delivery.MessageId,
				"retryCount", count,
				"reason", deadLetterReason(err))
			if dlErr := deadLetter(ctx, ch, delivery); dlErr != nil {
				m.logger.Error("failed to dead-letter message",
					"queue", retryQueue,
					"messageId", delivery.MessageId,
					"error", dlErr)
			}
			return
		}

		defer ack(delivery, m.logger)
		_ = reg.handler(ctx, delivery, ch, retryQueue)
	}
}

func deadLetterReason(err error) string {
	if err != nil {
		return err.Error()
	}
	return "retry budget exhausted"
}

// Retry republishes delivery towards the retry queue of queue. queue may name a
// registered queue or its retry queue; the registration's retry policy is used,
// or the default policy when the queue has no consumer here.
func (m *ChannelManager) Retry(ctx context.Context, delivery amqp.Delivery, ch Channel, queue string) error {
	return m.retryPolicy(queue).Retry(ctx, ch, delivery, queue)
}

func (m *ChannelManager) retryPolicy(queue string) RetryPolicy {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if reg, ok := m.registrations[queue]; ok {
		return reg.policy
	}
	for _, reg := range m.registrations {
		if reg.opts.RetryQueue() == queue {
			return reg.policy
		}
	}
	return DefaultRetryPolicy()
}

// DeadLetter acknowledges delivery on ch and republishes it to the dead-letter
// exchange.
func (m *ChannelManager) DeadLetter(ctx context.Context, ch Channel, delivery amqp.Delivery) error {
	return deadLetter(ctx, ch, delivery)
}

// Queues lists the queues with a consumer registration.
func (m *ChannelManager) Queues() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	queues := make([]string, 0, len(m.registrations))
	for queue := range m.registrations {
		queues = append(queues, queue)
	}
	return queues
}

// OnConnected sets up every recorded publish channel and consumer that is not
// already live.
func (m *ChannelManager) OnConnected() {
	m.setupMu.Lock()
	defer m.setupMu.Unlock()

	conn, err := m.conn.Connection()
	if err != nil {
		return
	}

	m.mu.RLock()
	exchanges := make(map[string]string, len(m.exchanges))
	for name, kind := range m.exchanges {
		if handle, ok := m.publishers[name]; ok && !handle.Channel.IsClosed() {
			continue
		}
		exchanges[name] = kind
	}
	registrations := make([]*registration, 0, len(m.registrations))
	for _, reg := range m.registrations {
		registrations = append(registrations, reg)
	}
	m.mu.RUnlock()

	for name, kind := range exchanges {
		if err := m.openPublisher(m.ctx, conn, name, kind); err != nil {
			m.logger.Error("failed to restore publish channel", "exchange", name, "error", err)
		}
	}

	for _, reg := range registrations {
		if err := m.startRegistration(conn, reg); err != nil {
			m.logger.Error("failed to restore consumer", "queue", reg.opts.Queue, "error", err)
		}
	}
}

// OnDisconnected drops publish handles whose channel died with the connection.
func (m *ChannelManager) OnDisconnected(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, handle := range m.publishers {
		if handle.Channel.IsClosed() {
			delete(m.publishers, name)
		}
	}
}

// OnReconnecting is a no-op; channels are restored in OnConnected.
func (m *ChannelManager) OnReconnecting(attempt int) {}

// Close stops every consumer and closes every publish channel. A closed manager
// does not restore channels on reconnect.
func (m *ChannelManager) Close() error {
	m.cancel()

	m.mu.Lock()
	publishers := m.publishers
	m.publishers = make(map[string]*ChannelHandle)
	registrations := make([]*registration, 0, len(m.registrations))
	for _, reg := range m.registrations {
		registrations = append(registrations, reg)
	}
	m.mu.Unlock()

	var errs []error
	for _, handle := range publishers {
		if err := handle.close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, reg := range registrations {
		reg.mu.Lock()
		reg.primary.stop()
		reg.retry.stop()
		reg.mu.Unlock()
	}
	return errors.Join(errs...)
}

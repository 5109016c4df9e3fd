package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultHeartbeat      = 60 * time.Second
	DefaultReconnectDelay = 5 * time.Second
	DefaultSyncInterval   = 30 * time.Second
	DefaultDialTimeout    = 30 * time.Second
)

// ConnectionState describes the lifecycle of the broker connection.
type ConnectionState int

const (
	StateDisabled ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectivityPolicy decides whether the process should currently hold a broker
// connection. It is evaluated by the health sync task.
type ConnectivityPolicy func() bool

// ConnectionManager owns the single logical connection to the broker.
type ConnectionManager struct {
	urls           []string
	appName        string
	heartbeat      time.Duration
	reconnectDelay time.Duration
	syncInterval   time.Duration
	dialTimeout    time.Duration
	dial           Dialer
	policy         ConnectivityPolicy
	logger         *slog.Logger

	mu             sync.RWMutex
	conn           Connection
	state          ConnectionState
	enabled        bool
	nextURL        int
	attempts       int
	reconnectTimer *time.Timer

	syncMu     sync.Mutex
	syncCancel context.CancelFunc
	syncDone   chan struct{}

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithAppName sets the connection_name client property reported to the broker
func WithAppName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.appName = name
	}
}

// WithHeartbeat sets the heartbeat interval
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.heartbeat = interval
	}
}

// WithReconnectDelay sets the reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithSyncInterval sets how often the connectivity policy is re-evaluated
func WithSyncInterval(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.syncInterval = interval
	}
}

// WithDialer replaces the amqp dialer, mostly for tests
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// WithConnectivityPolicy sets the policy evaluated by the sync task
func WithConnectivityPolicy(policy ConnectivityPolicy) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.policy = policy
	}
}

// WithDisabled keeps the manager from ever dialing the broker.
func WithDisabled(disabled bool) ConnectionOption {
	return func(cm *ConnectionManager) {
		if disabled {
			cm.policy = func() bool { return false }
		}
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(urls []string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		urls:           urls,
		appName:        "beehive",
		heartbeat:      DefaultHeartbeat,
		reconnectDelay: DefaultReconnectDelay,
		syncInterval:   DefaultSyncInterval,
		dialTimeout:    DefaultDialTimeout,
		dial:           DialAMQP,
		policy:         func() bool { return true },
		logger:         slog.Default(),
		state:          StateDisabled,
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the connection. Calling it while connected or while a dial is
// in flight is a no-op.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	cm.enabled = true
	cm.mu.Unlock()

	return cm.connect(ctx)
}

func (cm *ConnectionManager) connect(ctx context.Context) error {
	cm.mu.Lock()
	if !cm.enabled {
		cm.mu.Unlock()
		cm.logger.Info("connection to broker is disabled")
		return ErrConnectionDisabled
	}
	if cm.conn != nil || cm.state == StateConnecting {
		cm.mu.Unlock()
		return nil
	}
	if len(cm.urls) == 0 {
		cm.mu.Unlock()
		return &ConnectionError{Op: "connect", Err: ErrNoURLs, Timestamp: time.Now()}
	}
	cm.state = StateConnecting
	start := cm.nextURL
	cm.mu.Unlock()

	cm.logger.Debug("creating broker connection", "app", cm.appName)

	var lastErr error
	var lastURL string
	for i := range cm.urls {
		idx := (start + i) % len(cm.urls)
		lastURL = cm.urls[idx]

		conn, err := cm.dialWithContext(ctx, lastURL)
		if err != nil {
			lastErr = err
			cm.logger.Error("failed to connect to broker",
				"url", SanitizeURL(lastURL),
				"error", err)
			continue
		}

		cm.mu.Lock()
		if !cm.enabled {
			// Close() ran while we were dialing.
			cm.mu.Unlock()
			conn.Close()
			return ErrConnectionDisabled
		}
		cm.conn = conn
		cm.state = StateConnected
		cm.nextURL = idx
		cm.attempts = 0
		notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
		cm.mu.Unlock()

		cm.logger.Info("connected to broker", "url", SanitizeURL(lastURL))

		go cm.watch(conn, notifyClose)
		cm.notifyConnected()
		return nil
	}

	cm.mu.Lock()
	if cm.enabled {
		cm.state = StateDisconnected
	}
	cm.nextURL = (start + 1) % len(cm.urls)
	cm.mu.Unlock()

	connErr := &ConnectionError{
		Op:        "connect",
		URL:       SanitizeURL(lastURL),
		Err:       lastErr,
		Timestamp: time.Now(),
		Attempts:  len(cm.urls),
	}

	if IsTerminalError(lastErr) {
		cm.logger.Error("terminal broker error, not reconnecting", "error", lastErr)
		return connErr
	}

	cm.scheduleReconnect()
	return connErr
}

func (cm *ConnectionManager) dialWithContext(ctx context.Context, url string) (Connection, error) {
	config := amqp.Config{
		Heartbeat:  cm.heartbeat,
		Properties: amqp.Table{"connection_name": cm.appName},
		Dial:       amqp.DefaultDial(cm.dialTimeout),
	}

	type result struct {
		conn Connection
		err  error
	}
	done := make(chan result, 1)

	go func() {
		conn, err := cm.dial(url, config)
		done <- result{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			// Drop a connection that completes after the caller gave up.
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ErrConnectionTimeout
	}
}

// watch waits for the broker to close conn and decides whether to reconnect.
func (cm *ConnectionManager) watch(conn Connection, notifyClose chan *amqp.Error) {
	amqpErr, ok := <-notifyClose

	cm.mu.Lock()
	if cm.conn != conn {
		cm.mu.Unlock()
		return
	}
	cm.conn = nil
	if cm.enabled {
		cm.state = StateDisconnected
	} else {
		cm.state = StateDisabled
	}
	cm.mu.Unlock()

	// A graceful Close() closes the notify channel without an error.
	if !ok || amqpErr == nil {
		cm.notifyDisconnected(nil)
		return
	}

	cm.logger.Error("disconnected from broker", "error", amqpErr.Error())
	if !conn.IsClosed() {
		conn.Close()
	}
	cm.notifyDisconnected(amqpErr)

	if IsTerminalError(amqpErr) {
		cm.logger.Error("terminal broker error, not reconnecting",
			"code", amqpErr.Code,
			"reason", amqpErr.Reason)
		return
	}

	cm.scheduleReconnect()
}

func (cm *ConnectionManager) scheduleReconnect() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.enabled || cm.reconnectTimer != nil {
		return
	}

	cm.attempts++
	attempt := cm.attempts
	cm.reconnectTimer = time.AfterFunc(cm.reconnectDelay, func() {
		cm.mu.Lock()
		cm.reconnectTimer = nil
		cm.mu.Unlock()

		cm.logger.Info("attempting to reconnect", "attempt", attempt)
		if err := cm.connect(context.Background()); err != nil {
			cm.logger.Debug("reconnect attempt failed", "attempt", attempt, "error", err)
		}
	})

	cm.notifyReconnecting(attempt)
}

// Connection returns the live connection. It is only available while connected.
func (cm *ConnectionManager) Connection() (Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.conn == nil || cm.state != StateConnected {
		return nil, ErrBrokerUnavailable
	}
	if cm.conn.IsClosed() {
		return nil, ErrBrokerUnavailable
	}
	return cm.conn, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state == StateConnected
}

// State returns the current connection state
func (cm *ConnectionManager) State() ConnectionState {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state
}

// AppName returns the name the connection reports to the broker
func (cm *ConnectionManager) AppName() string {
	return cm.appName
}

// Close closes the connection and cancels any pending reconnect.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	cm.enabled = false
	cm.state = StateDisabled
	if cm.reconnectTimer != nil {
		cm.reconnectTimer.Stop()
		cm.reconnectTimer = nil
	}
	conn := cm.conn
	cm.conn = nil
	cm.mu.Unlock()

	if conn == nil {
		return nil
	}

	cm.logger.Info("closing broker connection")
	cm.notifyDisconnected(nil)
	if conn.IsClosed() {
		return nil
	}
	return conn.Close()
}

// Start makes the first connectivity decision and then re-evaluates the policy
// every sync interval until ctx is cancelled or Shutdown is called.
func (cm *ConnectionManager) Start(ctx context.Context) {
	cm.syncMu.Lock()
	defer cm.syncMu.Unlock()

	if cm.syncCancel != nil {
		return
	}

	cm.syncStatus(ctx)

	syncCtx, cancel := context.WithCancel(ctx)
	cm.syncCancel = cancel
	cm.syncDone = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(cm.syncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				cm.syncStatus(syncCtx)
			case <-syncCtx.Done():
				return
			}
		}
	}(cm.syncDone)
}

// syncStatus applies the connectivity policy when its decision changed.
func (cm *ConnectionManager) syncStatus(ctx context.Context) {
	desired := cm.policy()

	cm.mu.RLock()
	current := cm.enabled
	cm.mu.RUnlock()

	if desired == current {
		return
	}

	if desired {
		cm.logger.Info("broker connection enabled")
		if err := cm.Connect(ctx); err != nil {
			cm.logger.Warn("initial broker connection failed", "error", err)
		}
		return
	}

	cm.logger.Info("broker connection disabled")
	if err := cm.Close(); err != nil {
		cm.logger.Error("failed to close broker connection", "error", err)
	}
}

// Shutdown stops the sync task and closes the connection
func (cm *ConnectionManager) Shutdown() error {
	cm.syncMu.Lock()
	if cm.syncCancel != nil {
		cm.syncCancel()
		<-cm.syncDone
		cm.syncCancel = nil
	}
	cm.syncMu.Unlock()

	return cm.Close()
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}

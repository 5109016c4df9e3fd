package health

import (
	"context"
	"time"

	"github.com/glimte/beehive/internal/rabbitmq"
)

// BrokerState is what BrokerChecker reads from the connection manager
type BrokerState interface {
	State() rabbitmq.ConnectionState
	Connection() (rabbitmq.Connection, error)
}

// BrokerChecker checks the broker connection
type BrokerChecker struct {
	broker BrokerState
}

// NewBrokerChecker creates a new broker health checker
func NewBrokerChecker(broker BrokerState) *BrokerChecker {
	return &BrokerChecker{broker: broker}
}

func (c *BrokerChecker) Name() string {
	return "rabbitmq"
}

// Check reports a disabled broker as healthy. A connected broker is probed by
// opening and closing a channel.
func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.broker.State()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]interface{}{"state": state.String()},
	}

	switch state {
	case rabbitmq.StateDisabled:
		result.Status = StatusHealthy
		result.Message = "Broker connection is disabled"
	case rabbitmq.StateConnecting:
		result.Status = StatusDegraded
		result.Message = "Connecting to broker"
	case rabbitmq.StateDisconnected:
		result.Status = StatusUnhealthy
		result.Message = "Broker is disconnected"
	default:
		c.probe(&result)
	}

	result.Duration = time.Since(start)
	return result
}

func (c *BrokerChecker) probe(result *CheckResult) {
	conn, err := c.broker.Connection()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to get connection"
		result.Error = err.Error()
		return
	}

	ch, err := conn.Channel()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to create channel"
		result.Error = err.Error()
		return
	}
	_ = ch.Close()

	result.Status = StatusHealthy
	result.Message = "Connection is healthy"
}

// SessionCounter reports the number of live sessions
type SessionCounter interface {
	Len() int
}

// SessionChecker reports the number of connected bees. It never fails.
type SessionChecker struct {
	sessions SessionCounter
}

// NewSessionChecker creates a session registry checker
func NewSessionChecker(sessions SessionCounter) *SessionChecker {
	return &SessionChecker{sessions: sessions}
}

func (c *SessionChecker) Name() string {
	return "sessions"
}

func (c *SessionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	return CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   "Session registry is available",
		Details:   map[string]interface{}{"active": c.sessions.Len()},
		Timestamp: start,
		Duration:  time.Since(start),
	}
}

// Pinger is a backend that can be pinged
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreChecker pings the persistence backend
type StoreChecker struct {
	store Pinger
}

// NewStoreChecker creates a store health checker
func NewStoreChecker(store Pinger) *StoreChecker {
	return &StoreChecker{store: store}
}

func (c *StoreChecker) Name() string {
	return "store"
}

func (c *StoreChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Status:    StatusHealthy,
		Message:   "Store is reachable",
	}

	if err := c.store.Ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Store ping failed"
		result.Error = err.Error()
	}

	result.Duration = time.Since(start)
	return result
}

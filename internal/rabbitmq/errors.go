package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// Connection errors
	ErrBrokerUnavailable  = errors.New("rabbitmq: broker unavailable")
	ErrConnectionDisabled = errors.New("rabbitmq: connection disabled")
	ErrConnectionTimeout  = errors.New("rabbitmq: connection timeout")
	ErrNoURLs             = errors.New("rabbitmq: no broker urls configured")

	// Channel errors
	ErrChannelNotFound = errors.New("rabbitmq: publish channel not found")
	ErrChannelClosed   = errors.New("rabbitmq: channel is closed")

	// Publisher errors
	ErrPublishTimeout      = errors.New("rabbitmq: publish timeout")
	ErrPublishNotConfirmed = errors.New("rabbitmq: publish not confirmed")

	// Consumer errors
	ErrInvalidRetryPayload = errors.New("rabbitmq: retry payload is not a JSON object")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// terminalErrors are disconnect reasons that must not trigger an automatic reconnect.
var terminalErrors = []string{
	"channel-error",
	"precondition-failed",
	"not-allowed",
	"access-refused",
}

var terminalCodes = map[int]bool{
	amqp.ChannelError:       true,
	amqp.PreconditionFailed: true,
	amqp.NotAllowed:         true,
	amqp.AccessRefused:      true,
}

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of urls tried
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("rabbitmq connection error: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelSetupError is returned when a publish or consume channel cannot be set up.
// It is fatal for that channel only.
type ChannelSetupError struct {
	Name      string    // Exchange or queue the channel serves
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelSetupError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s for %s: %v", e.Op, e.Name, e.Err)
}

func (e *ChannelSetupError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %s/%s: %v",
		e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// HandlerError wraps a failure returned (or panicked) by a consumer handler.
type HandlerError struct {
	Queue     string
	MessageID string
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("rabbitmq handler error: queue %s message %q: %v", e.Queue, e.MessageID, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// TopologyError represents a topology-related error
type TopologyError struct {
	Component string    // Component type (exchange, queue, binding)
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// IsTerminalError reports whether a disconnect reason belongs to the terminal set
// (channel-error, precondition-failed, not-allowed, access-refused). Terminal
// errors are logged and never retried automatically.
func IsTerminalError(err error) bool {
	if err == nil {
		return false
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && terminalCodes[amqpErr.Code] {
		return true
	}

	// Broker reasons arrive as ACCESS_REFUSED, clients tend to write access-refused.
	msg := strings.ReplaceAll(strings.ToLower(err.Error()), "_", "-")
	for _, reason := range terminalErrors {
		if strings.Contains(msg, reason) {
			return true
		}
	}
	return false
}

// SanitizeURL removes the password from a broker URL so it can be logged.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}

package health

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/glimte/beehive/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func staticChecker(name string, status Status) Checker {
	return NewCheckerFunc(name, func(ctx context.Context) CheckResult {
		return CheckResult{Name: name, Status: status, Timestamp: time.Now()}
	})
}

func TestRegistry(t *testing.T) {
	t.Run("empty registry is healthy", func(t *testing.T) {
		health := NewRegistry().Check(context.Background())
		assert.Equal(t, StatusHealthy, health.Status)
		assert.Empty(t, health.Checks)
	})

	t.Run("worst status wins", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(staticChecker("a", StatusHealthy))
		registry.Register(staticChecker("b", StatusDegraded))

		health := registry.Check(context.Background())
		assert.Equal(t, StatusDegraded, health.Status)
		assert.Len(t, health.Checks, 2)

		registry.Register(staticChecker("c", StatusUnhealthy))
		assert.Equal(t, StatusUnhealthy, registry.Check(context.Background()).Status)

		registry.Register(staticChecker("c", StatusHealthy))
		assert.Len(t, registry.Check(context.Background()).Checks, 3)
		assert.Equal(t, StatusDegraded, registry.Check(context.Background()).Status)
	})

	t.Run("metadata is copied into the result", func(t *testing.T) {
		registry := NewRegistry()
		registry.SetMetadata("app", "beehive")

		health := registry.Check(context.Background())
		assert.Equal(t, "beehive", health.Metadata["app"])
	})

	t.Run("slow checks time out as unhealthy", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(NewCheckerFunc("slow", func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return CheckResult{Name: "slow", Status: StatusHealthy}
		}))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		health := registry.Check(ctx)
		assert.Equal(t, StatusUnhealthy, health.Status)
		assert.Equal(t, "Check timed out", health.Checks["slow"].Message)
	})
}

func TestStatus_HTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusOK, StatusHealthy.HTTPStatus())
	assert.Equal(t, http.StatusOK, StatusDegraded.HTTPStatus())
	assert.Equal(t, http.StatusServiceUnavailable, StatusUnhealthy.HTTPStatus())
}

type mockBroker struct {
	mock.Mock
}

func (m *mockBroker) State() rabbitmq.ConnectionState {
	return m.Called().Get(0).(rabbitmq.ConnectionState)
}

func (m *mockBroker) Connection() (rabbitmq.Connection, error) {
	args := m.Called()
	conn, _ := args.Get(0).(rabbitmq.Connection)
	return conn, args.Error(1)
}

type stubChannel struct {
	rabbitmq.Channel
	closed bool
}

func (c *stubChannel) Close() error {
	c.closed = true
	return nil
}

type stubConnection struct {
	ch  *stubChannel
	err error
}

func (c *stubConnection) Channel() (rabbitmq.Channel, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.ch, nil
}

func (c *stubConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error { return receiver }
func (c *stubConnection) IsClosed() bool                                       { return false }
func (c *stubConnection) Close() error                                         { return nil }

func TestBrokerChecker(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled is healthy", func(t *testing.T) {
		broker := &mockBroker{}
		broker.On("State").Return(rabbitmq.StateDisabled)

		result := NewBrokerChecker(broker).Check(ctx)
		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, "disabled", result.Details["state"])
		broker.AssertNotCalled(t, "Connection")
	})

	t.Run("connecting is degraded", func(t *testing.T) {
		broker := &mockBroker{}
		broker.On("State").Return(rabbitmq.StateConnecting)
		assert.Equal(t, StatusDegraded, NewBrokerChecker(broker).Check(ctx).Status)
	})

	t.Run("disconnected is unhealthy", func(t *testing.T) {
		broker := &mockBroker{}
		broker.On("State").Return(rabbitmq.StateDisconnected)
		assert.Equal(t, StatusUnhealthy, NewBrokerChecker(broker).Check(ctx).Status)
	})

	t.Run("connected probes a channel", func(t *testing.T) {
		ch := &stubChannel{}
		broker := &mockBroker{}
		broker.On("State").Return(rabbitmq.StateConnected)
		broker.On("Connection").Return(&stubConnection{ch: ch}, nil)

		result := NewBrokerChecker(broker).Check(ctx)
		assert.Equal(t, StatusHealthy, result.Status)
		assert.True(t, ch.closed)
	})

	t.Run("connected but channel fails", func(t *testing.T) {
		broker := &mockBroker{}
		broker.On("State").Return(rabbitmq.StateConnected)
		broker.On("Connection").Return(&stubConnection{err: errors.New("channel limit")}, nil)

		result := NewBrokerChecker(broker).Check(ctx)
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, "channel limit", result.Error)
	})

	t.Run("connection lost between reads", func(t *testing.T) {
		broker := &mockBroker{}
		broker.On("State").Return(rabbitmq.StateConnected)
		broker.On("Connection").Return(nil, rabbitmq.ErrBrokerUnavailable)

		result := NewBrokerChecker(broker).Check(ctx)
		assert.Equal(t, StatusUnhealthy, result.Status)
	})
}

type sessionCount int

func (n sessionCount) Len() int { return int(n) }

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestSessionChecker(t *testing.T) {
	result := NewSessionChecker(sessionCount(3)).Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
	assert.Equal(t, 3, result.Details["active"])
}

func TestStoreChecker(t *testing.T) {
	ok := NewStoreChecker(pingFunc(func(context.Context) error { return nil }))
	assert.Equal(t, StatusHealthy, ok.Check(context.Background()).Status)

	failing := NewStoreChecker(pingFunc(func(context.Context) error { return errors.New("no server") }))
	result := failing.Check(context.Background())
	require.Equal(t, StatusUnhealthy, result.Status)
	assert.Equal(t, "no server", result.Error)
}

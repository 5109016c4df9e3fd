// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package beehive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/glimte/beehive/health"
	"github.com/glimte/beehive/internal/api"
	"github.com/glimte/beehive/internal/config"
	"github.com/glimte/beehive/internal/hive"
	"github.com/glimte/beehive/internal/notification"
	"github.com/glimte/beehive/internal/rabbitmq"
	"github.com/glimte/beehive/internal/session"
	"github.com/glimte/beehive/internal/store"
	"github.com/glimte/beehive/internal/store/memory"
	"github.com/glimte/beehive/internal/store/mongodb"
)

// Client wires the broker connection, the session registry, the store and the
// HTTP surface into one service.
type Client struct {
	config     *config.Config
	logger     *slog.Logger
	conn       *rabbitmq.ConnectionManager
	channels   *rabbitmq.ChannelManager
	sessions   *session.Broker
	store      store.Store
	service    *hive.Service
	dispatcher *notification.Dispatcher
	health     *health.Registry
	router     *api.Router
}

// NewClient builds every component from cfg. Nothing touches the broker until
// Start.
func NewClient(ctx context.Context, cfg *config.Config, options ...ClientOption) (*Client, error) {
	opts := &clientConfig{
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(opts)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	db := opts.store
	if db == nil {
		var err error
		db, err = openStore(ctx, cfg.Mongo, opts.logger)
		if err != nil {
			return nil, err
		}
	}

	sessions := session.NewBroker(
		session.WithTTL(cfg.Session.TTL),
		session.WithBufferSize(cfg.Session.BufferSize),
		session.WithLogger(opts.logger),
	)

	connOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(opts.logger),
		rabbitmq.WithAppName(cfg.AppName),
		rabbitmq.WithHeartbeat(cfg.RabbitMQ.Heartbeat),
		rabbitmq.WithReconnectDelay(cfg.RabbitMQ.ReconnectDelay),
		rabbitmq.WithSyncInterval(cfg.RabbitMQ.SyncInterval),
		rabbitmq.WithDisabled(!cfg.RabbitMQ.Enabled),
	}
	if opts.dialer != nil {
		connOpts = append(connOpts, rabbitmq.WithDialer(opts.dialer))
	}
	conn := rabbitmq.NewConnectionManager(cfg.RabbitMQ.URLs, connOpts...)

	channels := rabbitmq.NewChannelManager(conn,
		rabbitmq.WithChannelLogger(opts.logger),
		rabbitmq.WithPublishTimeout(cfg.RabbitMQ.PublishTimeout),
		rabbitmq.WithDelayedRetry(cfg.RabbitMQ.DelayedRetry),
	)

	service := hive.NewService(db, db, sessions, channels, hive.WithLogger(opts.logger))
	sessions.SetExpiryHook(service.ExpiryHook())

	dispatcher := notification.NewDispatcher(db, db, sessions, notification.WithLogger(opts.logger))

	registry := health.NewRegistry()
	registry.SetMetadata("app", cfg.AppName)
	registry.Register(health.NewBrokerChecker(conn))
	registry.Register(health.NewSessionChecker(sessions))
	registry.Register(health.NewStoreChecker(db))

	return &Client{
		config:     cfg,
		logger:     opts.logger,
		conn:       conn,
		channels:   channels,
		sessions:   sessions,
		store:      db,
		service:    service,
		dispatcher: dispatcher,
		health:     registry,
		router:     api.NewRouter(service, service, registry, api.WithLogger(opts.logger)),
	}, nil
}

func openStore(ctx context.Context, cfg config.MongoConfig, logger *slog.Logger) (store.Store, error) {
	if cfg.URI == "" {
		logger.Info("using in-memory store")
		return memory.New(), nil
	}

	db, err := mongodb.New(ctx, cfg.URI, cfg.Database)
	if err != nil {
		return nil, err
	}
	logger.Info("using MongoDB store", "database", cfg.Database)
	return db, nil
}

// Start clears stale bees, registers the message exchange and its consumer, and
// starts the broker connectivity sync.
func (c *Client) Start(ctx context.Context) error {
	if c.config.ResetBees {
		if err := c.service.Reset(ctx); err != nil {
			return err
		}
	}

	if err := c.channels.CreatePublishChannel(ctx, hive.MessageExchange, rabbitmq.DefaultExchangeType); err != nil {
		return fmt.Errorf("failed to create publish channel: %w", err)
	}

	err := c.channels.ConsumeQueue(ctx, rabbitmq.ConsumerOptions{Queue: hive.MessageExchange}, c.dispatcher.Handler())
	if err != nil {
		return fmt.Errorf("failed to register message consumer: %w", err)
	}

	c.conn.Start(ctx)
	c.logger.Info("beehive started",
		"app", c.config.AppName,
		"broker_enabled", c.config.RabbitMQ.Enabled,
		"broker_state", c.conn.State().String(),
	)
	return nil
}

// Handler returns the HTTP handler
func (c *Client) Handler() http.Handler {
	return c.router.Engine()
}

// Service returns the bee and message service
func (c *Client) Service() *hive.Service {
	return c.service
}

// Sessions returns the session registry
func (c *Client) Sessions() *session.Broker {
	return c.sessions
}

// Channels returns the channel manager
func (c *Client) Channels() *rabbitmq.ChannelManager {
	return c.channels
}

// Connection returns the broker connection manager
func (c *Client) Connection() *rabbitmq.ConnectionManager {
	return c.conn
}

// Health returns the health check registry
func (c *Client) Health() *health.Registry {
	return c.health
}

// Close stops consumers, closes the broker connection, ends every session and
// closes the store.
func (c *Client) Close(ctx context.Context) error {
	var errs []error
	if err := c.channels.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.conn.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	c.sessions.Close()
	if err := c.store.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// clientConfig holds client configuration
type clientConfig struct {
	logger *slog.Logger
	store  store.Store
	dialer rabbitmq.Dialer
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithStore replaces the store selected by the configuration
func WithStore(db store.Store) ClientOption {
	return func(cfg *clientConfig) {
		cfg.store = db
	}
}

// WithDialer replaces the broker dialer
func WithDialer(dial rabbitmq.Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = dial
	}
}

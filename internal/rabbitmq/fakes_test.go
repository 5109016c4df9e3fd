package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
)

// mockAcknowledger records acknowledgements made through amqp.Delivery.
type mockAcknowledger struct {
	mock.Mock
}

func (m *mockAcknowledger) Ack(tag uint64, multiple bool) error {
	args := m.Called(tag, multiple)
	return args.Error(0)
}

func (m *mockAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	args := m.Called(tag, multiple, requeue)
	return args.Error(0)
}

func (m *mockAcknowledger) Reject(tag uint64, requeue bool) error {
	args := m.Called(tag, requeue)
	return args.Error(0)
}

func newDelivery(ack amqp.Acknowledger, tag uint64, body string) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  tag,
		MessageId:    "msg-1",
		ContentType:  "application/json",
		Body:         []byte(body),
	}
}

type publishedMessage struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

// fakeChannel is an in-memory Channel that records everything done on it.
type fakeChannel struct {
	mu          sync.Mutex
	closed      bool
	confirmMode bool
	nackPublish bool
	nackTags    map[uint64]bool
	confirmLag  time.Duration
	publishErr  error
	consumeErr  error

	exchanges  map[string]string
	exchArgs   map[string]amqp.Table
	queues     []string
	bindings   []Binding
	prefetch   int
	published  []publishedMessage
	confirms   chan amqp.Confirmation
	deliveries map[string]chan amqp.Delivery
	gets       []amqp.Delivery
	nacks      []uint64
	seq        uint64
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		exchanges:  make(map[string]string),
		exchArgs:   make(map[string]amqp.Table),
		deliveries: make(map[string]chan amqp.Delivery),
	}
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchanges[name] = kind
	c.exchArgs[name] = args
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues = append(c.queues, name)
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings = append(c.bindings, Binding{Queue: name, Exchange: exchange, RoutingKey: key})
	return nil
}

func (c *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prefetch = prefetchCount
	return nil
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumeErr != nil {
		return nil, c.consumeErr
	}
	ch := make(chan amqp.Delivery, 16)
	c.deliveries[queue] = ch
	return ch, nil
}

func (c *fakeChannel) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.gets) == 0 {
		return amqp.Delivery{}, false, nil
	}
	d := c.gets[0]
	c.gets = c.gets[1:]
	return d, true, nil
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, publishedMessage{Exchange: exchange, RoutingKey: key, Msg: msg})
	if c.confirmMode && c.confirms != nil {
		c.seq++
		confirm := amqp.Confirmation{DeliveryTag: c.seq, Ack: !c.nackPublish && !c.nackTags[c.seq]}
		if c.confirmLag > 0 {
			go c.confirmLater(confirm, c.confirmLag)
		} else {
			c.confirms <- confirm
		}
	}
	return nil
}

func (c *fakeChannel) confirmLater(confirm amqp.Confirmation, lag time.Duration) {
	time.Sleep(lag)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.confirms == nil {
		return
	}
	c.confirms <- confirm
}

func (c *fakeChannel) Confirm(noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirmMode = true
	return nil
}

func (c *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirms = confirm
	return confirm
}

func (c *fakeChannel) Nack(tag uint64, multiple, requeue bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nacks = append(c.nacks, tag)
	return nil
}

func (c *fakeChannel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.confirms != nil {
		close(c.confirms)
		c.confirms = nil
	}
	for queue, ch := range c.deliveries {
		close(ch)
		delete(c.deliveries, queue)
	}
	return nil
}

func (c *fakeChannel) setNackPublish(nack bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nackPublish = nack
}

// delayConfirms makes the broker confirm every publish after lag and nack the
// publishes with the given delivery tags.
func (c *fakeChannel) delayConfirms(lag time.Duration, nack ...uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirmLag = lag
	c.nackTags = make(map[uint64]bool, len(nack))
	for _, tag := range nack {
		c.nackTags[tag] = true
	}
}

func (c *fakeChannel) deliver(queue string, d amqp.Delivery) bool {
	c.mu.Lock()
	ch, ok := c.deliveries[queue]
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- d
	return true
}

func (c *fakeChannel) consuming(queue string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.deliveries[queue]
	return ok
}

func (c *fakeChannel) publishes() []publishedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]publishedMessage, len(c.published))
	copy(out, c.published)
	return out
}

// fakeConnection hands out fakeChannels and lets tests drop the connection.
type fakeConnection struct {
	mu         sync.Mutex
	closed     bool
	channelErr error
	channels   []*fakeChannel
	notify     []chan *amqp.Error
}

func (c *fakeConnection) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	if c.channelErr != nil {
		return nil, c.channelErr
	}
	ch := newFakeChannel()
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConnection) setChannelErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channelErr = err
}

func (c *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *fakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConnection) Close() error {
	return c.shutdown(nil)
}

// drop simulates the broker closing the connection with reason.
func (c *fakeConnection) drop(reason *amqp.Error) {
	c.shutdown(reason)
}

func (c *fakeConnection) shutdown(reason *amqp.Error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	channels := c.channels
	notify := c.notify
	c.notify = nil
	c.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
	for _, n := range notify {
		if reason != nil {
			n <- reason
		}
		close(n)
	}
	return nil
}

func (c *fakeConnection) channelFor(queue string) *fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.channels {
		if ch.consuming(queue) {
			return ch
		}
	}
	return nil
}

func (c *fakeConnection) allChannels() []*fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*fakeChannel, len(c.channels))
	copy(out, c.channels)
	return out
}

// fakeDialer returns a new fakeConnection per dial and remembers them.
type fakeDialer struct {
	mu    sync.Mutex
	err   error
	conns []*fakeConnection
	urls  []string
}

func (d *fakeDialer) dial(url string, config amqp.Config) (Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if d.err != nil {
		return nil, d.err
	}
	conn := &fakeConnection{}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) last() *fakeConnection {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

var errDialRefused = errors.New("dial tcp 127.0.0.1:5672: connect: connection refused")

package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology is the set of exchanges, queues and bindings one channel needs.
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// declareTopology declares queues first, then exchanges, then bindings.
func declareTopology(ch Channel, topology Topology) error {
	for _, queue := range topology.Queues {
		if _, err := ch.QueueDeclare(
			queue.Name,
			queue.Durable,
			queue.AutoDelete,
			queue.Exclusive,
			false, // no-wait
			queue.Arguments,
		); err != nil {
			return &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err, Timestamp: time.Now()}
		}
	}

	for _, exchange := range topology.Exchanges {
		if err := ch.ExchangeDeclare(
			exchange.Name,
			exchange.Type,
			exchange.Durable,
			exchange.AutoDelete,
			false, // internal
			false, // no-wait
			exchange.Arguments,
		); err != nil {
			return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err, Timestamp: time.Now()}
		}
	}

	for _, binding := range topology.Bindings {
		if err := ch.QueueBind(
			binding.Queue,
			binding.RoutingKey,
			binding.Exchange,
			false, // no-wait
			binding.Arguments,
		); err != nil {
			return &TopologyError{Component: "binding", Name: binding.Queue + "->" + binding.Exchange, Op: "bind", Err: err, Timestamp: time.Now()}
		}
	}

	return nil
}

// PrimaryTopology is the queue, exchange and binding a consumer reads from.
func PrimaryTopology(opts ConsumerOptions) Topology {
	return Topology{
		Queues: []QueueDeclaration{
			{Name: opts.Queue, Durable: true},
		},
		Exchanges: []ExchangeDeclaration{
			{Name: opts.Exchange, Type: opts.ExchangeType, Durable: true},
		},
		Bindings: []Binding{
			{Queue: opts.Queue, Exchange: opts.Exchange, RoutingKey: opts.RoutingKey},
		},
	}
}

// RetryTopology declares the retry queue, the shared dead-letter queue bound to
// its own exchange, and the retry exchange. With delayed set, the retry exchange
// uses the delayed message exchange type so the x-delay header is honoured.
func RetryTopology(opts ConsumerOptions, delayed bool) Topology {
	retryExchange := ExchangeDeclaration{Name: opts.Retry.Exchange, Type: DefaultExchangeType, Durable: true}
	if delayed {
		retryExchange.Type = "x-delayed-message"
		retryExchange.Arguments = amqp.Table{"x-delayed-type": DefaultExchangeType}
	}

	return Topology{
		Queues: []QueueDeclaration{
			{Name: opts.RetryQueue(), Durable: true},
			{Name: DeadLetterQueue, Durable: true},
		},
		Exchanges: []ExchangeDeclaration{
			{Name: DeadLetterExchange, Type: DefaultExchangeType, Durable: true},
			retryExchange,
		},
		Bindings: []Binding{
			{Queue: DeadLetterQueue, Exchange: DeadLetterExchange, RoutingKey: DeadLetterQueue},
			{Queue: opts.RetryQueue(), Exchange: opts.Retry.Exchange, RoutingKey: opts.Retry.RoutingKey},
		},
	}
}

package rabbitmq

import (
	"fmt"
	"strings"
	"time"
)

// Consumer defaults applied by ConsumerOptions.WithDefaults.
const (
	DefaultExchangeType  = "direct"
	DefaultPrefetch      = 15
	DefaultRetryMaxCount = 10
	DefaultRetryDelay    = 5 * time.Second
	DefaultRetrySuffix   = "_retry"
	DefaultRetryExchange = "bee-retry"
)

// Fixed names of the shared dead-letter topology and the retry envelope.
const (
	DeadLetterQueue    = "deadletter"
	DeadLetterExchange = "deadletter"
	RetryCountField    = "rmq_retry_count"
	DelayHeader        = "x-delay"
)

// RetryOptions configures the retry and dead-letter behaviour of a consumer.
// The zero value means retries enabled with the package defaults.
type RetryOptions struct {
	Disabled   bool
	MaxCount   int
	Delay      time.Duration
	Suffix     string
	Exchange   string
	RoutingKey string
}

// ConsumerOptions describes one consumer registration.
type ConsumerOptions struct {
	Queue        string
	Exchange     string
	ExchangeType string
	RoutingKey   string
	Prefetch     int
	Retry        RetryOptions
}

// WithDefaults returns a copy with every unset field filled in. Exchange and
// routing key fall back to the queue name.
func (o ConsumerOptions) WithDefaults() ConsumerOptions {
	if o.Exchange == "" {
		o.Exchange = o.Queue
	}
	if o.ExchangeType == "" {
		o.ExchangeType = DefaultExchangeType
	}
	if o.RoutingKey == "" {
		o.RoutingKey = o.Queue
	}
	if o.Prefetch <= 0 {
		o.Prefetch = DefaultPrefetch
	}
	o.Retry = o.Retry.withDefaults()
	if o.Retry.RoutingKey == "" {
		o.Retry.RoutingKey = o.RetryQueue()
	}
	return o
}

// RetryQueue is the name of the queue holding messages awaiting retry.
func (o ConsumerOptions) RetryQueue() string {
	suffix := o.Retry.Suffix
	if suffix == "" {
		suffix = DefaultRetrySuffix
	}
	return o.Queue + suffix
}

// Validate checks the options after defaults were applied
func (o ConsumerOptions) Validate() error {
	if o.Queue == "" {
		return fmt.Errorf("%w: consumer queue is required", ErrInvalidConfiguration)
	}
	if strings.HasSuffix(o.Queue, o.Retry.Suffix) {
		return fmt.Errorf("%w: queue %q already carries the retry suffix %q",
			ErrInvalidConfiguration, o.Queue, o.Retry.Suffix)
	}
	if o.Retry.MaxCount < 0 {
		return fmt.Errorf("%w: retry max count must not be negative", ErrInvalidConfiguration)
	}
	return nil
}

func (r RetryOptions) withDefaults() RetryOptions {
	if r.MaxCount == 0 {
		r.MaxCount = DefaultRetryMaxCount
	}
	if r.Delay == 0 {
		r.Delay = DefaultRetryDelay
	}
	if r.Suffix == "" {
		r.Suffix = DefaultRetrySuffix
	}
	if r.Exchange == "" {
		r.Exchange = DefaultRetryExchange
	}
	return r
}

// DefaultRetryPolicy is the policy ChannelManager.Retry uses for queues it has no
// consumer registration for.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy(RetryOptions{}.withDefaults())
}

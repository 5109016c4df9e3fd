// Package rabbitmq provides the RabbitMQ side of the beehive delivery pipeline.
//
// This package includes:
//   - ConnectionManager: Owns the broker connection, reconnects after non-terminal failures
//     and follows a connectivity policy re-evaluated on a fixed interval
//   - ChannelManager: Confirm-mode publish channels keyed by exchange and consumer
//     registrations that are restored after every reconnect
//   - RetryPolicy: Republishes failed deliveries to a retry queue with a delay header
//     and a retry counter carried in the JSON body
//   - Dead letters: Exhausted deliveries end up in the shared deadletter queue, which
//     PeekDeadLetters can inspect without consuming
//
// Every delivery is acknowledged once its handler returns. Failures are handled by
// publishing a new message rather than requeueing the original.
package rabbitmq

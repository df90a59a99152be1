// Package endpoint provides the components that move messages between channels.
//
// Producers push messages into an output channel:
//   - SourcePollingChannelAdapter: polls a MessageSource on a Trigger
//   - ProducerSupport: embeddable base for event-driven producers
//
// Consumers take messages from an input channel and hand them to a handler:
//   - EventDrivenConsumer: subscribes to a subscribable channel
//   - PollingConsumer: polls a pollable channel on a Trigger
//
// Handlers produce replies sent to their output channel or to the replyChannel
// header: service activators, transformers, filters, bridges and logging
// handlers. Handler calls can be wrapped with retry and circuit breaker advice.
//
// Polling endpoints never stop because of a failed cycle. The failure is sent
// as an error message to the error channel, or logged when none is configured.
package endpoint

// Package channel provides the message channels that connect endpoints in a flow.
//
// Channel kinds:
//   - DirectChannel: synchronous, round-robin delivery to one subscriber on the caller's goroutine
//   - QueueChannel: buffered FIFO handoff, consumed by polling
//   - FixedSubscriberChannel: direct delivery to exactly one subscriber set once
//   - PublishSubscribeChannel: broadcast to every subscriber
//   - ExecutorChannel: asynchronous delivery through a worker pool
//
// Send reports non-fatal rejection (full queue, no subscriber) as false rather than an
// error. Errors are reserved for subscriber failures propagated through direct dispatch.
//
// Channels accept ChannelInterceptors for cross-cutting concerns such as logging,
// metrics, tracing and wire taps.
package channel

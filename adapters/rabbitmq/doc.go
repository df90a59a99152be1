// Package rabbitmq connects integration flows to a RabbitMQ broker.
//
// This package includes:
//   - ConnectionManager: holds the broker connection and reconnects with backoff
//   - InboundChannelAdapter: a message producer consuming a queue
//   - QueueSource: a polled message source reading a queue with basic.get
//   - OutboundHandler: a terminal handler publishing to an exchange
//   - DeclareTopology: declares exchanges, queues and bindings
//
// Payloads cross the broker as JSON encoded by a serialization.Codec. The
// payload type name travels in the AMQP type property so registered types
// decode back into their Go type.
package rabbitmq

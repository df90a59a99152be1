// Package redisstream connects integration flows to Redis Streams.
//
// OutboundHandler appends messages to a stream with XADD. InboundChannelAdapter
// reads a stream through a consumer group with XREADGROUP and acknowledges
// entries with XACK once they were delivered to its output channel. Each entry
// holds one serialization envelope in its "envelope" field.
package redisstream

// Package event bridges in-process events into messages.
//
// Events are published on an explicit Bus. An ApplicationEventSource listens
// on the bus while it is running and sends each accepted event as a message
// payload to its output channel. Without type filters every event is
// accepted; otherwise the first filter type the event satisfies wins and the
// event is sent once.
package event

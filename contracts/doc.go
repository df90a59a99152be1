// Package contracts provides the core message types and error taxonomy for mmate-flow.
//
// This package defines what flows through an integration flow:
//   - Message: immutable envelope carrying a payload, headers, an id and a timestamp
//   - Headers: read-only view over message metadata
//   - MessageBuilder: copy-for-mutation helper producing new messages
//   - MessagingError: payload of error messages produced by pollers and gateways
//
// Messages are never modified after construction. Deriving a message from another
// always yields a new id; correlation headers are carried over.
package contracts

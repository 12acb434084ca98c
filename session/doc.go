// Package session implements the conversation history subsystem: durable
// session/message/compression records, the cache-then-durable-store read
// path, phase-specific history injection, and token-budget-aware history
// compression.
//
// The Store is the sole writer of Session, Message, and CompressionRecord
// rows; every other component holds them only as read models for the
// duration of a request.
package session

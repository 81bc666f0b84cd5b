// Package queue defines the external message queue adapter contract used by
// the Queue Dispatcher (§4.4 of the spec): connect, disconnect, receive (a
// lazy sequence of messages carrying opaque delivery tokens), complete,
// abandon. Kafka is the provided implementation; other backends plug in via
// the same surface.
package queue

import (
	"context"
	"encoding/json"
)

// Envelope is the queue dispatcher's message schema (§4.4).
type Envelope struct {
	HandlerName string          `json:"handler_name"`
	Params      json.RawMessage `json:"params,omitempty"`
	JobID       *int64          `json:"job_id,omitempty"`
}

// Message pairs a decoded Envelope with the adapter-opaque delivery token
// needed to Complete or Abandon it.
type Message struct {
	Envelope Envelope
	token    any
}

// Adapter is the queue dispatcher's view of an external message bus.
type Adapter interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// Receive blocks until a message is available or ctx is cancelled.
	Receive(ctx context.Context) (*Message, error)

	// Complete acknowledges successful processing of msg.
	Complete(ctx context.Context, msg *Message) error

	// Abandon returns msg to the queue for redelivery.
	Abandon(ctx context.Context, msg *Message) error
}

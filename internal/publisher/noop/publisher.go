// Package noop provides a Publisher that drops every message.
package noop

import "context"

// Publisher discards payloads. It stands in when publishing is disabled.
type Publisher struct{}

// New returns a noop Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish drops the payload and reports an empty message ID.
func (*Publisher) Publish(context.Context, string, any) (string, error) {
	return "", nil
}

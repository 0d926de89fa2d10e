// Package queue defines the job notification transport. Scan jobs are
// persisted in the store; the queue only carries "work is available"
// notifications, so losing a message is harmless and duplicate
// delivery is resolved by the job lease.
package queue

import (
	"context"
	"time"
)

// Message notifies workers that a job is ready.
type Message struct {
	JobID     string            `json:"job_id"`
	SiteID    string            `json:"site_id"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Handler consumes one delivered message. Delivery is at-least-once;
// handlers must be idempotent.
type Handler func(ctx context.Context, msg Message)

// Provider is a message queue abstraction. Implementations exist for
// GCP Pub/Sub and for an in-process channel used in tests and
// single-binary deployments.
type Provider interface {
	// Publish sends a message to the configured topic.
	Publish(ctx context.Context, msg Message) error

	// Receive blocks, invoking handler for each delivered message,
	// until the context is done or the provider is closed.
	Receive(ctx context.Context, handler Handler) error

	// Close cleans up any client connections and resources.
	Close() error
}

// NoOpProvider is a queue provider that performs no operations. It is
// useful when running with the polling dispatcher only.
type NoOpProvider struct{}

// Publish does nothing and returns nil.
func (NoOpProvider) Publish(context.Context, Message) error { return nil }

// Receive blocks until the context is done.
func (NoOpProvider) Receive(ctx context.Context, _ Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

// Close does nothing and returns nil.
func (NoOpProvider) Close() error { return nil }

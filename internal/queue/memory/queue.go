// Package memory provides a queue implementation for local
// development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/webmonitor/sitewatch/internal/queue"
)

// ErrClosed is returned once the queue has been shut down.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan queue.Message
	closeMu sync.Mutex
	closed  bool
}

// New constructs a queue with the provided capacity.
func New(capacity int) *Queue {
	return &Queue{ch: make(chan queue.Message, capacity)}
}

// Publish pushes a message into the queue or returns if the context
// ends first.
func (q *Queue) Publish(ctx context.Context, msg queue.Message) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("publish canceled: %w", ctx.Err())
	case q.ch <- msg:
		return nil
	}
}

// Receive delivers messages to handler until the context finishes or
// the queue closes.
func (q *Queue) Receive(ctx context.Context, handler queue.Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-q.ch:
			if !ok {
				return ErrClosed
			}
			handler(ctx, msg)
		}
	}
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() error {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return nil
	}
	close(q.ch)
	q.closed = true
	return nil
}

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/webmonitor/sitewatch/internal/queue"
)

func TestPublishReceive(t *testing.T) {
	t.Parallel()

	q := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan queue.Message, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- q.Receive(ctx, func(_ context.Context, msg queue.Message) {
			got <- msg
			cancel()
		})
	}()

	msg := queue.Message{JobID: "job-1", SiteID: "site-1", Type: "scan"}
	require.NoError(t, q.Publish(ctx, msg))

	select {
	case m := <-got:
		require.Equal(t, msg, m)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	require.ErrorIs(t, <-errCh, context.Canceled)
}

func TestPublishHonorsContext(t *testing.T) {
	t.Parallel()

	q := New(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := q.Publish(ctx, queue.Message{JobID: "job-1"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestReceiveStopsOnClose(t *testing.T) {
	t.Parallel()

	q := New(1)
	require.NoError(t, q.Close())
	require.NoError(t, q.Close(), "close is idempotent")

	err := q.Receive(context.Background(), func(context.Context, queue.Message) {})
	require.ErrorIs(t, err, ErrClosed)
}

func TestCloseDrainsBufferedMessages(t *testing.T) {
	t.Parallel()

	q := New(2)
	ctx := context.Background()
	require.NoError(t, q.Publish(ctx, queue.Message{JobID: "job-1"}))
	require.NoError(t, q.Publish(ctx, queue.Message{JobID: "job-2"}))
	require.NoError(t, q.Close())

	var seen []string
	err := q.Receive(ctx, func(_ context.Context, msg queue.Message) {
		seen = append(seen, msg.JobID)
	})
	require.ErrorIs(t, err, ErrClosed)
	require.Equal(t, []string{"job-1", "job-2"}, seen)
}

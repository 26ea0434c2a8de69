package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/splatforge/platform/pkg/common/models"
	"github.com/stretchr/testify/require"
)

// fakeReader serves queued messages, then blocks until ctx ends.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
	onCommit  func(n int)
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		m := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	n := len(r.committed)
	r.mu.Unlock()
	if r.onCommit != nil {
		r.onCommit(n)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func eventMessage(t *testing.T, offset int64, id string) kafka.Message {
	t.Helper()
	value, err := json.Marshal(models.Event{ID: id, Type: models.EventJobStatus})
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Value: value}
}

func testConsumer(r messageReader) *Consumer {
	return &Consumer{reader: r, retryDelay: time.Millisecond, maxDelay: 5 * time.Millisecond}
}

func TestConsumeRetriesFailedEventBeforeMovingOn(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reader := &fakeReader{
		queue: []kafka.Message{eventMessage(t, 0, "first"), eventMessage(t, 1, "second")},
		onCommit: func(n int) {
			if n == 2 {
				cancel()
			}
		},
	}

	var handled []string
	failures := 2
	err := testConsumer(reader).Consume(ctx, func(_ context.Context, e models.Event) error {
		handled = append(handled, e.ID)
		if e.ID == "first" && failures > 0 {
			failures--
			return errors.New("disk full")
		}
		return nil
	})

	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []string{"first", "first", "first", "second"}, handled)
	require.Equal(t, []int64{0, 1}, reader.commits())
}

func TestConsumeNeverCommitsEventThatKeepsFailing(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	reader := &fakeReader{queue: []kafka.Message{eventMessage(t, 7, "stuck"), eventMessage(t, 8, "later")}}

	var seen []string
	err := testConsumer(reader).Consume(ctx, func(_ context.Context, e models.Event) error {
		seen = append(seen, e.ID)
		return errors.New("unavailable")
	})

	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Empty(t, reader.commits())
	require.NotContains(t, seen, "later")
}

func TestConsumeSkipsUndecodableMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reader := &fakeReader{
		queue: []kafka.Message{{Offset: 3, Value: []byte("not json")}, eventMessage(t, 4, "ok")},
		onCommit: func(n int) {
			if n == 2 {
				cancel()
			}
		},
	}

	var handled []string
	err := testConsumer(reader).Consume(ctx, func(_ context.Context, e models.Event) error {
		handled = append(handled, e.ID)
		return nil
	})

	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []string{"ok"}, handled)
	require.Equal(t, []int64{3, 4}, reader.commits())
}

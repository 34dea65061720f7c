// ABOUTME: Tests for the conversation message engine
// ABOUTME: Covers ordering, validation, read receipts, failure handling and snapshot delivery

package messages

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley-gateway/internal/chaterr"
	"github.com/2389/parley-gateway/internal/store"
)

const key = "u1_u2"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recorder collects snapshots delivered to a subscriber.
type recorder struct {
	mu        sync.Mutex
	snapshots [][]store.Message
}

func (r *recorder) record(s []store.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, s)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots)
}

func (r *recorder) last() []store.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snapshots) == 0 {
		return nil
	}
	return r.snapshots[len(r.snapshots)-1]
}

func newTestStore(t *testing.T) (*Store, *store.MockStore, *fakeClock) {
	t.Helper()
	log := store.NewMockStore()
	clock := newFakeClock()
	s := New(log, Options{Clock: clock.Now, WriteTimeout: time.Second})
	t.Cleanup(s.Close)
	return s, log, clock
}

func TestAppend_OrderedHistory(t *testing.T) {
	s, log, clock := newTestStore(t)
	ctx := context.Background()

	for i := range 5 {
		_, err := s.Append(ctx, key, "u1", "u2", fmt.Sprintf("msg %d", i), "one")
		require.NoError(t, err)
		clock.Advance(time.Millisecond)
	}

	got, err := s.Messages(ctx, key)
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i, m := range got {
		assert.Equal(t, fmt.Sprintf("msg %d", i), m.Text)
		assert.Equal(t, int64(i+1), m.Seq)
		assert.Equal(t, key, m.ConversationKey)
		assert.False(t, m.Read)
		if i > 0 {
			assert.False(t, m.CreatedAt.Before(got[i-1].CreatedAt))
		}
	}

	persisted, err := log.ListMessages(ctx, key)
	require.NoError(t, err)
	assert.Len(t, persisted, 5)
}

func TestAppend_ReturnsAssignedFields(t *testing.T) {
	s, _, clock := newTestStore(t)

	msg, err := s.Append(context.Background(), key, "u2", "u1", "hello", "Two")
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, int64(1), msg.Seq)
	assert.Equal(t, "u2", msg.SenderID)
	assert.Equal(t, "u1", msg.ReceiverID)
	assert.Equal(t, "Two", msg.DisplayName)
	assert.True(t, msg.CreatedAt.Equal(clock.Now()))
}

func TestAppend_ClockGoingBackwards(t *testing.T) {
	s, _, clock := newTestStore(t)
	ctx := context.Background()

	first, err := s.Append(ctx, key, "u1", "u2", "first", "")
	require.NoError(t, err)

	clock.Set(first.CreatedAt.Add(-time.Hour))
	second, err := s.Append(ctx, key, "u2", "u1", "second", "")
	require.NoError(t, err)

	assert.True(t, second.CreatedAt.Equal(first.CreatedAt), "created_at never goes backward")
	assert.Equal(t, first.Seq+1, second.Seq, "seq breaks the tie")

	got, err := s.Messages(ctx, key)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Text)
	assert.Equal(t, "second", got[1].Text)
}

func TestAppend_Validation(t *testing.T) {
	s, log, _ := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		key      string
		sender   string
		receiver string
		text     string
		want     error
	}{
		{"empty text", key, "u1", "u2", "", chaterr.ErrValidation},
		{"whitespace text", key, "u1", "u2", "  \n\t ", chaterr.ErrValidation},
		{"self pair", "u1_u1", "u1", "u1", "hi", chaterr.ErrInvalidArgument},
		{"empty sender", key, "", "u2", "hi", chaterr.ErrInvalidArgument},
		{"wrong key", "u1_u3", "u1", "u2", "hi", chaterr.ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Append(ctx, tt.key, tt.sender, tt.receiver, tt.text, "")
			assert.ErrorIs(t, err, tt.want)
			assert.False(t, chaterr.IsRetryable(err))
		})
	}

	persisted, err := log.ListMessages(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestAppend_BackendFailureIsTransient(t *testing.T) {
	s, log, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, key, "u1", "u2", "one", "")
	require.NoError(t, err)

	rec := &recorder{}
	sub, err := s.Subscribe(ctx, key, rec.record)
	require.NoError(t, err)
	defer s.Release(sub)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	log.FailNext(errors.New("disk unavailable"), 1)
	_, err = s.Append(ctx, key, "u1", "u2", "two", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, chaterr.ErrTransient)
	assert.True(t, chaterr.IsRetryable(err))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, rec.count(), "failed append publishes nothing")

	got, err := s.Messages(ctx, key)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	retried, err := s.Append(ctx, key, "u1", "u2", "two", "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), retried.Seq)
}

// lossyLog commits writes but reports failure for the next n of them, like a
// backend whose acknowledgement is lost after the commit.
type lossyLog struct {
	*store.MockStore
	mu   sync.Mutex
	fail int
}

func (l *lossyLog) failAfterCommit(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail = n
}

func (l *lossyLog) lost() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail == 0 {
		return nil
	}
	l.fail--
	return context.DeadlineExceeded
}

func (l *lossyLog) AppendMessage(ctx context.Context, msg *store.Message) error {
	if err := l.MockStore.AppendMessage(ctx, msg); err != nil {
		return err
	}
	return l.lost()
}

func (l *lossyLog) MarkMessageRead(ctx context.Context, key, id string, at time.Time) (bool, error) {
	changed, err := l.MockStore.MarkMessageRead(ctx, key, id, at)
	if err != nil {
		return changed, err
	}
	return changed, l.lost()
}

func TestAppend_CommittedDespiteErrorRecovers(t *testing.T) {
	log := &lossyLog{MockStore: store.NewMockStore()}
	s := New(log, Options{WriteTimeout: time.Second})
	defer s.Close()
	ctx := context.Background()

	rec := &recorder{}
	sub, err := s.Subscribe(ctx, key, rec.record)
	require.NoError(t, err)
	defer s.Release(sub)

	log.failAfterCommit(1)
	_, err = s.Append(ctx, key, "u1", "u2", "first", "")
	require.Error(t, err)
	assert.True(t, chaterr.IsRetryable(err))

	for i := range 3 {
		msg, err := s.Append(ctx, key, "u1", "u2", fmt.Sprintf("retry %d", i), "")
		require.NoError(t, err, "retry %d", i)
		assert.Equal(t, int64(i+2), msg.Seq)
	}

	got, err := s.Messages(ctx, key)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, "first", got[0].Text)

	require.Eventually(t, func() bool { return len(rec.last()) == 4 }, time.Second, 5*time.Millisecond)
}

func TestAppend_ResyncPublishesCommittedMessage(t *testing.T) {
	log := &lossyLog{MockStore: store.NewMockStore()}
	s := New(log, Options{WriteTimeout: time.Second})
	defer s.Close()
	ctx := context.Background()

	rec := &recorder{}
	sub, err := s.Subscribe(ctx, key, rec.record)
	require.NoError(t, err)
	defer s.Release(sub)

	log.failAfterCommit(1)
	_, err = s.Append(ctx, key, "u1", "u2", "first", "")
	require.Error(t, err)

	got, err := s.Messages(ctx, key)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Eventually(t, func() bool { return len(rec.last()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestMarkRead_CommittedDespiteErrorRecovers(t *testing.T) {
	log := &lossyLog{MockStore: store.NewMockStore()}
	s := New(log, Options{WriteTimeout: time.Second})
	defer s.Close()
	ctx := context.Background()

	msg, err := s.Append(ctx, key, "u1", "u2", "hi", "")
	require.NoError(t, err)

	log.failAfterCommit(1)
	err = s.MarkRead(ctx, key, msg.ID, "u2")
	assert.ErrorIs(t, err, chaterr.ErrTransient)

	got, err := s.Messages(ctx, key)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Read, "the read flag the log committed is picked up")
	require.NoError(t, s.MarkRead(ctx, key, msg.ID, "u2"))
}

func TestAppend_WriteTimeout(t *testing.T) {
	log := store.NewMockStore()
	s := New(log, Options{WriteTimeout: 20 * time.Millisecond})
	defer s.Close()
	ctx := context.Background()

	// Load the conversation before slowing the backend down
	_, err := s.Messages(ctx, key)
	require.NoError(t, err)

	log.SetDelay(500 * time.Millisecond)
	start := time.Now()
	_, err = s.Append(ctx, key, "u1", "u2", "slow", "")
	assert.ErrorIs(t, err, chaterr.ErrTransient)
	assert.Less(t, time.Since(start), 400*time.Millisecond)

	log.SetDelay(0)
	got, err := s.Messages(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLoadsExistingHistory(t *testing.T) {
	log := store.NewMockStore()
	ctx := context.Background()
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, log.AppendMessage(ctx, &store.Message{
		ID: "old-1", ConversationKey: key, Seq: 1, SenderID: "u1", ReceiverID: "u2", Text: "from before", CreatedAt: at,
	}))

	s := New(log, Options{})
	defer s.Close()

	got, err := s.Messages(ctx, key)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "from before", got[0].Text)

	next, err := s.Append(ctx, key, "u2", "u1", "after restart", "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.Seq)
	assert.False(t, next.CreatedAt.Before(at))
}

func TestMarkRead(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	msg, err := s.Append(ctx, key, "u1", "u2", "hi", "")
	require.NoError(t, err)

	t.Run("sender is refused", func(t *testing.T) {
		err := s.MarkRead(ctx, key, msg.ID, "u1")
		assert.ErrorIs(t, err, chaterr.ErrPermission)
	})

	t.Run("outsider is refused", func(t *testing.T) {
		err := s.MarkRead(ctx, key, msg.ID, "u3")
		assert.ErrorIs(t, err, chaterr.ErrPermission)
	})

	t.Run("unknown id", func(t *testing.T) {
		err := s.MarkRead(ctx, key, "missing", "u2")
		assert.ErrorIs(t, err, chaterr.ErrNotFound)
	})

	t.Run("receiver succeeds and is idempotent", func(t *testing.T) {
		require.NoError(t, s.MarkRead(ctx, key, msg.ID, "u2"))
		require.NoError(t, s.MarkRead(ctx, key, msg.ID, "u2"))

		got, err := s.Messages(ctx, key)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.True(t, got[0].Read)
		assert.NotNil(t, got[0].ReadAt)
	})
}

func TestMarkRead_SecondCallDoesNotNotify(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	msg, err := s.Append(ctx, key, "u1", "u2", "hi", "")
	require.NoError(t, err)

	rec := &recorder{}
	sub, err := s.Subscribe(ctx, key, rec.record)
	require.NoError(t, err)
	defer s.Release(sub)

	require.NoError(t, s.MarkRead(ctx, key, msg.ID, "u2"))
	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.MarkRead(ctx, key, msg.ID, "u2"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, rec.count())
}

func TestMarkRead_BackendFailure(t *testing.T) {
	s, log, _ := newTestStore(t)
	ctx := context.Background()

	msg, err := s.Append(ctx, key, "u1", "u2", "hi", "")
	require.NoError(t, err)

	log.FailNext(errors.New("connection reset"), 1)
	err = s.MarkRead(ctx, key, msg.ID, "u2")
	assert.ErrorIs(t, err, chaterr.ErrTransient)

	got, err := s.Messages(ctx, key)
	require.NoError(t, err)
	assert.False(t, got[0].Read, "failed mark leaves the message unread")
}

// Users u1 and u2: u1 sends "hi", the subscriber sees it unread; u2 marks it
// read and the next snapshot shows read=true.
func TestSubscribe_SendAndReadScenario(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	rec := &recorder{}
	sub, err := s.Subscribe(ctx, key, rec.record)
	require.NoError(t, err)
	defer s.Release(sub)

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, rec.last(), "initial snapshot of an empty conversation")

	msg, err := s.Append(ctx, key, "u1", "u2", "hi", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)
	snap := rec.last()
	require.Len(t, snap, 1)
	assert.Equal(t, "hi", snap[0].Text)
	assert.False(t, snap[0].Read)

	require.NoError(t, s.MarkRead(ctx, key, msg.ID, "u2"))
	require.Eventually(t, func() bool { return rec.count() == 3 }, time.Second, 5*time.Millisecond)
	snap = rec.last()
	require.Len(t, snap, 1)
	assert.True(t, snap[0].Read)
}

func TestSubscribe_SnapshotsNeverGoBackward(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	rec := &recorder{}
	sub, err := s.Subscribe(ctx, key, rec.record)
	require.NoError(t, err)
	defer s.Release(sub)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sender, receiver := "u1", "u2"
			if i%2 == 1 {
				sender, receiver = receiver, sender
			}
			_, err := s.Append(ctx, key, sender, receiver, fmt.Sprintf("m%d", i), "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return rec.count() == 21 }, 2*time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, snap := range rec.snapshots {
		assert.Len(t, snap, i, "snapshot %d", i)
		for j, m := range snap {
			assert.Equal(t, int64(j+1), m.Seq)
		}
	}
}

func TestSubscribe_SnapshotsAreCopies(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, key, "u1", "u2", "original", "")
	require.NoError(t, err)

	done := make(chan struct{})
	sub, err := s.Subscribe(ctx, key, func(snap []store.Message) {
		snap[0].Text = "tampered"
		snap[0].Read = true
		close(done)
	})
	require.NoError(t, err)
	defer s.Release(sub)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for snapshot")
	}

	got, err := s.Messages(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "original", got[0].Text)
	assert.False(t, got[0].Read)
}

func TestRelease_StopsDelivery(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	rec := &recorder{}
	sub, err := s.Subscribe(ctx, key, rec.record)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	s.Release(sub)
	assert.Equal(t, 0, s.SubscriberCount(key))

	_, err = s.Append(ctx, key, "u1", "u2", "after release", "")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, rec.count())

	s.Release(nil)
}

func TestSubscribe_InvalidKey(t *testing.T) {
	s, _, _ := newTestStore(t)

	_, err := s.Subscribe(context.Background(), "nokey", func([]store.Message) {})
	assert.ErrorIs(t, err, chaterr.ErrInvalidArgument)
}

func TestClose(t *testing.T) {
	s := New(store.NewMockStore(), Options{})
	s.Close()

	_, err := s.Append(context.Background(), key, "u1", "u2", "late", "")
	assert.ErrorIs(t, err, chaterr.ErrIllegalState)
}

func TestSweep_DropsIdleConversations(t *testing.T) {
	s, _, clock := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, key, "u1", "u2", "kept in the log", "")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Cached())

	assert.Equal(t, 0, s.Sweep(time.Minute), "recently used")

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, s.Sweep(time.Minute))
	assert.Equal(t, 0, s.Cached())

	// The next use reads the log again and keeps numbering.
	next, err := s.Append(ctx, key, "u2", "u1", "after sweep", "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.Seq)

	got, err := s.Messages(ctx, key)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestSweep_KeepsSubscribedConversations(t *testing.T) {
	s, _, clock := newTestStore(t)
	ctx := context.Background()

	rec := &recorder{}
	sub, err := s.Subscribe(ctx, key, rec.record)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	assert.Equal(t, 0, s.Sweep(time.Minute))

	_, err = s.Append(ctx, key, "u1", "u2", "still delivered", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.last()) == 1 }, time.Second, 5*time.Millisecond)

	s.Release(sub)
	clock.Advance(time.Hour)
	assert.Equal(t, 1, s.Sweep(time.Minute))
}

package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dm-go/internal/models"

	apperrors "dm-go/pkg/errors"
)

func textBody(text string) models.Body {
	return models.Body{Text: text}
}

func TestGetOrCreateThread(t *testing.T) {
	ctx := context.Background()

	t.Run("happy path - first contact creates a canonical pair", func(t *testing.T) {
		store := NewMemoryThreadStore()

		thread, err := store.GetOrCreateThread(ctx, "bob", "alice")
		require.NoError(t, err)
		assert.NotEmpty(t, thread.ID)
		assert.Equal(t, [2]string{"alice", "bob"}, thread.ParticipantIDs())
	})

	t.Run("same thread regardless of participant order", func(t *testing.T) {
		store := NewMemoryThreadStore()

		first, err := store.GetOrCreateThread(ctx, "alice", "bob")
		require.NoError(t, err)
		second, err := store.GetOrCreateThread(ctx, "bob", "alice")
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
	})

	t.Run("sad path - thread with yourself", func(t *testing.T) {
		store := NewMemoryThreadStore()

		_, err := store.GetOrCreateThread(ctx, "alice", "alice")
		require.Error(t, err)
		assert.Equal(t, apperrors.CodeInvalidArgument, apperrors.CodeOf(err))
	})

	t.Run("sad path - empty participant id", func(t *testing.T) {
		store := NewMemoryThreadStore()

		_, err := store.GetOrCreateThread(ctx, "", "bob")
		require.Error(t, err)
		assert.Equal(t, apperrors.CodeInvalidArgument, apperrors.CodeOf(err))
	})

	t.Run("concurrent first contact yields exactly one thread", func(t *testing.T) {
		store := NewMemoryThreadStore()

		const workers = 32
		ids := make([]string, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				userA, userB := "alice", "bob"
				if i%2 == 0 {
					userA, userB = userB, userA
				}
				thread, err := store.GetOrCreateThread(ctx, userA, userB)
				if err != nil {
					t.Errorf("worker %d: %v", i, err)
					return
				}
				ids[i] = thread.ID
			}(i)
		}
		wg.Wait()

		for i := 1; i < workers; i++ {
			require.Equal(t, ids[0], ids[i], "worker %d got a different thread", i)
		}

		threads, err := store.ListThreadsForUser(ctx, "alice", 0, 10)
		require.NoError(t, err)
		assert.Len(t, threads, 1)
	})
}

func TestAppendMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("happy path - seq is strictly increasing", func(t *testing.T) {
		store := NewMemoryThreadStore()
		thread, err := store.GetOrCreateThread(ctx, "alice", "bob")
		require.NoError(t, err)

		for i := 1; i <= 5; i++ {
			msg, err := store.AppendMessage(ctx, thread.ID, "alice", textBody(fmt.Sprintf("m%d", i)))
			require.NoError(t, err)
			assert.Equal(t, uint64(i), msg.Seq)
			assert.NotEmpty(t, msg.ID)
			assert.Equal(t, "alice", msg.SenderID)
		}
	})

	t.Run("sad path - unknown thread", func(t *testing.T) {
		store := NewMemoryThreadStore()

		_, err := store.AppendMessage(ctx, "no-such-thread", "alice", textBody("hello"))
		assert.ErrorIs(t, err, apperrors.ErrThreadNotFound)
	})

	t.Run("sad path - sender is not a participant", func(t *testing.T) {
		store := NewMemoryThreadStore()
		thread, err := store.GetOrCreateThread(ctx, "alice", "bob")
		require.NoError(t, err)

		_, err = store.AppendMessage(ctx, thread.ID, "mallory", textBody("hello"))
		assert.ErrorIs(t, err, apperrors.ErrInvalidSender)
	})

	t.Run("sad path - empty body", func(t *testing.T) {
		store := NewMemoryThreadStore()
		thread, err := store.GetOrCreateThread(ctx, "alice", "bob")
		require.NoError(t, err)

		_, err = store.AppendMessage(ctx, thread.ID, "alice", models.Body{})
		require.Error(t, err)
		assert.Equal(t, apperrors.CodeInvalidArgument, apperrors.CodeOf(err))
	})

	t.Run("concurrent sends get distinct ordered seqs", func(t *testing.T) {
		store := NewMemoryThreadStore()
		thread, err := store.GetOrCreateThread(ctx, "alice", "bob")
		require.NoError(t, err)

		const perSender = 20
		var wg sync.WaitGroup
		for _, sender := range []string{"alice", "bob"} {
			wg.Add(1)
			go func(sender string) {
				defer wg.Done()
				for i := 0; i < perSender; i++ {
					if _, err := store.AppendMessage(ctx, thread.ID, sender, textBody(sender)); err != nil {
						t.Errorf("%s append: %v", sender, err)
						return
					}
				}
			}(sender)
		}
		wg.Wait()

		msgs, hasMore, err := store.ListMessages(ctx, thread.ID, "", 2*perSender)
		require.NoError(t, err)
		assert.False(t, hasMore)
		require.Len(t, msgs, 2*perSender)

		seen := make(map[uint64]bool)
		for _, m := range msgs {
			assert.False(t, seen[m.Seq], "duplicate seq %d", m.Seq)
			seen[m.Seq] = true
		}
		for i := uint64(1); i <= 2*perSender; i++ {
			assert.True(t, seen[i], "missing seq %d", i)
		}
	})

	t.Run("appends to unrelated threads interleave without cross-talk", func(t *testing.T) {
		store := NewMemoryThreadStore()

		const threads = 8
		const perThread = 25
		ids := make([]string, threads)
		for i := range ids {
			thread, err := store.GetOrCreateThread(ctx, fmt.Sprintf("user-%d", i), "hub")
			require.NoError(t, err)
			ids[i] = thread.ID
		}

		var wg sync.WaitGroup
		for i, id := range ids {
			wg.Add(1)
			go func(i int, id string) {
				defer wg.Done()
				sender := fmt.Sprintf("user-%d", i)
				for n := 0; n < perThread; n++ {
					if _, err := store.AppendMessage(ctx, id, sender, textBody(sender)); err != nil {
						t.Errorf("thread %d append: %v", i, err)
						return
					}
				}
			}(i, id)
		}
		wg.Wait()

		for i, id := range ids {
			msgs, hasMore, err := store.ListMessages(ctx, id, "", perThread)
			require.NoError(t, err)
			assert.False(t, hasMore)
			require.Len(t, msgs, perThread, "thread %d", i)
			// Newest first; each thread owns a contiguous 1..perThread run.
			for n, m := range msgs {
				assert.Equal(t, uint64(perThread-n), m.Seq)
			}
		}
	})
}

func TestListMessages(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T, store ThreadStore, n int) (string, []*models.Message) {
		t.Helper()
		thread, err := store.GetOrCreateThread(ctx, "alice", "bob")
		require.NoError(t, err)
		msgs := make([]*models.Message, 0, n)
		for i := 1; i <= n; i++ {
			msg, err := store.AppendMessage(ctx, thread.ID, "alice", textBody(fmt.Sprintf("m%d", i)))
			require.NoError(t, err)
			msgs = append(msgs, msg)
		}
		return thread.ID, msgs
	}

	t.Run("happy path - latest page first, newest to oldest", func(t *testing.T) {
		store := NewMemoryThreadStore()
		threadID, _ := seed(t, store, 10)

		page, hasMore, err := store.ListMessages(ctx, threadID, "", 4)
		require.NoError(t, err)
		assert.True(t, hasMore)
		require.Len(t, page, 4)
		assert.Equal(t, uint64(10), page[0].Seq)
		assert.Equal(t, uint64(7), page[3].Seq)
	})

	t.Run("before cursor is exclusive and pages are stable", func(t *testing.T) {
		store := NewMemoryThreadStore()
		threadID, msgs := seed(t, store, 10)

		page, hasMore, err := store.ListMessages(ctx, threadID, msgs[6].ID, 4)
		require.NoError(t, err)
		assert.True(t, hasMore)
		require.Len(t, page, 4)
		assert.Equal(t, uint64(6), page[0].Seq)
		assert.Equal(t, uint64(3), page[3].Seq)

		page, hasMore, err = store.ListMessages(ctx, threadID, page[3].ID, 4)
		require.NoError(t, err)
		assert.False(t, hasMore)
		require.Len(t, page, 2)
		assert.Equal(t, uint64(2), page[0].Seq)
		assert.Equal(t, uint64(1), page[1].Seq)
	})

	t.Run("sad path - unknown cursor", func(t *testing.T) {
		store := NewMemoryThreadStore()
		threadID, _ := seed(t, store, 3)

		_, _, err := store.ListMessages(ctx, threadID, "no-such-message", 10)
		assert.ErrorIs(t, err, apperrors.ErrMessageNotFound)
	})

	t.Run("sad path - unknown thread", func(t *testing.T) {
		store := NewMemoryThreadStore()

		_, _, err := store.ListMessages(ctx, "no-such-thread", "", 10)
		assert.ErrorIs(t, err, apperrors.ErrThreadNotFound)
	})

	t.Run("limit is clamped to the page size bounds", func(t *testing.T) {
		store := NewMemoryThreadStore()
		threadID, _ := seed(t, store, 3)

		page, _, err := store.ListMessages(ctx, threadID, "", 0)
		require.NoError(t, err)
		assert.Len(t, page, 3)

		page, _, err = store.ListMessages(ctx, threadID, "", MaxPageSize+1000)
		require.NoError(t, err)
		assert.Len(t, page, 3)
	})
}

func TestMarkDelivered(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (ThreadStore, string, *models.Message) {
		t.Helper()
		store := NewMemoryThreadStore()
		thread, err := store.GetOrCreateThread(ctx, "alice", "bob")
		require.NoError(t, err)
		msg, err := store.AppendMessage(ctx, thread.ID, "alice", textBody("hello"))
		require.NoError(t, err)
		return store, thread.ID, msg
	}

	t.Run("happy path - receipt is recorded and idempotent", func(t *testing.T) {
		store, threadID, msg := setup(t)

		require.NoError(t, store.MarkDelivered(ctx, msg.ID, "bob"))
		require.NoError(t, store.MarkDelivered(ctx, msg.ID, "bob"))

		page, _, err := store.ListMessages(ctx, threadID, "", 10)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, []string{"bob"}, page[0].DeliveredTo)
	})

	t.Run("sender acking its own message is a no-op", func(t *testing.T) {
		store, threadID, msg := setup(t)

		require.NoError(t, store.MarkDelivered(ctx, msg.ID, "alice"))

		page, _, err := store.ListMessages(ctx, threadID, "", 10)
		require.NoError(t, err)
		assert.Empty(t, page[0].DeliveredTo)
	})

	t.Run("sad path - non-participant", func(t *testing.T) {
		store, _, msg := setup(t)

		err := store.MarkDelivered(ctx, msg.ID, "mallory")
		assert.ErrorIs(t, err, apperrors.ErrForbidden)
	})

	t.Run("sad path - unknown message", func(t *testing.T) {
		store, _, _ := setup(t)

		err := store.MarkDelivered(ctx, "no-such-message", "bob")
		assert.ErrorIs(t, err, apperrors.ErrMessageNotFound)
	})
}

func TestUnreadCount(t *testing.T) {
	ctx := context.Background()

	t.Run("counts only unacked messages from the other participant", func(t *testing.T) {
		store := NewMemoryThreadStore()
		thread, err := store.GetOrCreateThread(ctx, "alice", "bob")
		require.NoError(t, err)

		var msgs []*models.Message
		for i := 0; i < 3; i++ {
			msg, err := store.AppendMessage(ctx, thread.ID, "alice", textBody("hi"))
			require.NoError(t, err)
			msgs = append(msgs, msg)
		}

		count, err := store.UnreadCount(ctx, thread.ID, "bob")
		require.NoError(t, err)
		assert.Equal(t, 3, count)

		// The sender has nothing unread from its own messages.
		count, err = store.UnreadCount(ctx, thread.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, 0, count)

		require.NoError(t, store.MarkDelivered(ctx, msgs[0].ID, "bob"))
		count, err = store.UnreadCount(ctx, thread.ID, "bob")
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		for _, m := range msgs[1:] {
			require.NoError(t, store.MarkDelivered(ctx, m.ID, "bob"))
		}
		count, err = store.UnreadCount(ctx, thread.ID, "bob")
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})

	t.Run("sad path - non-participant", func(t *testing.T) {
		store := NewMemoryThreadStore()
		thread, err := store.GetOrCreateThread(ctx, "alice", "bob")
		require.NoError(t, err)

		_, err = store.UnreadCount(ctx, thread.ID, "mallory")
		assert.ErrorIs(t, err, apperrors.ErrForbidden)
	})
}

func TestListThreadsForUser(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryThreadStore()

	withBob, err := store.GetOrCreateThread(ctx, "alice", "bob")
	require.NoError(t, err)
	withCarol, err := store.GetOrCreateThread(ctx, "alice", "carol")
	require.NoError(t, err)

	// Activity in the bob thread after creating the carol thread moves it to
	// the front.
	_, err = store.AppendMessage(ctx, withBob.ID, "bob", textBody("ping"))
	require.NoError(t, err)

	threads, err := store.ListThreadsForUser(ctx, "alice", 0, 10)
	require.NoError(t, err)
	require.Len(t, threads, 2)
	assert.Equal(t, withBob.ID, threads[0].ID)
	assert.Equal(t, withCarol.ID, threads[1].ID)

	threads, err = store.ListThreadsForUser(ctx, "bob", 0, 10)
	require.NoError(t, err)
	require.Len(t, threads, 1)

	threads, err = store.ListThreadsForUser(ctx, "alice", 5, 10)
	require.NoError(t, err)
	assert.Empty(t, threads)
}

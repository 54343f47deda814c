package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dm-go/internal/config"
	"dm-go/internal/models"
	"dm-go/internal/presence"
	"dm-go/internal/protocol"
	"dm-go/internal/router"
	"dm-go/internal/storage"

	apperrors "dm-go/pkg/errors"
)

// fakeConn is an in-memory presence.Conn that records outbound frames.
type fakeConn struct {
	mu     sync.Mutex
	userID string
	closed bool
	frames [][]byte
}

func (c *fakeConn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *fakeConn) BindUser(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
}

func (c *fakeConn) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.frames = append(c.frames, frame)
	return true
}

func (c *fakeConn) Close(reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) received(t *testing.T) []*protocol.Frame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	frames := make([]*protocol.Frame, 0, len(c.frames))
	for _, raw := range c.frames {
		var f protocol.Frame
		require.NoError(t, json.Unmarshal(raw, &f))
		frames = append(frames, &f)
	}
	return frames
}

func (c *fakeConn) lastFrame(t *testing.T) *protocol.Frame {
	t.Helper()
	frames := c.received(t)
	require.NotEmpty(t, frames, "expected at least one outbound frame")
	return frames[len(frames)-1]
}

type fakeNotifier struct {
	mu     sync.Mutex
	notifs []*protocol.OfflineNotification
}

func (n *fakeNotifier) NotifyOffline(ctx context.Context, notif *protocol.OfflineNotification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifs = append(n.notifs, notif)
	return nil
}

func (n *fakeNotifier) all() []*protocol.OfflineNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*protocol.OfflineNotification(nil), n.notifs...)
}

// testVerifier accepts tokens of the form "token-<userID>".
func testVerifier(ctx context.Context, token string) (string, error) {
	if userID, ok := strings.CutPrefix(token, "token-"); ok && userID != "" {
		return userID, nil
	}
	return "", apperrors.ErrAuthFailed
}

type testEnv struct {
	store    storage.ThreadStore
	registry *presence.Registry
	router   *router.Router
	notifier *fakeNotifier
}

func newTestEnv() *testEnv {
	registry := presence.NewRegistry()
	return &testEnv{
		store:    storage.NewMemoryThreadStore(),
		registry: registry,
		router:   router.NewRouter(registry),
		notifier: &fakeNotifier{},
	}
}

func (e *testEnv) newSession(grace time.Duration) (*Session, *fakeConn) {
	conn := &fakeConn{}
	deps := Deps{
		Store:    e.store,
		Registry: e.registry,
		Router:   e.router,
		Verify:   testVerifier,
		Notifier: e.notifier,
		Cfg: config.GatewayConfig{
			AuthGracePeriod: grace,
			CallTimeout:     time.Second,
		},
	}
	return NewSession(deps, conn), conn
}

func (e *testEnv) authedSession(t *testing.T, userID string) (*Session, *fakeConn) {
	t.Helper()
	session, conn := e.newSession(time.Minute)
	err := session.HandleFrame(context.Background(),
		&protocol.Frame{Type: protocol.AuthenticateEvent, Token: "token-" + userID})
	require.NoError(t, err)
	require.Equal(t, StateAuthenticated, session.State())
	return session, conn
}

func (e *testEnv) thread(t *testing.T, userA, userB string) *models.Thread {
	t.Helper()
	thread, err := e.store.GetOrCreateThread(context.Background(), userA, userB)
	require.NoError(t, err)
	return thread
}

func joinThread(t *testing.T, session *Session, threadID string) {
	t.Helper()
	err := session.HandleFrame(context.Background(),
		&protocol.Frame{Type: protocol.JoinEvent, ThreadID: threadID})
	require.NoError(t, err)
}

func TestSessionAuthenticate(t *testing.T) {
	ctx := context.Background()

	t.Run("happy path", func(t *testing.T) {
		env := newTestEnv()
		session, conn := env.newSession(time.Minute)

		err := session.HandleFrame(ctx, &protocol.Frame{Type: protocol.AuthenticateEvent, Token: "token-alice"})
		require.NoError(t, err)

		assert.Equal(t, StateAuthenticated, session.State())
		assert.Equal(t, "alice", session.UserID())
		assert.Equal(t, presence.Conn(conn), env.registry.ConnectionFor("alice"))

		f := conn.lastFrame(t)
		assert.Equal(t, protocol.AuthenticatedEvent, f.Type)
		assert.Equal(t, "alice", f.UserID)
	})

	t.Run("sad path - invalid token is terminal", func(t *testing.T) {
		env := newTestEnv()
		session, conn := env.newSession(time.Minute)

		err := session.HandleFrame(ctx, &protocol.Frame{Type: protocol.AuthenticateEvent, Token: "bogus"})
		assert.ErrorIs(t, err, apperrors.ErrAuthFailed)

		f := conn.lastFrame(t)
		assert.Equal(t, protocol.ErrorEvent, f.Type)
		assert.Equal(t, string(apperrors.CodeAuthFailed), f.Code)
	})

	t.Run("re-authentication is a no-op success", func(t *testing.T) {
		env := newTestEnv()
		session, conn := env.authedSession(t, "alice")

		err := session.HandleFrame(ctx, &protocol.Frame{Type: protocol.AuthenticateEvent, Token: "token-someone-else"})
		require.NoError(t, err)

		f := conn.lastFrame(t)
		assert.Equal(t, protocol.AuthenticatedEvent, f.Type)
		assert.Equal(t, "alice", f.UserID)
		assert.Equal(t, "alice", session.UserID())
	})

	t.Run("sad path - frames before authentication are rejected", func(t *testing.T) {
		env := newTestEnv()
		session, conn := env.newSession(time.Minute)

		err := session.HandleFrame(ctx, &protocol.Frame{Type: protocol.SendEvent, ThreadID: "t", Body: &models.Body{Text: "hi"}})
		require.NoError(t, err)

		f := conn.lastFrame(t)
		assert.Equal(t, protocol.ErrorEvent, f.Type)
		assert.Equal(t, string(apperrors.CodeAuthFailed), f.Code)
	})

	t.Run("auth grace period expiry closes the connection", func(t *testing.T) {
		env := newTestEnv()
		_, conn := env.newSession(30 * time.Millisecond)

		require.Eventually(t, conn.IsClosed, time.Second, 10*time.Millisecond)
		f := conn.lastFrame(t)
		assert.Equal(t, protocol.ErrorEvent, f.Type)
		assert.Equal(t, string(apperrors.CodeAuthTimeout), f.Code)
	})

	t.Run("authentication in time disarms the grace timer", func(t *testing.T) {
		env := newTestEnv()
		session, conn := env.newSession(50 * time.Millisecond)

		err := session.HandleFrame(ctx, &protocol.Frame{Type: protocol.AuthenticateEvent, Token: "token-alice"})
		require.NoError(t, err)

		time.Sleep(120 * time.Millisecond)
		assert.False(t, conn.IsClosed())
	})
}

func TestSessionJoin(t *testing.T) {
	ctx := context.Background()

	t.Run("happy path", func(t *testing.T) {
		env := newTestEnv()
		thread := env.thread(t, "alice", "bob")
		session, conn := env.authedSession(t, "alice")

		joinThread(t, session, thread.ID)

		f := conn.lastFrame(t)
		assert.Equal(t, protocol.JoinedEvent, f.Type)
		assert.Equal(t, thread.ID, f.ThreadID)
		assert.Len(t, env.registry.ConnectionsInRoom(thread.ID), 1)
	})

	t.Run("sad path - non-participant join is refused, session survives", func(t *testing.T) {
		env := newTestEnv()
		thread := env.thread(t, "alice", "bob")
		session, conn := env.authedSession(t, "mallory")

		err := session.HandleFrame(ctx, &protocol.Frame{Type: protocol.JoinEvent, ThreadID: thread.ID})
		require.NoError(t, err)

		f := conn.lastFrame(t)
		assert.Equal(t, protocol.ErrorEvent, f.Type)
		assert.Equal(t, string(apperrors.CodeForbidden), f.Code)
		assert.Empty(t, env.registry.ConnectionsInRoom(thread.ID))
		assert.Equal(t, StateAuthenticated, session.State())
		assert.False(t, conn.IsClosed())
	})

	t.Run("sad path - unknown thread", func(t *testing.T) {
		env := newTestEnv()
		session, conn := env.authedSession(t, "alice")

		err := session.HandleFrame(ctx, &protocol.Frame{Type: protocol.JoinEvent, ThreadID: "no-such-thread"})
		require.NoError(t, err)

		f := conn.lastFrame(t)
		assert.Equal(t, protocol.ErrorEvent, f.Type)
		assert.Equal(t, string(apperrors.CodeThreadNotFound), f.Code)
	})

	t.Run("leave", func(t *testing.T) {
		env := newTestEnv()
		thread := env.thread(t, "alice", "bob")
		session, conn := env.authedSession(t, "alice")
		joinThread(t, session, thread.ID)

		err := session.HandleFrame(ctx, &protocol.Frame{Type: protocol.LeaveEvent, ThreadID: thread.ID})
		require.NoError(t, err)

		f := conn.lastFrame(t)
		assert.Equal(t, protocol.LeftEvent, f.Type)
		assert.Empty(t, env.registry.ConnectionsInRoom(thread.ID))
	})
}

func TestSessionSend(t *testing.T) {
	ctx := context.Background()

	t.Run("happy path - persisted, confirmed, fanned out", func(t *testing.T) {
		env := newTestEnv()
		thread := env.thread(t, "alice", "bob")

		alice, aliceConn := env.authedSession(t, "alice")
		bob, bobConn := env.authedSession(t, "bob")
		joinThread(t, alice, thread.ID)
		joinThread(t, bob, thread.ID)

		err := alice.HandleFrame(ctx, &protocol.Frame{
			Type:         protocol.SendEvent,
			ThreadID:     thread.ID,
			Body:         &models.Body{Text: "hello"},
			ClientTempID: "tmp-1",
		})
		require.NoError(t, err)

		sent := aliceConn.lastFrame(t)
		require.Equal(t, protocol.SentEvent, sent.Type)
		assert.Equal(t, "tmp-1", sent.ClientTempID)
		assert.Equal(t, uint64(1), sent.Seq)
		assert.NotEmpty(t, sent.MessageID)

		recv := bobConn.lastFrame(t)
		require.Equal(t, protocol.ReceiveEvent, recv.Type)
		require.NotNil(t, recv.Message)
		assert.Equal(t, sent.MessageID, recv.Message.ID)
		assert.Equal(t, "hello", recv.Message.Body.Text)
		assert.Equal(t, "alice", recv.Message.SenderID)

		msgs, _, err := env.store.ListMessages(ctx, thread.ID, "", 10)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, sent.MessageID, msgs[0].ID)

		// The other participant was live, no offline signal.
		assert.Empty(t, env.notifier.all())
	})

	t.Run("send without join still persists", func(t *testing.T) {
		env := newTestEnv()
		thread := env.thread(t, "alice", "bob")
		alice, aliceConn := env.authedSession(t, "alice")

		err := alice.HandleFrame(ctx, &protocol.Frame{
			Type:         protocol.SendEvent,
			ThreadID:     thread.ID,
			Body:         &models.Body{Text: "hello"},
			ClientTempID: "tmp-1",
		})
		require.NoError(t, err)
		assert.Equal(t, protocol.SentEvent, aliceConn.lastFrame(t).Type)

		msgs, _, err := env.store.ListMessages(ctx, thread.ID, "", 10)
		require.NoError(t, err)
		assert.Len(t, msgs, 1)
	})

	t.Run("offline recipient triggers the notification signal", func(t *testing.T) {
		env := newTestEnv()
		thread := env.thread(t, "alice", "bob")
		alice, _ := env.authedSession(t, "alice")
		joinThread(t, alice, thread.ID)

		err := alice.HandleFrame(ctx, &protocol.Frame{
			Type:     protocol.SendEvent,
			ThreadID: thread.ID,
			Body:     &models.Body{Text: "anyone there?"},
		})
		require.NoError(t, err)

		notifs := env.notifier.all()
		require.Len(t, notifs, 1)
		assert.Equal(t, thread.ID, notifs[0].ThreadID)
		assert.Equal(t, "alice", notifs[0].SenderID)
		assert.Equal(t, "bob", notifs[0].RecipientID)
	})

	t.Run("sad path - missing body", func(t *testing.T) {
		env := newTestEnv()
		thread := env.thread(t, "alice", "bob")
		alice, aliceConn := env.authedSession(t, "alice")

		err := alice.HandleFrame(ctx, &protocol.Frame{
			Type:         protocol.SendEvent,
			ThreadID:     thread.ID,
			ClientTempID: "tmp-1",
		})
		require.NoError(t, err)

		f := aliceConn.lastFrame(t)
		assert.Equal(t, protocol.ErrorEvent, f.Type)
		assert.Equal(t, "tmp-1", f.ClientTempID)
	})

	t.Run("sad path - send into a foreign thread is rejected, never dropped silently", func(t *testing.T) {
		env := newTestEnv()
		thread := env.thread(t, "alice", "bob")
		mallory, malloryConn := env.authedSession(t, "mallory")

		err := mallory.HandleFrame(ctx, &protocol.Frame{
			Type:         protocol.SendEvent,
			ThreadID:     thread.ID,
			Body:         &models.Body{Text: "hi"},
			ClientTempID: "tmp-9",
		})
		require.NoError(t, err)

		f := malloryConn.lastFrame(t)
		assert.Equal(t, protocol.ErrorEvent, f.Type)
		assert.Equal(t, string(apperrors.CodeInvalidSender), f.Code)
		assert.Equal(t, "tmp-9", f.ClientTempID)

		msgs, _, err := env.store.ListMessages(ctx, thread.ID, "", 10)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("interleaved sends from both sides get distinct ordered seqs", func(t *testing.T) {
		env := newTestEnv()
		thread := env.thread(t, "alice", "bob")
		alice, aliceConn := env.authedSession(t, "alice")
		bob, bobConn := env.authedSession(t, "bob")
		joinThread(t, alice, thread.ID)
		joinThread(t, bob, thread.ID)

		require.NoError(t, alice.HandleFrame(ctx, &protocol.Frame{
			Type: protocol.SendEvent, ThreadID: thread.ID, Body: &models.Body{Text: "x"}, ClientTempID: "a1"}))
		require.NoError(t, bob.HandleFrame(ctx, &protocol.Frame{
			Type: protocol.SendEvent, ThreadID: thread.ID, Body: &models.Body{Text: "y"}, ClientTempID: "b1"}))

		var seqs []uint64
		for _, f := range append(aliceConn.received(t), bobConn.received(t)...) {
			if f.Type == protocol.SentEvent {
				seqs = append(seqs, f.Seq)
			}
		}
		require.Len(t, seqs, 2)
		assert.ElementsMatch(t, []uint64{1, 2}, seqs)
	})
}

func TestSessionAck(t *testing.T) {
	ctx := context.Background()

	t.Run("happy path - ack updates the unread counter, no response frame", func(t *testing.T) {
		env := newTestEnv()
		thread := env.thread(t, "alice", "bob")
		msg, err := env.store.AppendMessage(ctx, thread.ID, "alice", models.Body{Text: "hi"})
		require.NoError(t, err)

		bob, bobConn := env.authedSession(t, "bob")
		before := len(bobConn.received(t))

		require.NoError(t, bob.HandleFrame(ctx, &protocol.Frame{Type: protocol.AckEvent, MessageID: msg.ID}))
		assert.Len(t, bobConn.received(t), before)

		count, err := env.store.UnreadCount(ctx, thread.ID, "bob")
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})

	t.Run("ack for an unknown message is ignored", func(t *testing.T) {
		env := newTestEnv()
		bob, bobConn := env.authedSession(t, "bob")
		before := len(bobConn.received(t))

		require.NoError(t, bob.HandleFrame(ctx, &protocol.Frame{Type: protocol.AckEvent, MessageID: "gone"}))
		assert.Len(t, bobConn.received(t), before)
	})
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("second device replaces the first", func(t *testing.T) {
		env := newTestEnv()
		thread := env.thread(t, "alice", "bob")

		first, firstConn := env.authedSession(t, "alice")
		joinThread(t, first, thread.ID)

		_, secondConn := env.authedSession(t, "alice")

		assert.True(t, firstConn.IsClosed())
		assert.Equal(t, presence.Conn(secondConn), env.registry.ConnectionFor("alice"))
		assert.Empty(t, env.registry.ConnectionsInRoom(thread.ID))

		// Frames on the replaced connection are terminal.
		err := first.HandleFrame(ctx, &protocol.Frame{Type: protocol.SendEvent, ThreadID: thread.ID, Body: &models.Body{Text: "late"}})
		assert.ErrorIs(t, err, apperrors.ErrClosed)
	})

	t.Run("teardown releases registry state", func(t *testing.T) {
		env := newTestEnv()
		thread := env.thread(t, "alice", "bob")
		session, _ := env.authedSession(t, "alice")
		joinThread(t, session, thread.ID)

		session.Teardown()
		assert.Equal(t, StateClosed, session.State())
		assert.Nil(t, env.registry.ConnectionFor("alice"))
		assert.Empty(t, env.registry.ConnectionsInRoom(thread.ID))
	})

	t.Run("teardown before authentication is harmless", func(t *testing.T) {
		env := newTestEnv()
		session, _ := env.newSession(time.Minute)
		session.Teardown()
		assert.Equal(t, StateClosed, session.State())
	})
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"dm-go/internal/config"
	"dm-go/internal/kafka"
	"dm-go/internal/presence"
	"dm-go/internal/protocol"
	"dm-go/internal/router"
	"dm-go/internal/storage"

	apperrors "dm-go/pkg/errors"
)

// TokenVerifier is the auth collaborator boundary: credentials in, user
// identity out.
type TokenVerifier func(ctx context.Context, token string) (string, error)

// State is the session's position in the protocol state machine.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateClosed
)

// Deps bundles what every session shares: the thread store, the presence
// registry, the room router, token verification, and the optional offline
// notifier.
type Deps struct {
	Store    storage.ThreadStore
	Registry *presence.Registry
	Router   *router.Router
	Verify   TokenVerifier
	Notifier kafka.OfflineNotifier // may be nil
	Cfg      config.GatewayConfig
}

// Session is the connection-level protocol state machine:
// Unauthenticated -> Authenticated(idle) -> Authenticated(joined) -> Closed.
// Frames are handled sequentially by the transport's read pump, which is what
// serializes sends per thread per sender; responses and fan-out go through
// the presence.Conn.
type Session struct {
	deps Deps
	conn presence.Conn

	mu        sync.Mutex
	state     State
	userID    string
	authTimer *time.Timer
}

// NewSession creates a session over conn and arms the authentication grace
// timer: a connection that has not authenticated when it fires is closed with
// AUTH_TIMEOUT, so unauthenticated connections cannot hold resources.
func NewSession(deps Deps, conn presence.Conn) *Session {
	s := &Session{deps: deps, conn: conn, state: StateUnauthenticated}

	grace := deps.Cfg.AuthGracePeriod
	if grace <= 0 {
		grace = 10 * time.Second
	}
	s.authTimer = time.AfterFunc(grace, s.authTimedOut)
	return s
}

func (s *Session) authTimedOut() {
	s.mu.Lock()
	expired := s.state == StateUnauthenticated
	s.mu.Unlock()
	if !expired {
		return
	}
	s.sendFrame(protocol.NewErrorFrame(apperrors.ErrAuthTimeout, ""))
	s.conn.Close(apperrors.ErrAuthTimeout)
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UserID returns the authenticated identity, or "".
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// callCtx bounds every store/registry call so the gateway responds or fails
// fast, never hangs on its own internals.
func (s *Session) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.deps.Cfg.CallTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// HandleFrame processes one client frame. Protocol-level failures (forbidden
// join, store unavailable, bad payload) are answered with an error frame and
// a nil return; a non-nil return means the session is finished and the
// transport must tear the connection down.
func (s *Session) HandleFrame(ctx context.Context, f *protocol.Frame) error {
	if s.conn.IsClosed() {
		return apperrors.ErrClosed
	}

	switch f.Type {
	case protocol.AuthenticateEvent:
		return s.handleAuthenticate(ctx, f)
	case protocol.JoinEvent:
		return s.withAuth(func(userID string) error { return s.handleJoin(ctx, userID, f) })
	case protocol.LeaveEvent:
		return s.withAuth(func(userID string) error { return s.handleLeave(userID, f) })
	case protocol.SendEvent:
		return s.withAuth(func(userID string) error { return s.handleSend(ctx, userID, f) })
	case protocol.AckEvent:
		return s.withAuth(func(userID string) error { return s.handleAck(ctx, userID, f) })
	default:
		s.sendFrame(protocol.NewErrorFrame(
			apperrors.New(apperrors.CodeInvalidArgument, "unknown event type: "+string(f.Type)), ""))
		return nil
	}
}

// withAuth rejects frames that arrive before authentication.
func (s *Session) withAuth(fn func(userID string) error) error {
	s.mu.Lock()
	state, userID := s.state, s.userID
	s.mu.Unlock()

	if state != StateAuthenticated {
		s.sendFrame(protocol.NewErrorFrame(apperrors.ErrNotAuthenticated, ""))
		return nil
	}
	return fn(userID)
}

func (s *Session) handleAuthenticate(ctx context.Context, f *protocol.Frame) error {
	s.mu.Lock()
	if s.state == StateAuthenticated {
		// Re-authentication on a live session is a no-op success.
		userID := s.userID
		s.mu.Unlock()
		s.sendFrame(&protocol.Frame{Type: protocol.AuthenticatedEvent, UserID: userID})
		return nil
	}
	s.mu.Unlock()

	vctx, cancel := s.callCtx(ctx)
	userID, err := s.deps.Verify(vctx, f.Token)
	cancel()
	if err != nil {
		s.sendFrame(protocol.NewErrorFrame(apperrors.ErrAuthFailed, ""))
		// Authentication failure is terminal: the transport closes the
		// connection.
		return apperrors.ErrAuthFailed
	}

	s.mu.Lock()
	s.state = StateAuthenticated
	s.userID = userID
	if s.authTimer != nil {
		s.authTimer.Stop()
	}
	s.mu.Unlock()

	// Bind the transport to its identity and take over as the user's single
	// live connection; any previous connection is closed by the registry.
	if binder, ok := s.conn.(interface{ BindUser(string) }); ok {
		binder.BindUser(userID)
	}
	s.deps.Registry.Register(s.conn)

	s.sendFrame(&protocol.Frame{Type: protocol.AuthenticatedEvent, UserID: userID})
	return nil
}

func (s *Session) handleJoin(ctx context.Context, userID string, f *protocol.Frame) error {
	cctx, cancel := s.callCtx(ctx)
	thread, err := s.deps.Store.GetThread(cctx, f.ThreadID)
	cancel()
	if err != nil {
		s.sendFrame(protocol.NewErrorFrame(err, ""))
		return nil
	}
	if !thread.HasParticipant(userID) {
		// The join is refused but the session stays up; history remains
		// reachable through the read path.
		s.sendFrame(protocol.NewErrorFrame(apperrors.ErrForbidden, ""))
		return nil
	}

	if err := s.deps.Registry.JoinRoom(s.conn, f.ThreadID); err != nil {
		s.sendFrame(protocol.NewErrorFrame(err, ""))
		return err
	}
	s.sendFrame(&protocol.Frame{Type: protocol.JoinedEvent, ThreadID: f.ThreadID})
	return nil
}

func (s *Session) handleLeave(userID string, f *protocol.Frame) error {
	s.deps.Registry.LeaveRoom(s.conn, f.ThreadID)
	s.sendFrame(&protocol.Frame{Type: protocol.LeftEvent, ThreadID: f.ThreadID})
	return nil
}

// handleSend persists first, then fans out; a message that failed to persist
// is never published. Joining the room is not a precondition for sending:
// the store's participant check is the authoritative one. Join only gates
// receiving live fan-out.
func (s *Session) handleSend(ctx context.Context, userID string, f *protocol.Frame) error {
	if f.Body == nil {
		s.sendFrame(protocol.NewErrorFrame(apperrors.ErrEmptyBody, f.ClientTempID))
		return nil
	}

	cctx, cancel := s.callCtx(ctx)
	msg, err := s.deps.Store.AppendMessage(cctx, f.ThreadID, userID, *f.Body)
	cancel()
	if err != nil {
		s.sendFrame(protocol.NewErrorFrame(err, f.ClientTempID))
		return nil
	}

	// Confirm to the sender before fan-out so the optimistic entry reconciles
	// by clientTempId even if the sender also receives the message later via
	// history.
	s.sendFrame(protocol.NewSentFrame(msg, f.ClientTempID))

	delivered, err := s.deps.Router.Publish(f.ThreadID, protocol.NewReceiveFrame(msg), userID)
	if err != nil {
		log.Printf("gateway: fan-out failed for message %s: %v", msg.ID, err)
		return nil
	}
	if delivered == 0 {
		s.notifyOffline(ctx, userID, msg.ThreadID, msg.ID)
	}
	return nil
}

// notifyOffline emits the recipient-offline signal for the external push
// system. Best effort: failures are logged, never surfaced to the sender.
func (s *Session) notifyOffline(ctx context.Context, senderID, threadID, messageID string) {
	if s.deps.Notifier == nil {
		return
	}
	cctx, cancel := s.callCtx(ctx)
	defer cancel()

	thread, err := s.deps.Store.GetThread(cctx, threadID)
	if err != nil {
		log.Printf("gateway: offline notification skipped, thread %s: %v", threadID, err)
		return
	}
	notif := &protocol.OfflineNotification{
		ThreadID:    threadID,
		MessageID:   messageID,
		SenderID:    senderID,
		RecipientID: thread.OtherParticipant(senderID),
		SentAt:      time.Now().UTC(),
	}
	if err := s.deps.Notifier.NotifyOffline(cctx, notif); err != nil {
		log.Printf("gateway: offline notification for message %s failed: %v", messageID, err)
	}
}

func (s *Session) handleAck(ctx context.Context, userID string, f *protocol.Frame) error {
	cctx, cancel := s.callCtx(ctx)
	err := s.deps.Store.MarkDelivered(cctx, f.MessageID, userID)
	cancel()
	if err != nil && !errors.Is(err, apperrors.ErrMessageNotFound) {
		s.sendFrame(protocol.NewErrorFrame(err, ""))
	}
	// Acks produce no response frame and no state transition.
	return nil
}

// Teardown releases the session's registry state. Called by the transport on
// any disconnect, explicit or not; connection drops are cleanup, not
// application errors.
func (s *Session) Teardown() {
	s.mu.Lock()
	wasAuthenticated := s.state == StateAuthenticated
	s.state = StateClosed
	if s.authTimer != nil {
		s.authTimer.Stop()
	}
	s.mu.Unlock()

	if wasAuthenticated {
		s.deps.Registry.Unregister(s.conn)
	}
}

func (s *Session) sendFrame(f *protocol.Frame) {
	payload, err := json.Marshal(f)
	if err != nil {
		log.Printf("gateway: marshal %s frame: %v", f.Type, err)
		return
	}
	s.conn.Send(payload)
}

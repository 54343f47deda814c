// Package client is the client-side counterpart of the chat gateway. It keeps
// a local, seq-ordered view of each thread, inserts optimistic entries on
// send, and reconciles them against server confirmations by temp-id
// correlation rather than content matching.
package client

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"dm-go/internal/models"
	"dm-go/internal/protocol"

	apperrors "dm-go/pkg/errors"
)

// EntryStatus tracks an entry through the optimistic-echo lifecycle.
type EntryStatus string

const (
	StatusPending EntryStatus = "pending"
	StatusSent    EntryStatus = "sent"
	StatusFailed  EntryStatus = "failed"
)

// Entry is one displayed message. Optimistic entries start with only a
// TempID; the sent confirmation fills in MessageID and Seq.
type Entry struct {
	TempID    string
	MessageID string
	ThreadID  string
	SenderID  string
	Body      models.Body
	Seq       uint64
	Status    EntryStatus
	CreatedAt time.Time
}

// Dialer opens a frame transport to the gateway.
type Dialer func(ctx context.Context) (Transport, error)

// Transport is the frame-level connection the session runs over.
type Transport interface {
	WriteFrame(f *protocol.Frame) error
	ReadFrame() (*protocol.Frame, error)
	Close() error
}

// HistoryFetcher is the REST read path used to reconcile after reconnects.
type HistoryFetcher interface {
	LatestMessages(ctx context.Context, threadID string, limit int) ([]*models.Message, error)
}

// threadState holds one thread's local list plus the correlation tables that
// make reconciliation a lookup instead of a guess.
type threadState struct {
	entries  []*Entry
	byID     map[string]*Entry
	byTempID map[string]*Entry
}

func newThreadState() *threadState {
	return &threadState{
		byID:     make(map[string]*Entry),
		byTempID: make(map[string]*Entry),
	}
}

// Session drives one user's connection: focus/blur around screen lifecycle,
// optimistic sends, and idempotent receive handling.
type Session struct {
	dial     Dialer
	history  HistoryFetcher
	token    string
	pageSize int

	mu        sync.Mutex
	transport Transport
	authed    chan struct{}
	userID    string
	active    map[string]bool
	threads   map[string]*threadState
	closed    bool
}

// NewSession creates a session. The transport is not dialed until Focus.
func NewSession(dial Dialer, history HistoryFetcher, token string, pageSize int) *Session {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Session{
		dial:     dial,
		history:  history,
		token:    token,
		pageSize: pageSize,
		active:   make(map[string]bool),
		threads:  make(map[string]*threadState),
	}
}

// Focus opens or resumes the connection, joins the thread and reconciles the
// local list against the latest history page. Call it when a thread's screen
// becomes visible.
func (s *Session) Focus(ctx context.Context, threadID string) error {
	if err := s.ensureConnected(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.active[threadID] = true
	s.stateFor(threadID)
	transport := s.transport
	s.mu.Unlock()

	if err := transport.WriteFrame(&protocol.Frame{Type: protocol.JoinEvent, ThreadID: threadID}); err != nil {
		return apperrors.Wrap(apperrors.CodeConnectionClosed, "join failed", err)
	}

	msgs, err := s.history.LatestMessages(ctx, threadID, s.pageSize)
	if err != nil {
		return err
	}

	s.mu.Lock()
	st := s.stateFor(threadID)
	var toAck []string
	for _, m := range msgs {
		if s.mergeMessage(st, m) && m.SenderID != s.userID {
			toAck = append(toAck, m.ID)
		}
	}
	sortEntries(st.entries)
	s.mu.Unlock()

	// Messages that arrived while this device was away only surface here, so
	// history merge is an ack point just like a live receive.
	for _, id := range toAck {
		if err := transport.WriteFrame(&protocol.Frame{Type: protocol.AckEvent, MessageID: id}); err != nil {
			log.Printf("client: ack %s: %v", id, err)
		}
	}
	return nil
}

// Blur leaves the thread and disconnects when no thread remains active. Call
// it when a thread's screen unmounts.
func (s *Session) Blur(threadID string) {
	s.mu.Lock()
	delete(s.active, threadID)
	transport := s.transport
	lastActive := len(s.active) == 0
	s.mu.Unlock()

	if transport == nil {
		return
	}
	if err := transport.WriteFrame(&protocol.Frame{Type: protocol.LeaveEvent, ThreadID: threadID}); err != nil {
		log.Printf("client: leave %s: %v", threadID, err)
	}
	if lastActive {
		s.disconnect()
	}
}

// Send inserts an optimistic entry and pushes the send frame. It returns the
// client temp id identifying the entry until the server confirms it.
func (s *Session) Send(threadID string, body models.Body) (string, error) {
	tempID := uuid.NewString()

	s.mu.Lock()
	st := s.stateFor(threadID)
	entry := &Entry{
		TempID:    tempID,
		ThreadID:  threadID,
		SenderID:  s.userID,
		Body:      body,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
	st.entries = append(st.entries, entry)
	st.byTempID[tempID] = entry
	transport := s.transport
	s.mu.Unlock()

	if transport == nil {
		s.markFailed(threadID, tempID)
		return tempID, apperrors.ErrClosed
	}
	if err := s.writeSend(transport, threadID, tempID, body); err != nil {
		s.markFailed(threadID, tempID)
		return tempID, err
	}
	return tempID, nil
}

// Resend retries a failed entry, reusing its temp id so a late confirmation
// of the original attempt still reconciles to the same entry.
func (s *Session) Resend(threadID, tempID string) error {
	s.mu.Lock()
	st := s.stateFor(threadID)
	entry, ok := st.byTempID[tempID]
	if !ok || entry.Status != StatusFailed {
		s.mu.Unlock()
		return apperrors.ErrMessageNotFound
	}
	entry.Status = StatusPending
	transport := s.transport
	s.mu.Unlock()

	if transport == nil {
		s.markFailed(threadID, tempID)
		return apperrors.ErrClosed
	}
	if err := s.writeSend(transport, threadID, tempID, entry.Body); err != nil {
		s.markFailed(threadID, tempID)
		return err
	}
	return nil
}

// Messages returns a snapshot of the thread's displayed list, sorted by the
// store-assigned seq. Unconfirmed entries sort after confirmed ones in
// composition order.
func (s *Session) Messages(threadID string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateFor(threadID)
	out := make([]Entry, 0, len(st.entries))
	for _, e := range st.entries {
		out = append(out, *e)
	}
	return out
}

// UserID returns the authenticated user id, empty before authentication.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Close tears the connection down. Pending entries are marked failed so the
// caller can offer resend after reconnecting.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.disconnect()
}

func (s *Session) ensureConnected(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return apperrors.ErrClosed
	}
	if s.transport != nil {
		authed := s.authed
		s.mu.Unlock()
		if authed == nil {
			// Already authenticated on a live connection.
			return nil
		}
		return s.waitAuthed(ctx, authed)
	}
	s.mu.Unlock()

	transport, err := s.dial(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeConnectionClosed, "dial failed", err)
	}

	authed := make(chan struct{})
	s.mu.Lock()
	s.transport = transport
	s.authed = authed
	s.mu.Unlock()

	go s.readLoop(transport)

	if err := transport.WriteFrame(&protocol.Frame{Type: protocol.AuthenticateEvent, Token: s.token}); err != nil {
		s.disconnect()
		return apperrors.Wrap(apperrors.CodeConnectionClosed, "authenticate failed", err)
	}
	return s.waitAuthed(ctx, authed)
}

func (s *Session) waitAuthed(ctx context.Context, authed chan struct{}) error {
	select {
	case <-authed:
		return nil
	case <-ctx.Done():
		return apperrors.Wrap(apperrors.CodeAuthTimeout, "authentication not confirmed", ctx.Err())
	}
}

func (s *Session) disconnect() {
	s.mu.Lock()
	transport := s.transport
	s.transport = nil
	s.authed = nil
	for _, st := range s.threads {
		for _, e := range st.entries {
			if e.Status == StatusPending {
				e.Status = StatusFailed
			}
		}
	}
	s.mu.Unlock()
	if transport != nil {
		transport.Close()
	}
}

// readLoop dispatches server frames until the transport fails. A failed read
// is an implicit disconnect; in-flight sends become failed entries, never
// silent retries.
func (s *Session) readLoop(transport Transport) {
	for {
		f, err := transport.ReadFrame()
		if err != nil {
			s.mu.Lock()
			current := s.transport == transport
			s.mu.Unlock()
			if current {
				s.disconnect()
			}
			return
		}
		s.handleFrame(transport, f)
	}
}

func (s *Session) handleFrame(transport Transport, f *protocol.Frame) {
	switch f.Type {
	case protocol.AuthenticatedEvent:
		s.mu.Lock()
		s.userID = f.UserID
		if s.authed != nil {
			close(s.authed)
			s.authed = nil
		}
		s.mu.Unlock()

	case protocol.SentEvent:
		s.handleSent(f)

	case protocol.ReceiveEvent:
		s.handleReceive(transport, f)

	case protocol.ErrorEvent:
		s.handleError(f)

	case protocol.JoinedEvent, protocol.LeftEvent:
		// membership acks carry no state the session does not already hold

	default:
		log.Printf("client: unexpected frame type %q", f.Type)
	}
}

// handleSent reconciles an optimistic entry with its server identity. The
// lookup is strictly by temp id so duplicate-looking messages never merge.
func (s *Session) handleSent(f *protocol.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateFor(f.ThreadID)
	entry, ok := st.byTempID[f.ClientTempID]
	if !ok {
		return
	}
	entry.MessageID = f.MessageID
	entry.Seq = f.Seq
	entry.Status = StatusSent
	st.byID[f.MessageID] = entry
	sortEntries(st.entries)
}

func (s *Session) handleReceive(transport Transport, f *protocol.Frame) {
	if f.Message == nil {
		return
	}
	s.mu.Lock()
	st := s.stateFor(f.Message.ThreadID)
	merged := s.mergeMessage(st, f.Message)
	sortEntries(st.entries)
	s.mu.Unlock()

	if merged {
		if err := transport.WriteFrame(&protocol.Frame{Type: protocol.AckEvent, MessageID: f.Message.ID}); err != nil {
			log.Printf("client: ack %s: %v", f.Message.ID, err)
		}
	}
}

func (s *Session) handleError(f *protocol.Frame) {
	if f.ClientTempID == "" {
		log.Printf("client: server error %s: %s", f.Code, f.Error)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.threads {
		if entry, ok := st.byTempID[f.ClientTempID]; ok {
			entry.Status = StatusFailed
			return
		}
	}
}

// mergeMessage adds a server message unless an entry with its id already
// exists, which makes receive and history replays idempotent. It reports
// whether the message was newly added.
func (s *Session) mergeMessage(st *threadState, m *models.Message) bool {
	if _, ok := st.byID[m.ID]; ok {
		return false
	}
	entry := &Entry{
		MessageID: m.ID,
		ThreadID:  m.ThreadID,
		SenderID:  m.SenderID,
		Body:      m.Body,
		Seq:       m.Seq,
		Status:    StatusSent,
		CreatedAt: m.CreatedAt,
	}
	st.entries = append(st.entries, entry)
	st.byID[m.ID] = entry
	return true
}

func (s *Session) markFailed(threadID, tempID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.stateFor(threadID).byTempID[tempID]; ok {
		entry.Status = StatusFailed
	}
}

func (s *Session) writeSend(transport Transport, threadID, tempID string, body models.Body) error {
	err := transport.WriteFrame(&protocol.Frame{
		Type:         protocol.SendEvent,
		ThreadID:     threadID,
		Body:         &body,
		ClientTempID: tempID,
	})
	if err != nil {
		return apperrors.Wrap(apperrors.CodeConnectionClosed, "send failed", err)
	}
	return nil
}

// stateFor must be called with s.mu held.
func (s *Session) stateFor(threadID string) *threadState {
	st, ok := s.threads[threadID]
	if !ok {
		st = newThreadState()
		s.threads[threadID] = st
	}
	return st
}

// sortEntries orders by store seq; entries without a seq yet keep composition
// order at the tail. Arrival order is never trusted.
func sortEntries(entries []*Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		switch {
		case a.Seq != 0 && b.Seq != 0:
			return a.Seq < b.Seq
		case a.Seq != 0:
			return true
		case b.Seq != 0:
			return false
		default:
			return a.CreatedAt.Before(b.CreatedAt)
		}
	})
}

package storage

import (
	"context"

	"dm-go/internal/models"
)

// ThreadStore is the durable record of threads and their messages. It owns
// persistence, pagination, delivery receipts and unread counts. Both the
// gateway and the REST read path consume this contract.
//
// Implementations must serialize message appends per thread while letting
// unrelated threads proceed concurrently.
type ThreadStore interface {
	// GetOrCreateThread returns the thread for the unordered pair
	// (userA, userB), creating it on first contact. Idempotent and safe under
	// concurrent calls for the same pair: exactly one thread per pair.
	GetOrCreateThread(ctx context.Context, userA, userB string) (*models.Thread, error)

	// GetThread retrieves a thread by id.
	GetThread(ctx context.Context, threadID string) (*models.Thread, error)

	// AppendMessage persists a new message, assigning it the next per-thread
	// sequence number and updating the thread's lastMessageAt. Fails with
	// ErrThreadNotFound or ErrInvalidSender.
	AppendMessage(ctx context.Context, threadID, senderID string, body models.Body) (*models.Message, error)

	// ListMessages returns up to limit messages in reverse-chronological
	// order. beforeID is an exclusive cursor (a message id); "" means newest
	// page. Repeated calls with the same cursor under no new writes return
	// the same page.
	ListMessages(ctx context.Context, threadID, beforeID string, limit int) (messages []*models.Message, hasMore bool, err error)

	// ListThreadsForUser returns the user's threads ordered by lastMessageAt
	// descending.
	ListThreadsForUser(ctx context.Context, userID string, offset, limit int) ([]*models.Thread, error)

	// MarkDelivered records recipientID's delivery ack for messageID.
	// Idempotent: a repeated ack leaves the receipt set unchanged.
	MarkDelivered(ctx context.Context, messageID, recipientID string) error

	// UnreadCount counts messages in the thread not sent by userID and not
	// yet acknowledged by userID.
	UnreadCount(ctx context.Context, threadID, userID string) (int, error)
}

const (
	// DefaultPageSize bounds ListMessages/ListThreadsForUser when the caller
	// passes limit <= 0.
	DefaultPageSize = 50
	// MaxPageSize caps client-supplied limits.
	MaxPageSize = 200
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

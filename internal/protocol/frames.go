package protocol

import (
	"time"

	"dm-go/internal/models"

	apperrors "dm-go/pkg/errors"
)

// EventType identifies a frame on the persistent connection.
type EventType string

// Client -> server events.
const (
	AuthenticateEvent EventType = "authenticate"
	JoinEvent         EventType = "join"
	LeaveEvent        EventType = "leave"
	SendEvent         EventType = "send"
	AckEvent          EventType = "ack"
)

// Server -> client events.
const (
	AuthenticatedEvent EventType = "authenticated"
	JoinedEvent        EventType = "joined"
	LeftEvent          EventType = "left"
	SentEvent          EventType = "sent"
	ReceiveEvent       EventType = "receive"
	ErrorEvent         EventType = "error"
)

// Frame is the single JSON envelope exchanged over the WebSocket, in both
// directions. Fields are populated according to Type; unused fields are
// omitted on the wire.
type Frame struct {
	Type EventType `json:"type"`

	// authenticate
	Token string `json:"token,omitempty"`

	// join / leave / send
	ThreadID string `json:"threadId,omitempty"`

	// send
	Body         *models.Body `json:"body,omitempty"`
	ClientTempID string       `json:"clientTempId,omitempty"`

	// ack / sent
	MessageID string `json:"messageId,omitempty"`
	Seq       uint64 `json:"seq,omitempty"`

	// authenticated
	UserID string `json:"userId,omitempty"`

	// receive
	Message *models.Message `json:"message,omitempty"`

	// error
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

// NewErrorFrame builds an error frame from an application error. clientTempID
// correlates a failed send back to the caller's optimistic entry; pass "" for
// other operations.
func NewErrorFrame(err error, clientTempID string) *Frame {
	return &Frame{
		Type:         ErrorEvent,
		Code:         string(apperrors.CodeOf(err)),
		Error:        err.Error(),
		ClientTempID: clientTempID,
	}
}

// NewSentFrame confirms a persisted send back to its sender.
func NewSentFrame(msg *models.Message, clientTempID string) *Frame {
	return &Frame{
		Type:         SentEvent,
		ThreadID:     msg.ThreadID,
		MessageID:    msg.ID,
		Seq:          msg.Seq,
		ClientTempID: clientTempID,
	}
}

// NewReceiveFrame carries a full message record to a live recipient.
func NewReceiveFrame(msg *models.Message) *Frame {
	return &Frame{
		Type:     ReceiveEvent,
		ThreadID: msg.ThreadID,
		Message:  msg,
	}
}

// OfflineNotification is the "message persisted, recipient offline" signal
// emitted for the external push-notification system. The gateway owns no
// delivery guarantee for it.
type OfflineNotification struct {
	ThreadID    string    `json:"threadId"`
	MessageID   string    `json:"messageId"`
	SenderID    string    `json:"senderId"`
	RecipientID string    `json:"recipientId"`
	SentAt      time.Time `json:"sentAt"`
}

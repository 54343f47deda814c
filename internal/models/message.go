package models

import "time"

// Body is the content of a message: text or a reference to an uploaded image.
// Image upload/storage itself is an external concern; only the reference is
// persisted here.
type Body struct {
	Text     string `gorm:"column:body_text;type:text" json:"text,omitempty"`
	ImageRef string `gorm:"column:body_image_ref;type:varchar(255)" json:"imageRef,omitempty"`
}

// IsEmpty reports whether neither text nor image reference is populated.
func (b Body) IsEmpty() bool {
	return b.Text == "" && b.ImageRef == ""
}

// Message is an immutable unit of communication once persisted. Seq is the
// per-thread total order (strictly increasing per thread); clients sort by it,
// never by arrival order. Only delivery receipts grow after creation.
type Message struct {
	ID       string `gorm:"type:varchar(36);primaryKey" json:"id"`
	ThreadID string `gorm:"type:varchar(36);not null;uniqueIndex:idx_thread_seq,priority:1;index" json:"threadId"`
	Seq      uint64 `gorm:"not null;uniqueIndex:idx_thread_seq,priority:2" json:"seq"`
	SenderID string `gorm:"type:varchar(64);not null;index" json:"senderId"`

	Body Body `gorm:"embedded" json:"body"`

	CreatedAt time.Time `json:"createdAt"`

	// DeliveredTo is loaded from message_receipts; it grows monotonically and
	// never shrinks.
	DeliveredTo []string `gorm:"-" json:"deliveredTo"`
}

// TableName specifies the table name for the Message model.
func (Message) TableName() string {
	return "messages"
}

// MessageReceipt records a recipient's delivery ack for one message. The
// unique index makes MarkDelivered idempotent: the second insert for the same
// (message, recipient) pair is a no-op.
type MessageReceipt struct {
	MessageID   string    `gorm:"type:varchar(36);primaryKey" json:"messageId"`
	RecipientID string    `gorm:"type:varchar(64);primaryKey" json:"recipientId"`
	ThreadID    string    `gorm:"type:varchar(36);not null;index" json:"threadId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// TableName specifies the table name for the MessageReceipt model.
func (MessageReceipt) TableName() string {
	return "message_receipts"
}

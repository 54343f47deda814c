package models

import "time"

// Thread represents exactly one two-participant conversation. The participant
// pair is stored canonically ordered (ParticipantA < ParticipantB) so the
// unique index guarantees one thread per unordered pair. The participant set
// never changes after creation.
type Thread struct {
	ID string `gorm:"type:varchar(36);primaryKey" json:"id"`

	ParticipantA string `gorm:"type:varchar(64);not null;uniqueIndex:idx_thread_pair,priority:1;index" json:"-"`
	ParticipantB string `gorm:"type:varchar(64);not null;uniqueIndex:idx_thread_pair,priority:2;index" json:"-"`

	// LastSeq is the sequence number of the newest message; AppendMessage
	// assigns LastSeq+1 under a row lock, which serializes appends per thread
	// while unrelated threads proceed concurrently.
	LastSeq uint64 `gorm:"not null;default:0" json:"-"`

	CreatedAt     time.Time `json:"createdAt"`
	LastMessageAt time.Time `gorm:"index" json:"lastMessageAt"`

	// Inactive is set by an external moderation concern; threads are never
	// hard-deleted.
	Inactive bool `gorm:"not null;default:false" json:"inactive,omitempty"`
}

// TableName specifies the table name for the Thread model.
func (Thread) TableName() string {
	return "threads"
}

// ParticipantIDs returns both participants in canonical order.
func (t *Thread) ParticipantIDs() [2]string {
	return [2]string{t.ParticipantA, t.ParticipantB}
}

// HasParticipant reports whether userID is one of the two participants.
func (t *Thread) HasParticipant(userID string) bool {
	return userID == t.ParticipantA || userID == t.ParticipantB
}

// OtherParticipant returns the peer of userID, or "" if userID is not a
// participant.
func (t *Thread) OtherParticipant(userID string) string {
	switch userID {
	case t.ParticipantA:
		return t.ParticipantB
	case t.ParticipantB:
		return t.ParticipantA
	}
	return ""
}

// CanonicalPair orders an unordered participant pair deterministically, so
// lookups and the unique index agree regardless of argument order.
func CanonicalPair(userA, userB string) (string, string) {
	if userA > userB {
		return userB, userA
	}
	return userA, userB
}

package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "dm-go/pkg/errors"

	"dm-go/internal/models"
)

// gormThreadStore implements ThreadStore on GORM/postgres.
type gormThreadStore struct {
	db *gorm.DB
}

// NewGormThreadStore creates a new GORM-backed ThreadStore.
func NewGormThreadStore(db *gorm.DB) ThreadStore {
	return &gormThreadStore{db: db}
}

// GetOrCreateThread finds or creates the thread for an unordered user pair.
// The canonical pair ordering plus the unique index on (participant_a,
// participant_b) make this safe under concurrent calls: the loser of a create
// race hits the unique constraint and re-fetches.
func (s *gormThreadStore) GetOrCreateThread(ctx context.Context, userA, userB string) (*models.Thread, error) {
	if userA == "" || userB == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "participant ids must not be empty")
	}
	if userA == userB {
		return nil, apperrors.ErrSelfThread
	}
	a, b := models.CanonicalPair(userA, userB)

	thread, err := s.findByPair(ctx, a, b)
	if err != nil {
		return nil, err
	}
	if thread != nil {
		return thread, nil
	}

	now := time.Now().UTC()
	newThread := &models.Thread{
		ID:            uuid.NewString(),
		ParticipantA:  a,
		ParticipantB:  b,
		CreatedAt:     now,
		LastMessageAt: now,
	}
	if err := s.db.WithContext(ctx).Create(newThread).Error; err != nil {
		// Most likely the unique pair index: another caller created the
		// thread first. Re-fetch before giving up.
		if existing, ferr := s.findByPair(ctx, a, b); ferr == nil && existing != nil {
			return existing, nil
		}
		return nil, apperrors.ErrStoreUnavailable(err)
	}
	return newThread, nil
}

func (s *gormThreadStore) findByPair(ctx context.Context, a, b string) (*models.Thread, error) {
	var thread models.Thread
	err := s.db.WithContext(ctx).
		Where("participant_a = ? AND participant_b = ?", a, b).
		First(&thread).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, apperrors.ErrStoreUnavailable(err)
	}
	return &thread, nil
}

// GetThread retrieves a thread by id.
func (s *gormThreadStore) GetThread(ctx context.Context, threadID string) (*models.Thread, error) {
	var thread models.Thread
	err := s.db.WithContext(ctx).First(&thread, "id = ?", threadID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrThreadNotFound
		}
		return nil, apperrors.ErrStoreUnavailable(err)
	}
	return &thread, nil
}

// AppendMessage assigns the next per-thread sequence number under a row lock
// on the thread, writes the message and bumps lastMessageAt in one
// transaction. The row lock serializes appends per thread; unrelated threads
// are untouched.
func (s *gormThreadStore) AppendMessage(ctx context.Context, threadID, senderID string, body models.Body) (*models.Message, error) {
	if body.IsEmpty() {
		return nil, apperrors.ErrEmptyBody
	}

	var msg *models.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var thread models.Thread
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&thread, "id = ?", threadID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperrors.ErrThreadNotFound
			}
			return apperrors.ErrStoreUnavailable(err)
		}
		if !thread.HasParticipant(senderID) {
			return apperrors.ErrInvalidSender
		}

		now := time.Now().UTC()
		msg = &models.Message{
			ID:          uuid.NewString(),
			ThreadID:    thread.ID,
			Seq:         thread.LastSeq + 1,
			SenderID:    senderID,
			Body:        body,
			CreatedAt:   now,
			DeliveredTo: []string{},
		}
		if err := tx.Create(msg).Error; err != nil {
			return apperrors.ErrStoreUnavailable(err)
		}
		if err := tx.Model(&models.Thread{}).
			Where("id = ?", thread.ID).
			Updates(map[string]interface{}{
				"last_seq":        msg.Seq,
				"last_message_at": now,
			}).Error; err != nil {
			return apperrors.ErrStoreUnavailable(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ListMessages pages through a thread's history newest-first. beforeID is an
// exclusive cursor resolved to its sequence number, so the page is stable
// under no new writes.
func (s *gormThreadStore) ListMessages(ctx context.Context, threadID, beforeID string, limit int) ([]*models.Message, bool, error) {
	limit = clampLimit(limit)

	if _, err := s.GetThread(ctx, threadID); err != nil {
		return nil, false, err
	}

	query := s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("seq DESC")

	if beforeID != "" {
		var cursor models.Message
		err := s.db.WithContext(ctx).
			Where("thread_id = ? AND id = ?", threadID, beforeID).
			First(&cursor).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, false, apperrors.ErrMessageNotFound
			}
			return nil, false, apperrors.ErrStoreUnavailable(err)
		}
		query = query.Where("seq < ?", cursor.Seq)
	}

	var messages []*models.Message
	// Fetch one extra row to learn whether an older page exists.
	if err := query.Limit(limit + 1).Find(&messages).Error; err != nil {
		return nil, false, apperrors.ErrStoreUnavailable(err)
	}
	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}

	if err := s.loadReceipts(ctx, messages); err != nil {
		return nil, false, err
	}
	return messages, hasMore, nil
}

func (s *gormThreadStore) loadReceipts(ctx context.Context, messages []*models.Message) error {
	if len(messages) == 0 {
		return nil
	}
	ids := make([]string, 0, len(messages))
	for _, m := range messages {
		m.DeliveredTo = []string{}
		ids = append(ids, m.ID)
	}
	var receipts []models.MessageReceipt
	if err := s.db.WithContext(ctx).
		Where("message_id IN ?", ids).
		Find(&receipts).Error; err != nil {
		return apperrors.ErrStoreUnavailable(err)
	}
	byMsg := make(map[string][]string, len(receipts))
	for _, r := range receipts {
		byMsg[r.MessageID] = append(byMsg[r.MessageID], r.RecipientID)
	}
	for _, m := range messages {
		if d, ok := byMsg[m.ID]; ok {
			m.DeliveredTo = d
		}
	}
	return nil
}

// ListThreadsForUser returns the user's threads ordered by lastMessageAt
// descending.
func (s *gormThreadStore) ListThreadsForUser(ctx context.Context, userID string, offset, limit int) ([]*models.Thread, error) {
	limit = clampLimit(limit)
	var threads []*models.Thread
	query := s.db.WithContext(ctx).
		Where("participant_a = ? OR participant_b = ?", userID, userID).
		Order("last_message_at DESC").
		Limit(limit)
	if offset > 0 {
		query = query.Offset(offset)
	}
	if err := query.Find(&threads).Error; err != nil {
		return nil, apperrors.ErrStoreUnavailable(err)
	}
	return threads, nil
}

// MarkDelivered records a delivery receipt. The composite primary key plus
// ON CONFLICT DO NOTHING make repeated acks no-ops.
func (s *gormThreadStore) MarkDelivered(ctx context.Context, messageID, recipientID string) error {
	var msg models.Message
	err := s.db.WithContext(ctx).First(&msg, "id = ?", messageID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.ErrMessageNotFound
		}
		return apperrors.ErrStoreUnavailable(err)
	}

	thread, err := s.GetThread(ctx, msg.ThreadID)
	if err != nil {
		return err
	}
	if !thread.HasParticipant(recipientID) {
		return apperrors.ErrForbidden
	}
	if msg.SenderID == recipientID {
		// A sender acking their own message carries no information.
		return nil
	}

	receipt := models.MessageReceipt{
		MessageID:   messageID,
		RecipientID: recipientID,
		ThreadID:    msg.ThreadID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&receipt).Error; err != nil {
		return apperrors.ErrStoreUnavailable(err)
	}
	return nil
}

// UnreadCount counts the thread's messages not sent by userID and not yet
// acknowledged by userID.
func (s *gormThreadStore) UnreadCount(ctx context.Context, threadID, userID string) (int, error) {
	thread, err := s.GetThread(ctx, threadID)
	if err != nil {
		return 0, err
	}
	if !thread.HasParticipant(userID) {
		return 0, apperrors.ErrForbidden
	}

	var count int64
	err = s.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("thread_id = ? AND sender_id <> ?", threadID, userID).
		Where("NOT EXISTS (SELECT 1 FROM message_receipts r WHERE r.message_id = messages.id AND r.recipient_id = ?)", userID).
		Count(&count).Error
	if err != nil {
		return 0, apperrors.ErrStoreUnavailable(err)
	}
	return int(count), nil
}

package storage

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "dm-go/pkg/errors"

	"dm-go/internal/models"
)

const memoryStoreStripes = 64

// memoryThreadStore is an in-memory ThreadStore with the same semantics as
// the GORM implementation. Used for tests and via STORE.TYPE=memory for local
// runs without postgres.
//
// state guards the maps; writes that must be serialized per key (thread
// creation per pair, message append per thread) additionally take a striped
// key lock first, so unrelated keys proceed concurrently while state itself
// is only held for short in-memory mutations.
type memoryThreadStore struct {
	state sync.RWMutex

	threads  map[string]*models.Thread            // threadID -> thread
	byPair   map[string]string                    // "a|b" canonical pair -> threadID
	messages map[string][]*models.Message         // threadID -> messages ascending by seq
	byMsgID  map[string]*models.Message           // messageID -> message
	receipts map[string]map[string]bool           // messageID -> recipient set

	stripes [memoryStoreStripes]sync.Mutex
}

// NewMemoryThreadStore creates an empty in-memory ThreadStore.
func NewMemoryThreadStore() ThreadStore {
	return &memoryThreadStore{
		threads:  make(map[string]*models.Thread),
		byPair:   make(map[string]string),
		messages: make(map[string][]*models.Message),
		byMsgID:  make(map[string]*models.Message),
		receipts: make(map[string]map[string]bool),
	}
}

func (s *memoryThreadStore) stripe(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.stripes[h.Sum32()%memoryStoreStripes]
}

func (s *memoryThreadStore) GetOrCreateThread(ctx context.Context, userA, userB string) (*models.Thread, error) {
	if userA == "" || userB == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "participant ids must not be empty")
	}
	if userA == userB {
		return nil, apperrors.ErrSelfThread
	}
	a, b := models.CanonicalPair(userA, userB)
	pairKey := a + "|" + b

	// The pair stripe serializes concurrent first-contact calls for the same
	// pair; the check-then-create below is atomic under it.
	mu := s.stripe(pairKey)
	mu.Lock()
	defer mu.Unlock()

	s.state.RLock()
	id, ok := s.byPair[pairKey]
	s.state.RUnlock()
	if ok {
		return s.cloneThread(id), nil
	}

	now := time.Now().UTC()
	thread := &models.Thread{
		ID:            uuid.NewString(),
		ParticipantA:  a,
		ParticipantB:  b,
		CreatedAt:     now,
		LastMessageAt: now,
	}

	s.state.Lock()
	s.threads[thread.ID] = thread
	s.byPair[pairKey] = thread.ID
	s.state.Unlock()

	clone := *thread
	return &clone, nil
}

func (s *memoryThreadStore) GetThread(ctx context.Context, threadID string) (*models.Thread, error) {
	thread := s.cloneThread(threadID)
	if thread == nil {
		return nil, apperrors.ErrThreadNotFound
	}
	return thread, nil
}

func (s *memoryThreadStore) cloneThread(threadID string) *models.Thread {
	s.state.RLock()
	defer s.state.RUnlock()
	thread, ok := s.threads[threadID]
	if !ok {
		return nil
	}
	clone := *thread
	return &clone
}

func (s *memoryThreadStore) AppendMessage(ctx context.Context, threadID, senderID string, body models.Body) (*models.Message, error) {
	if body.IsEmpty() {
		return nil, apperrors.ErrEmptyBody
	}

	// Per-thread stripe: seq assignment and append are serialized per
	// thread, so the seq computed under the read lock below cannot go stale
	// before the write section runs.
	mu := s.stripe(threadID)
	mu.Lock()
	defer mu.Unlock()

	s.state.RLock()
	thread, ok := s.threads[threadID]
	var seq uint64
	var valid bool
	if ok {
		valid = thread.HasParticipant(senderID)
		seq = thread.LastSeq + 1
	}
	s.state.RUnlock()
	if !ok {
		return nil, apperrors.ErrThreadNotFound
	}
	if !valid {
		return nil, apperrors.ErrInvalidSender
	}

	now := time.Now().UTC()
	msg := &models.Message{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Seq:       seq,
		SenderID:  senderID,
		Body:      body,
		CreatedAt: now,
	}

	s.state.Lock()
	thread.LastSeq = seq
	thread.LastMessageAt = now
	s.messages[threadID] = append(s.messages[threadID], msg)
	s.byMsgID[msg.ID] = msg
	clone := s.cloneMessageLocked(msg)
	s.state.Unlock()

	return clone, nil
}

// cloneMessageLocked copies a message plus its receipt snapshot. Callers must
// hold state (read or write).
func (s *memoryThreadStore) cloneMessageLocked(m *models.Message) *models.Message {
	clone := *m
	clone.DeliveredTo = []string{}
	for recipient := range s.receipts[m.ID] {
		clone.DeliveredTo = append(clone.DeliveredTo, recipient)
	}
	sort.Strings(clone.DeliveredTo)
	return &clone
}

func (s *memoryThreadStore) ListMessages(ctx context.Context, threadID, beforeID string, limit int) ([]*models.Message, bool, error) {
	limit = clampLimit(limit)

	s.state.RLock()
	defer s.state.RUnlock()

	if _, ok := s.threads[threadID]; !ok {
		return nil, false, apperrors.ErrThreadNotFound
	}

	all := s.messages[threadID]
	end := len(all)
	if beforeID != "" {
		cursor, ok := s.byMsgID[beforeID]
		if !ok || cursor.ThreadID != threadID {
			return nil, false, apperrors.ErrMessageNotFound
		}
		// all is ascending by seq; the cursor is exclusive.
		end = sort.Search(len(all), func(i int) bool { return all[i].Seq >= cursor.Seq })
	}

	start := end - limit
	if start < 0 {
		start = 0
	}
	page := make([]*models.Message, 0, end-start)
	for i := end - 1; i >= start; i-- {
		page = append(page, s.cloneMessageLocked(all[i]))
	}
	return page, start > 0, nil
}

func (s *memoryThreadStore) ListThreadsForUser(ctx context.Context, userID string, offset, limit int) ([]*models.Thread, error) {
	limit = clampLimit(limit)

	s.state.RLock()
	var threads []*models.Thread
	for _, t := range s.threads {
		if t.HasParticipant(userID) {
			clone := *t
			threads = append(threads, &clone)
		}
	}
	s.state.RUnlock()

	sort.Slice(threads, func(i, j int) bool {
		if threads[i].LastMessageAt.Equal(threads[j].LastMessageAt) {
			return threads[i].ID < threads[j].ID
		}
		return threads[i].LastMessageAt.After(threads[j].LastMessageAt)
	})

	if offset >= len(threads) {
		return []*models.Thread{}, nil
	}
	threads = threads[offset:]
	if len(threads) > limit {
		threads = threads[:limit]
	}
	return threads, nil
}

func (s *memoryThreadStore) MarkDelivered(ctx context.Context, messageID, recipientID string) error {
	s.state.Lock()
	defer s.state.Unlock()

	msg, ok := s.byMsgID[messageID]
	if !ok {
		return apperrors.ErrMessageNotFound
	}
	thread := s.threads[msg.ThreadID]
	if thread == nil || !thread.HasParticipant(recipientID) {
		return apperrors.ErrForbidden
	}
	if msg.SenderID == recipientID {
		return nil
	}

	set, ok := s.receipts[messageID]
	if !ok {
		set = make(map[string]bool)
		s.receipts[messageID] = set
	}
	set[recipientID] = true
	return nil
}

func (s *memoryThreadStore) UnreadCount(ctx context.Context, threadID, userID string) (int, error) {
	s.state.RLock()
	defer s.state.RUnlock()

	thread, ok := s.threads[threadID]
	if !ok {
		return 0, apperrors.ErrThreadNotFound
	}
	if !thread.HasParticipant(userID) {
		return 0, apperrors.ErrForbidden
	}

	count := 0
	for _, m := range s.messages[threadID] {
		if m.SenderID == userID {
			continue
		}
		if !s.receipts[m.ID][userID] {
			count++
		}
	}
	return count, nil
}

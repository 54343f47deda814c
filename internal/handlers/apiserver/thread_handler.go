package apiserver

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"dm-go/internal/middleware"
	"dm-go/internal/models"
	"dm-go/internal/storage"
)

// ThreadHandler serves the REST read path the client session adapter uses
// outside the live connection: thread list, thread creation by peer, history
// pagination and unread counts. It shares the ThreadStore contract with the
// gateway.
type ThreadHandler struct {
	store storage.ThreadStore
}

// NewThreadHandler creates a ThreadHandler over the given store.
func NewThreadHandler(store storage.ThreadStore) *ThreadHandler {
	return &ThreadHandler{store: store}
}

// threadResponse is the wire shape of a thread for the read path.
type threadResponse struct {
	ID             string    `json:"id"`
	ParticipantIDs [2]string `json:"participantIds"`
	CreatedAt      time.Time `json:"createdAt"`
	LastMessageAt  time.Time `json:"lastMessageAt"`
	UnreadCount    int       `json:"unreadCount"`
}

// createThreadRequest asks for the thread with a peer, creating it on first
// contact. Threads are always addressed by participant pair here, never
// created by id, which is what keeps them unique per pair.
type createThreadRequest struct {
	PeerID string `json:"peerId"`
}

// CreateOrGetThreadHandler handles POST /threads/private.
func (h *ThreadHandler) CreateOrGetThreadHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, "not authenticated", http.StatusUnauthorized)
		return
	}

	var req createThreadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	thread, err := h.store.GetOrCreateThread(r.Context(), userID, req.PeerID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toResponse(r, thread, userID))
}

// ListThreadsHandler handles GET /threads, ordered by lastMessageAt
// descending.
func (h *ThreadHandler) ListThreadsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, "not authenticated", http.StatusUnauthorized)
		return
	}

	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", storage.DefaultPageSize)

	threads, err := h.store.ListThreadsForUser(r.Context(), userID, offset, limit)
	if err != nil {
		writeAppError(w, err)
		return
	}

	result := make([]threadResponse, 0, len(threads))
	for _, t := range threads {
		result = append(result, h.toResponse(r, t, userID))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"threads": result})
}

// ListMessagesHandler handles GET /threads/{threadID}/messages with an
// exclusive `before` message-id cursor.
func (h *ThreadHandler) ListMessagesHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, "not authenticated", http.StatusUnauthorized)
		return
	}
	threadID := mux.Vars(r)["threadID"]

	thread, err := h.store.GetThread(r.Context(), threadID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if !thread.HasParticipant(userID) {
		writeJSONError(w, "not a participant of this thread", http.StatusForbidden)
		return
	}

	before := r.URL.Query().Get("before")
	limit := queryInt(r, "limit", storage.DefaultPageSize)

	messages, hasMore, err := h.store.ListMessages(r.Context(), threadID, before, limit)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": messages,
		"hasMore":  hasMore,
	})
}

// UnreadCountHandler handles GET /threads/{threadID}/unread.
func (h *ThreadHandler) UnreadCountHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, "not authenticated", http.StatusUnauthorized)
		return
	}
	threadID := mux.Vars(r)["threadID"]

	count, err := h.store.UnreadCount(r.Context(), threadID, userID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unreadCount": count})
}

func (h *ThreadHandler) toResponse(r *http.Request, t *models.Thread, userID string) threadResponse {
	resp := threadResponse{
		ID:             t.ID,
		ParticipantIDs: t.ParticipantIDs(),
		CreatedAt:      t.CreatedAt,
		LastMessageAt:  t.LastMessageAt,
	}
	count, err := h.store.UnreadCount(r.Context(), t.ID, userID)
	if err != nil {
		log.Printf("apiserver: unread count for thread %s: %v", t.ID, err)
	} else {
		resp.UnreadCount = count
	}
	return resp
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

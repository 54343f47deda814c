package router

import (
	"encoding/json"
	"fmt"
	"log"

	"dm-go/internal/presence"
	"dm-go/internal/protocol"
)

// Router is the in-memory fan-out from a thread to the connections currently
// joined to its room. Delivery is at-most-once per call: no retry, no queuing
// for offline recipients — offline delivery is the thread store's job, the
// recipient fetches history on next join.
type Router struct {
	registry *presence.Registry
}

// NewRouter creates a Router over the given presence registry.
func NewRouter(registry *presence.Registry) *Router {
	return &Router{registry: registry}
}

// Publish marshals frame once and pushes it to every connection joined to
// threadID except excludeUserID (the sender; pass "" to exclude nobody).
// Returns how many connections actually received it; 0 means the other
// participant is offline, which is expected, not an error.
func (r *Router) Publish(threadID string, frame *protocol.Frame, excludeUserID string) (int, error) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return 0, fmt.Errorf("router: marshal %s frame for thread %s: %w", frame.Type, threadID, err)
	}

	delivered := 0
	for _, conn := range r.registry.ConnectionsInRoom(threadID) {
		if excludeUserID != "" && conn.UserID() == excludeUserID {
			continue
		}
		if conn.Send(payload) {
			delivered++
			continue
		}
		// Send buffer full or connection already closed: treat the
		// connection as dead and drop it from the registry.
		log.Printf("router: dropping unresponsive connection for user %s in thread %s", conn.UserID(), threadID)
		r.registry.Unregister(conn)
		conn.Close(fmt.Errorf("send buffer overflow"))
	}
	return delivered, nil
}

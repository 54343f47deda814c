package presence

import (
	"hash/fnv"
	"log"
	"sync"

	apperrors "dm-go/pkg/errors"
)

const registryShards = 32

// userShard holds the live connection per user plus each connection's joined
// room set. Room membership lives next to the connection so unregistering
// releases every membership atomically under one lock.
type userShard struct {
	mu    sync.Mutex
	conns map[string]Conn          // userID -> live connection
	rooms map[Conn]map[string]bool // connection -> joined thread ids
}

// roomShard indexes which connections have joined a thread, for fan-out.
type roomShard struct {
	mu      sync.Mutex
	members map[string]map[Conn]bool // threadID -> connections
}

// Registry maps a user identity to zero-or-one live connection and each
// connection to the set of rooms it has joined. State is sharded by key so
// unrelated users and threads never contend on one lock.
//
// Lock ordering: a user shard may be held while taking room shards, never the
// reverse.
type Registry struct {
	users [registryShards]*userShard
	rooms [registryShards]*roomShard
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.users {
		r.users[i] = &userShard{
			conns: make(map[string]Conn),
			rooms: make(map[Conn]map[string]bool),
		}
	}
	for i := range r.rooms {
		r.rooms[i] = &roomShard{members: make(map[string]map[Conn]bool)}
	}
	return r
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % registryShards
}

func (r *Registry) userShardFor(userID string) *userShard {
	return r.users[shardIndex(userID)]
}

func (r *Registry) roomShardFor(threadID string) *roomShard {
	return r.rooms[shardIndex(threadID)]
}

// Register records conn as the single live connection for its user. An
// existing connection for the same user is forcibly closed and fully released
// first, under the same shard lock, so a racing unregister of the old
// connection can never evict the new one.
func (r *Registry) Register(conn Conn) {
	userID := conn.UserID()
	shard := r.userShardFor(userID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if existing, ok := shard.conns[userID]; ok && existing != conn {
		log.Printf("presence: user %s already connected, replacing previous connection", userID)
		r.releaseRoomsLocked(shard, existing)
		existing.Close(apperrors.ErrClosed)
	}
	shard.conns[userID] = conn
	if _, ok := shard.rooms[conn]; !ok {
		shard.rooms[conn] = make(map[string]bool)
	}
}

// Unregister removes conn and all its room memberships. No-op if conn was
// already removed or replaced, so a double-close is harmless. The connection
// itself is closed by the caller's transport teardown.
func (r *Registry) Unregister(conn Conn) {
	userID := conn.UserID()
	shard := r.userShardFor(userID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	r.releaseRoomsLocked(shard, conn)
	if current, ok := shard.conns[userID]; ok && current == conn {
		delete(shard.conns, userID)
	}
}

// releaseRoomsLocked drops every room membership of conn. Caller holds the
// conn's user shard.
func (r *Registry) releaseRoomsLocked(shard *userShard, conn Conn) {
	joined, ok := shard.rooms[conn]
	if !ok {
		return
	}
	delete(shard.rooms, conn)
	for threadID := range joined {
		rs := r.roomShardFor(threadID)
		rs.mu.Lock()
		if members, ok := rs.members[threadID]; ok {
			delete(members, conn)
			if len(members) == 0 {
				delete(rs.members, threadID)
			}
		}
		rs.mu.Unlock()
	}
}

// ConnectionFor returns the live connection for userID, or nil.
func (r *Registry) ConnectionFor(userID string) Conn {
	shard := r.userShardFor(userID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	return shard.conns[userID]
}

// JoinRoom subscribes conn to a thread's live events. Joining twice is a
// no-op success. Fails with ErrClosed if conn is no longer the registered
// connection for its user; participant authorization is the gateway's job
// before calling this.
func (r *Registry) JoinRoom(conn Conn, threadID string) error {
	shard := r.userShardFor(conn.UserID())
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if current, ok := shard.conns[conn.UserID()]; !ok || current != conn {
		return apperrors.ErrClosed
	}
	joined := shard.rooms[conn]
	if joined[threadID] {
		return nil
	}
	joined[threadID] = true

	rs := r.roomShardFor(threadID)
	rs.mu.Lock()
	members, ok := rs.members[threadID]
	if !ok {
		members = make(map[Conn]bool)
		rs.members[threadID] = members
	}
	members[conn] = true
	rs.mu.Unlock()
	return nil
}

// LeaveRoom drops conn's subscription to a thread. No-op if not joined.
func (r *Registry) LeaveRoom(conn Conn, threadID string) {
	shard := r.userShardFor(conn.UserID())
	shard.mu.Lock()
	defer shard.mu.Unlock()

	joined, ok := shard.rooms[conn]
	if !ok || !joined[threadID] {
		return
	}
	delete(joined, threadID)

	rs := r.roomShardFor(threadID)
	rs.mu.Lock()
	if members, ok := rs.members[threadID]; ok {
		delete(members, conn)
		if len(members) == 0 {
			delete(rs.members, threadID)
		}
	}
	rs.mu.Unlock()
}

// ConnectionsInRoom returns a snapshot of the connections currently joined to
// a thread.
func (r *Registry) ConnectionsInRoom(threadID string) []Conn {
	rs := r.roomShardFor(threadID)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	members := rs.members[threadID]
	conns := make([]Conn, 0, len(members))
	for conn := range members {
		conns = append(conns, conn)
	}
	return conns
}

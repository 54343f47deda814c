package presence

// Conn is one live, authenticated bidirectional session for one user. The
// gateway's websocket-backed connection implements it; tests use fakes.
//
// Implementations must be comparable (pointer types), Send must never block,
// and Close must be idempotent so a double-close from the registry and the
// read pump is harmless.
type Conn interface {
	// UserID returns the identity this connection authenticated as.
	UserID() string

	// Send enqueues an already-marshaled frame for delivery. It returns false
	// if the connection is closed or its buffer is full; the caller treats
	// that as a dead connection.
	Send(frame []byte) bool

	// Close tears the connection down with a reason. Safe to call more than
	// once.
	Close(reason error)

	// IsClosed reports whether Close has been called.
	IsClosed() bool
}

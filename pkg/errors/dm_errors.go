package errors

var (
	// Domain errors — used across storage, gateway and presence.
	ErrAuthFailed       = New(CodeAuthFailed, "authentication failed")
	ErrAuthTimeout      = New(CodeAuthTimeout, "authentication grace period expired")
	ErrForbidden        = New(CodeForbidden, "user is not a participant of this thread")
	ErrThreadNotFound   = New(CodeThreadNotFound, "thread not found")
	ErrMessageNotFound  = New(CodeMessageNotFound, "message not found")
	ErrInvalidSender    = New(CodeInvalidSender, "sender is not a participant of this thread")
	ErrSelfThread       = New(CodeInvalidArgument, "cannot open a thread with yourself")
	ErrEmptyBody        = New(CodeInvalidArgument, "message body must carry text or an image reference")
	ErrClosed           = New(CodeConnectionClosed, "connection is closed")
	ErrNotAuthenticated = New(CodeAuthFailed, "connection is not authenticated")
)

func ErrStoreUnavailable(cause error) error {
	return Wrap(CodeStoreUnavailable, "persistence temporarily unavailable", cause)
}

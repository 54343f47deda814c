package errors

type Code string

const (
	CodeUnknown          Code = "UNKNOWN"
	CodeAuthFailed       Code = "AUTH_FAILED"
	CodeAuthTimeout      Code = "AUTH_TIMEOUT"
	CodeForbidden        Code = "FORBIDDEN"
	CodeThreadNotFound   Code = "THREAD_NOT_FOUND"
	CodeMessageNotFound  Code = "MESSAGE_NOT_FOUND"
	CodeInvalidSender    Code = "INVALID_SENDER"
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"
	CodeConnectionClosed Code = "CONNECTION_CLOSED"
)

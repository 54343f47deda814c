package apiserver

import (
	"encoding/json"
	"errors"
	"net/http"

	apperrors "dm-go/pkg/errors"
)

// ErrorResponse is the generic error payload for the REST read path.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, statusCode, ErrorResponse{Error: message})
}

// writeAppError maps an application error onto an HTTP status.
func writeAppError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case apperrors.CodeThreadNotFound, apperrors.CodeMessageNotFound:
		status = http.StatusNotFound
	case apperrors.CodeForbidden:
		status = http.StatusForbidden
	case apperrors.CodeInvalidArgument, apperrors.CodeInvalidSender:
		status = http.StatusBadRequest
	case apperrors.CodeAuthFailed, apperrors.CodeAuthTimeout:
		status = http.StatusUnauthorized
	case apperrors.CodeStoreUnavailable:
		status = http.StatusServiceUnavailable
	}

	var appErr *apperrors.AppError
	message := err.Error()
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	writeJSON(w, status, ErrorResponse{Error: message, Code: string(code)})
}

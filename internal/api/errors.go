package api

import (
	"errors"
	"net/http"

	"autopay/internal/gateway"
	"autopay/internal/session"
)

// errInvalidRequest marks malformed request bodies and path parameters
var errInvalidRequest = errors.New("invalid request")

// statusForError maps a session or gateway failure onto an HTTP status and error code
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, errInvalidRequest),
		errors.Is(err, gateway.ErrInvalidAmount),
		errors.Is(err, gateway.ErrInvalidRecipient),
		errors.Is(err, gateway.ErrInvalidSchedule):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, session.ErrNotReady):
		return http.StatusConflict, "not_ready"
	case errors.Is(err, gateway.ErrNotInitialized):
		return http.StatusConflict, "not_initialized"
	case errors.Is(err, session.ErrSessionBusy):
		return http.StatusConflict, "busy"
	case errors.Is(err, session.ErrConnectionCancelled):
		return http.StatusConflict, "cancelled"
	case errors.Is(err, session.ErrUserRejected),
		errors.Is(err, gateway.ErrTransactionRejected):
		return http.StatusForbidden, "rejected"
	case errors.Is(err, gateway.ErrTransactionReverted):
		return http.StatusUnprocessableEntity, "reverted"
	case errors.Is(err, session.ErrConnectionTimeout),
		errors.Is(err, session.ErrDisconnectTimeout):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, session.ErrInitialization),
		errors.Is(err, session.ErrDisconnectFailed),
		errors.Is(err, session.ErrInvalidSessionResponse),
		errors.Is(err, gateway.ErrNetwork):
		return http.StatusBadGateway, "network"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// errorMessage returns the single human-readable text for a failure
func errorMessage(err error) string {
	var operationError gateway.OperationError
	if errors.As(err, &operationError) {
		return gateway.Message(err)
	}
	if errors.Is(err, errInvalidRequest) {
		return err.Error()
	}
	return session.Message(err)
}

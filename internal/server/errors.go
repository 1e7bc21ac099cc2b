package server

import (
	"context"
	"errors"
	"net/http"
)

var (
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrAuthenticationTimeout = errors.New("authentication timeout")
	ErrNotMember             = errors.New("not a member of room")
	ErrForbidden             = errors.New("forbidden")
	ErrInvalidContent        = errors.New("invalid content")
	ErrInvalidMessage        = errors.New("invalid message format")
	ErrPersistence           = errors.New("persistence error")
	ErrDuplicateConnection   = errors.New("duplicate connection")
	ErrNotFound              = errors.New("not found")
	ErrTransport             = errors.New("transport error")
	ErrShuttingDown          = errors.New("server shutting down")
)

type errorKind struct {
	err    error
	status int
	code   string
}

var errorKinds = []errorKind{
	{ErrAuthenticationFailed, http.StatusUnauthorized, "authentication_failed"},
	{ErrAuthenticationTimeout, http.StatusRequestTimeout, "authentication_timeout"},
	{ErrNotMember, http.StatusForbidden, "not_member"},
	{ErrForbidden, http.StatusForbidden, "forbidden"},
	{ErrInvalidContent, http.StatusBadRequest, "invalid_content"},
	{ErrInvalidMessage, http.StatusBadRequest, "invalid_message"},
	{ErrPersistence, http.StatusInternalServerError, "persistence_error"},
	{ErrDuplicateConnection, http.StatusConflict, "duplicate_connection"},
	{ErrNotFound, http.StatusNotFound, "not_found"},
	{ErrTransport, http.StatusServiceUnavailable, "transport_error"},
	{ErrShuttingDown, http.StatusServiceUnavailable, "service_unavailable"},
	{context.DeadlineExceeded, http.StatusServiceUnavailable, "timeout"},
	{context.Canceled, http.StatusServiceUnavailable, "canceled"},
}

// classify maps err to the status and code reported to clients along with
// the detail that is safe to show them.
func classify(err error) (int, string, string) {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			if k.err == ErrPersistence {
				// storage errors stay in the server log
				return k.status, k.code, ErrPersistence.Error()
			}
			return k.status, k.code, err.Error()
		}
	}

	return http.StatusInternalServerError, "internal_error", "internal server error"
}

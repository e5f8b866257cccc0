package models

import (
	"errors"
	"net/http"
)

var (
	ErrInvalidJSON = err{
		code:  http.StatusBadRequest,
		error: errors.New("Invalid JSON"),
	}
	ErrMissingActionName = err{
		code:  http.StatusBadRequest,
		error: errors.New("Missing action name"),
	}
	ErrActionNotFound = err{
		code:  http.StatusNotFound,
		error: errors.New("Action not found"),
	}
	ErrUnauthorized = err{
		code:  http.StatusUnauthorized,
		error: errors.New("Invalid authorization"),
	}
	ErrActivationTimeout = err{
		code:  http.StatusGatewayTimeout,
		error: errors.New("Timed out waiting for activation"),
	}
)

// any error that implements this interface will return an API response
// with the provided status code and error message body
type APIError interface {
	Code() int
	error
}

type err struct {
	code int
	error
}

func (e err) Code() int { return e.code }

func (e err) Unwrap() error { return e.error }

func NewAPIError(code int, e error) APIError { return err{code, e} }

// IsAPIError returns the status code of the first APIError in err's chain.
func IsAPIError(e error) (int, bool) {
	var apiErr APIError
	if errors.As(e, &apiErr) {
		return apiErr.Code(), true
	}
	return 0, false
}

// uniform error output
type Error struct {
	Error *ErrorBody `json:"error,omitempty"`
}

// ErrorBody is the structured error both the local listener and the agents
// answer with. Code carries the reserved result codes.
type ErrorBody struct {
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}

func (m *ErrorBody) Error() string {
	return m.Message
}

// Package mitoru provides a Go client for the Mitoru agent call tracking API.
package mitoru

import "fmt"

// Error represents an error from the Mitoru API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("mitoru: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.StatusCode == 404
	}
	return false
}

// IsAlreadyFinished returns true if the server rejected the request because
// the call had already reached a terminal status.
func IsAlreadyFinished(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Code == "ALREADY_FINISHED"
	}
	return false
}

// IsRateLimited returns true if the error is a 429.
func IsRateLimited(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.StatusCode == 429
	}
	return false
}

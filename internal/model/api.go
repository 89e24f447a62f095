package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes returned in ErrorDetail.Code.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeAlreadyDone   = "ALREADY_FINISHED"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// Stream frame types sent over an event stream connection.
const (
	StreamFrameStatus = "status"
	StreamFrameEvent  = "event"
	StreamFrameError  = "error"
)

// StreamMessage is one frame on a live event stream: a status snapshot at
// attach time, then event frames, or an error frame.
type StreamMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// StreamError is the payload of an error frame.
type StreamError struct {
	ErrorType    string     `json:"error_type"`
	ErrorMessage string     `json:"error_message"`
	CallID       *uuid.UUID `json:"call_id,omitempty"`
}

// EventsResponse wraps a call's full history.
type EventsResponse struct {
	Events []Event `json:"events"`
}

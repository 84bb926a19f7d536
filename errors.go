package agentbridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTaskNotFound is returned for an id that matches no active or
	// retained run.
	ErrTaskNotFound = errors.New("agentbridge: task not found")
	// ErrTaskFinished is returned when an operation needs a live task.
	ErrTaskFinished = errors.New("agentbridge: task already finished")
	// ErrNotAwaitingInput is returned by Continue for a task that is not
	// waiting for a reply.
	ErrNotAwaitingInput = errors.New("agentbridge: task is not awaiting input")
	// ErrSubmissionFailed wraps runtime errors that kept a task from
	// starting or receiving a message.
	ErrSubmissionFailed = errors.New("agentbridge: submission failed")
	// ErrShutdown is returned once Shutdown has been called.
	ErrShutdown = errors.New("agentbridge: orchestrator shut down")
)

// Standard error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeCanceled       = -32800
	CodeTaskNotFound   = -32001
	CodeConflict       = -32002
	CodeUnavailable    = -32003
	CodeBadGateway     = -32004
)

// ProtocolError represents an error that can be sent to the client.
type ProtocolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the error code to a response status.
func (e *ProtocolError) HTTPStatus() int {
	switch e.Code {
	case CodeParseError, CodeInvalidRequest, CodeInvalidParams:
		return http.StatusBadRequest
	case CodeMethodNotFound, CodeTaskNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeBadGateway:
		return http.StatusBadGateway
	case CodeCanceled:
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

// NewError creates a new protocol error.
func NewError(code int, message string) *ProtocolError {
	return &ProtocolError{Code: code, Message: message}
}

// WrapError creates a new protocol error wrapping an existing error.
func WrapError(code int, message string, cause error) *ProtocolError {
	return &ProtocolError{Code: code, Message: message, Cause: cause}
}

// ErrInvalidParams returns an invalid params error.
func ErrInvalidParams(reason string) *ProtocolError {
	return NewError(CodeInvalidParams, fmt.Sprintf("invalid params: %s", reason))
}

// ErrInternal returns an internal error.
func ErrInternal(cause error) *ProtocolError {
	return WrapError(CodeInternalError, "internal error", cause)
}

// ErrCanceled returns a canceled error.
func ErrCanceled() *ProtocolError {
	return NewError(CodeCanceled, "request canceled")
}

// toProtocolError classifies err for a client response.
func toProtocolError(err error) *ProtocolError {
	var perr *ProtocolError
	switch {
	case errors.As(err, &perr):
		return perr
	case errors.Is(err, ErrTaskNotFound):
		return WrapError(CodeTaskNotFound, "task not found", err)
	case errors.Is(err, ErrTaskFinished), errors.Is(err, ErrNotAwaitingInput):
		return WrapError(CodeConflict, "task state conflict", err)
	case errors.Is(err, ErrShutdown):
		return WrapError(CodeUnavailable, "shutting down", err)
	case errors.Is(err, ErrSubmissionFailed):
		return WrapError(CodeBadGateway, "runtime rejected the request", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return WrapError(CodeCanceled, "request canceled", err)
	}
	return ErrInternal(err)
}

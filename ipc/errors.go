package ipc

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownMessageType is returned by Decode for a message whose type
	// discriminator is not recognised. Receivers ignore such messages.
	ErrUnknownMessageType = errors.New("ipc: unknown message type")

	// ErrInvalidOrigin marks a message that claims the wrong origin for its type.
	ErrInvalidOrigin = errors.New("ipc: invalid origin")

	// ErrLineTooLong marks a line that exceeded the decoder's size limit.
	ErrLineTooLong = errors.New("ipc: line too long")

	// ErrClosed is returned when using a closed client or server.
	ErrClosed = errors.New("ipc: closed")

	// ErrNotConnected is returned by Client.Send while reconnecting.
	ErrNotConnected = errors.New("ipc: not connected")
)

// ParseError reports a malformed line. It is never fatal to a connection.
type ParseError struct {
	Line []byte
	Err  error
}

func newParseError(line []byte, err error) *ParseError {
	return &ParseError{Line: append([]byte(nil), line...), Err: err}
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("ipc: malformed message: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

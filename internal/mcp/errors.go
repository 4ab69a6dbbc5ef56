package mcp

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned when a request is attempted on a client
// or transport that has no open connection.
var ErrNotConnected = errors.New("mcp: not connected")

// ErrNotInitialized is returned when tools are listed or called before
// the initialize handshake has completed.
var ErrNotInitialized = errors.New("mcp: not initialized")

// ErrUnavailable is returned by [Connect] when the tool servers could
// not be reached after the single retry.
var ErrUnavailable = errors.New("mcp: tool servers unavailable")

// ConnectionError reports a failure to open, write to, or read from the
// TCP stream to a tool server.
type ConnectionError struct {
	Addr string
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("mcp %s %s: %v", e.Op, e.Addr, e.Err)
}

// Unwrap returns the underlying network error.
func (e *ConnectionError) Unwrap() error { return e.Err }

// MalformedResponseError reports a response that passed correlation but
// could not be interpreted: an undecodable result, a response with
// neither result nor error, or too many unrelated lines before a match.
type MalformedResponseError struct {
	Method string
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *MalformedResponseError) Error() string {
	msg := "malformed response"
	if e.Method != "" {
		msg += " to " + e.Method
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the decoding error, if any.
func (e *MalformedResponseError) Unwrap() error { return e.Err }

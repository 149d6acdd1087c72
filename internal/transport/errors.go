package transport

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotImplemented is returned by a service whose processor was never
	// provided.
	ErrNotImplemented = errors.New("transport: process not implemented")
	// ErrSocketClosed is returned by Recv after the socket was closed.
	ErrSocketClosed = errors.New("transport: socket closed")
)

// ServerErrorMessage is sent to a peer whose request faulted the handler.
// The real cause only goes to the log.
const ServerErrorMessage = "Encountered server error, sorry"

// ReplyError is an error whose message is safe to send to the peer as an
// error reply. Errors that do not implement it are reported generically.
type ReplyError interface {
	error
	ReplyMessage() string
}

// FrameError describes a delivery that did not have exactly three frames.
// It is logged and dropped: without a routing token there is nobody to
// reply to.
type FrameError struct {
	Frames int
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("expected 3 frames (routing token, delimiter, payload), received %d; use a REQ socket", e.Frames)
}

// ValidationError reports required fields missing from a request section.
type ValidationError struct {
	Section string
	Fields  []string
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid %s: %s", e.Section, e.Reason)
	}
	return fmt.Sprintf("invalid %s: missing required field(s): %s", e.Section, strings.Join(e.Fields, ", "))
}

func (e *ValidationError) ReplyMessage() string {
	if e.Reason != "" {
		return "Invalid request: " + e.Reason
	}
	return "Invalid request: missing required field(s): " + strings.Join(e.Fields, ", ")
}

// UnknownActionMessage is the reply to a request without a recognised action.
const UnknownActionMessage = "Did not receive appropriate action"

// UnknownActionError is a request whose action is missing or unrecognised.
type UnknownActionError struct {
	Action string
}

func (e *UnknownActionError) Error() string {
	if e.Action == "" {
		return "request carries no action"
	}
	return fmt.Sprintf("unknown action %q", e.Action)
}

func (e *UnknownActionError) ReplyMessage() string { return UnknownActionMessage }

// HandlerFault wraps a panic raised while processing a request.
type HandlerFault struct {
	Value any
	Stack []byte
}

func (e *HandlerFault) Error() string {
	return fmt.Sprintf("process panicked: %v", e.Value)
}

func (e *HandlerFault) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

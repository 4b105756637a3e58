package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/mqy/minichat/api"
	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/ws"
)

type Code int

const (
	CodeIdentityUnavailable Code = iota + 1
	CodeTransientContention
	CodeAlreadyMember // never surfaced, joins treat it as success
	CodeTransportDisconnected
	CodeLeaveFailed
	CodeInvalidTarget
	CodeNotJoined
	CodeCanceled
	CodeRequestFailed
)

var codeNames = map[Code]string{
	CodeIdentityUnavailable:   "identity unavailable",
	CodeTransientContention:   "transient server contention",
	CodeAlreadyMember:         "already member",
	CodeTransportDisconnected: "transport disconnected",
	CodeLeaveFailed:           "leave failed",
	CodeInvalidTarget:         "invalid conversation target",
	CodeNotJoined:             "not joined",
	CodeCanceled:              "canceled",
	CodeRequestFailed:         "request failed",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error is the only error kind returned by the chat engine. Match with errors.Is
// against the Err* values, which compare by code.
type Error struct {
	Code Code
	Op   string

	// Err is the underlying cause, kept for logs.
	Err error
}

var (
	ErrIdentityUnavailable   = &Error{Code: CodeIdentityUnavailable}
	ErrTransientContention   = &Error{Code: CodeTransientContention}
	ErrTransportDisconnected = &Error{Code: CodeTransportDisconnected}
	ErrLeaveFailed           = &Error{Code: CodeLeaveFailed}
	ErrInvalidTarget         = &Error{Code: CodeInvalidTarget}
	ErrNotJoined             = &Error{Code: CodeNotJoined}
	ErrCanceled              = &Error{Code: CodeCanceled}
	ErrRequestFailed         = &Error{Code: CodeRequestFailed}
)

func (e *Error) Error() string {
	s := "chat: "
	if e.Op != "" {
		s += e.Op + ": "
	}
	s += e.Code.String()
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Retryable errors show a transient "retrying" state, the rest are fatal to the
// operation.
func (e *Error) Retryable() bool {
	return e.Code == CodeTransientContention || e.Code == CodeTransportDisconnected
}

// UserMessage is a short actionable text for the UI.
func (e *Error) UserMessage() string {
	switch e.Code {
	case CodeIdentityUnavailable:
		return "Please sign in again."
	case CodeTransientContention:
		return "The server is busy, retrying."
	case CodeTransportDisconnected:
		return "Reconnecting to chat."
	case CodeLeaveFailed:
		return "Could not leave the conversation, refresh and try again."
	case CodeInvalidTarget:
		return "This conversation is not available."
	case CodeNotJoined:
		return "You are not in this conversation."
	case CodeCanceled:
		return "Canceled."
	default:
		return "Something went wrong, refresh and try again."
	}
}

func newError(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// translate maps a collaborator error onto the error taxonomy.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Op == "" {
			return newError(e.Code, op, e.Err)
		}
		return e
	}

	switch {
	case errors.Is(err, auth.ErrIdentityUnavailable):
		return newError(CodeIdentityUnavailable, op, err)
	case errors.Is(err, context.Canceled):
		return newError(CodeCanceled, op, err)
	case errors.Is(err, ws.ErrNotConnected), errors.Is(err, ws.ErrLinkClosed), errors.Is(err, context.DeadlineExceeded):
		return newError(CodeTransportDisconnected, op, err)
	case api.IsContention(err):
		return newError(CodeTransientContention, op, err)
	case api.IsInvalidTarget(err):
		return newError(CodeInvalidTarget, op, err)
	}
	return newError(CodeRequestFailed, op, err)
}

package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Backend error codes.
const (
	CodeAlreadyMember    = "ALREADY_MEMBER"
	CodeNotMember        = "NOT_MEMBER"
	CodeInvalidTarget    = "INVALID_TARGET"
	CodeLockTimeout      = "LOCK_TIMEOUT"
	CodeDeadlock         = "DEADLOCK"
	CodeEntityNotFlushed = "ENTITY_NOT_FLUSHED"
)

// Message signatures of transient contention, for backends answering without a code.
var contentionSignatures = []string{
	"deadlock found",
	"lock wait timeout",
	"could not obtain lock",
	"not yet flushed",
}

// Error is a non-2xx backend response.
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`

	// RoomID is set by some ALREADY_MEMBER answers.
	RoomID int64 `json:"roomId,omitempty"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api: %d: %s", e.Status, e.Message)
}

func asError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func IsNotFound(err error) bool {
	e, ok := asError(err)
	return ok && (e.Status == http.StatusNotFound || e.Code == CodeNotMember)
}

func IsAlreadyMember(err error) bool {
	e, ok := asError(err)
	return ok && e.Code == CodeAlreadyMember
}

// IsContention reports transient server-side contention: lock and deadlock class
// errors, or an entity not yet flushed.
func IsContention(err error) bool {
	e, ok := asError(err)
	if !ok {
		return false
	}
	switch e.Code {
	case CodeLockTimeout, CodeDeadlock, CodeEntityNotFlushed:
		return true
	}
	if e.Status < 500 {
		return false
	}
	msg := strings.ToLower(e.Message)
	for _, s := range contentionSignatures {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func IsInvalidTarget(err error) bool {
	e, ok := asError(err)
	return ok && (e.Code == CodeInvalidTarget || e.Status == http.StatusBadRequest)
}

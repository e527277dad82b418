// Package apperr carries the error taxonomy shared by services and
// transports. Every error leaving the service layer is an *Error.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindForbidden          Kind = "forbidden"
	KindConflict           Kind = "conflict"
	KindInvalidState       Kind = "invalid_state"
	KindInvariantViolation Kind = "invariant_violation"
	KindInvalidArgument    Kind = "invalid_argument"
	KindTransient          Kind = "transient"
)

// Codes refine a kind so callers can tell cases apart.
const (
	CodeUserNotFound         = "user_not_found"
	CodeConversationNotFound = "conversation_not_found"
	CodeMessageNotFound      = "message_not_found"
	CodeMemberNotFound       = "member_not_found"
	CodeNotMember            = "not_member"
	CodeNotAdmin             = "not_admin"
	CodeNotSender            = "not_sender"
	CodeBlocked              = "blocked"
	CodeSelfReference        = "self_reference"
	CodeAlreadyFriends       = "already_friends"
	CodeRequestExists        = "request_exists"
	CodeAlreadyMember        = "already_member"
	CodeNoPendingRequest     = "no_pending_request"
	CodeNotFriends           = "not_friends"
	CodeNotBlocked           = "not_blocked"
	CodeMessageDeleted       = "message_deleted"
	CodeNotGroup             = "not_group"
	CodeGroupTooSmall        = "group_too_small"
	CodeAdminNotMember       = "admin_not_member"
	CodeDirectNotUnique      = "direct_not_unique"
	CodeEmptyMessage         = "empty_message"
	CodeMessageTooLong       = "message_too_long"
	CodeBadCursor            = "bad_cursor"
	CodeNameRequired         = "name_required"
	CodeMissingID            = "missing_id"
	CodeConcurrentUpdate     = "concurrent_update"
	CodeStorage              = "storage"
)

type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind and code so errors.Is(err, apperr.NotFound(code, "")) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || e.Code == t.Code)
}

func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

func NotFound(code, msg string) *Error  { return New(KindNotFound, code, msg) }
func Forbidden(code, msg string) *Error { return New(KindForbidden, code, msg) }
func Conflict(code, msg string) *Error  { return New(KindConflict, code, msg) }

func InvalidState(code, msg string) *Error {
	return New(KindInvalidState, code, msg)
}

func InvariantViolation(code, msg string) *Error {
	return New(KindInvariantViolation, code, msg)
}

func InvalidArgument(code, msg string) *Error {
	return New(KindInvalidArgument, code, msg)
}

func Transient(msg string, err error) *Error {
	return &Error{Kind: KindTransient, Code: CodeStorage, Message: msg, Err: err}
}

// KindOf returns the kind of err, or KindTransient for anything unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func IsKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict, KindInvalidState:
		return http.StatusConflict
	case KindInvariantViolation:
		return http.StatusUnprocessableEntity
	case KindInvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}

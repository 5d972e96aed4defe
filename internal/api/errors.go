// Package api holds the resource clients for the conversation, message and
// image endpoints. Every failure is returned as an *Error naming the
// operation; the transport error stays reachable through errors.Is/As.
package api

import "errors"

var (
	ErrConversationList   = errors.New("conversation list failed")
	ErrConversationCreate = errors.New("conversation create failed")
	ErrConversationFetch  = errors.New("conversation fetch failed")
	ErrConversationUpdate = errors.New("conversation update failed")
	ErrConversationDelete = errors.New("conversation delete failed")
	ErrMessageList        = errors.New("message list failed")
	ErrMessageSend        = errors.New("message send failed")
	ErrImageUpload        = errors.New("image upload failed")
	ErrImageFetch         = errors.New("image fetch failed")
	ErrInvalidResponse    = errors.New("invalid server response")
)

// Error is a domain-typed resource failure.
type Error struct {
	Op  error
	Err error
}

func (e *Error) Error() string {
	return e.Op.Error() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() []error {
	return []error{e.Op, e.Err}
}

func fail(op, err error) error {
	return &Error{Op: op, Err: err}
}

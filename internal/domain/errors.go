package domain

import "errors"

// Failure taxonomy shared by every layer. Concrete errors wrap one of these
// so callers can branch with errors.Is.
var (
	// ErrUnauthenticated: no credential, or the backend rejected it.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrInvalidAttachment: client-side validation refused the file.
	ErrInvalidAttachment = errors.New("invalid attachment")
	// ErrTransientNetwork: no response received, or a 5xx status.
	ErrTransientNetwork = errors.New("transient network failure")
	// ErrPersistence: the backend did not accept an optimistic message.
	ErrPersistence = errors.New("message persistence failed")
	// ErrReplyFetch: the generated reply could not be obtained.
	ErrReplyFetch = errors.New("reply fetch failed")
)
